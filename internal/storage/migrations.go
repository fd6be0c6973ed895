package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

type Migrations struct {
	DB     *sql.DB
	Logger *slog.Logger
}

func NewMigrations(db *sql.DB, logger *slog.Logger) *Migrations {
	return &Migrations{DB: db, Logger: logger}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		email        TEXT NOT NULL DEFAULT '',
		device_id    TEXT NOT NULL DEFAULT '',
		webhook_id   TEXT NOT NULL UNIQUE,
		created_unix INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sensors (
		account_id      TEXT NOT NULL,
		profile         TEXT NOT NULL DEFAULT '',
		pid             INTEGER NOT NULL,
		unique_id       TEXT NOT NULL,
		name            TEXT NOT NULL,
		unit            TEXT NOT NULL DEFAULT '',
		value           TEXT NOT NULL DEFAULT '',
		has_value       BOOLEAN NOT NULL DEFAULT 0,
		updated_unix_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (account_id, profile, pid)
	)`,
	`CREATE TABLE IF NOT EXISTS readings (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id  TEXT NOT NULL,
		profile     TEXT NOT NULL DEFAULT '',
		pid         INTEGER NOT NULL,
		ts_unix_ms  INTEGER NOT NULL,
		value       REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_channel_ts
		ON readings(account_id, profile, pid, ts_unix_ms)`,
}

func (m *Migrations) createSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// addSensorUniqueIndex exists for databases created before unique ids were
// looked up directly.
func (m *Migrations) addSensorUniqueIndex(ctx context.Context) error {
	var count int
	err := m.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM sqlite_master
		WHERE type = 'index' AND name = 'idx_sensors_unique_id'
	`).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	m.Logger.Info("adding sensor unique id index")
	if _, err := m.DB.ExecContext(ctx,
		`CREATE INDEX idx_sensors_unique_id ON sensors(unique_id)`); err != nil {
		return fmt.Errorf("create sensor unique id index: %w", err)
	}
	return nil
}

func (m *Migrations) Run(ctx context.Context) error {
	if err := m.createSchema(ctx); err != nil {
		return err
	}
	if err := m.addSensorUniqueIndex(ctx); err != nil {
		return err
	}
	return nil
}
