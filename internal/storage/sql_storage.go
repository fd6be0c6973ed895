package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/torquehook/internal/entity"
	"github.com/torquehook/internal/models"
)

// SQLStorage implements Storage on SQLite.
type SQLStorage struct {
	DB     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string, logger *slog.Logger) (*SQLStorage, error) {
	uri := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	if path == ":memory:" {
		uri = "file::memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(connMaxLifetime(path))

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLStorage{DB: db, logger: logger.With("component", "storage")}
	if err := NewMigrations(db, s.logger).Run(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// connMaxLifetime is zero for ":memory:" since recycling its only connection
// would throw the database away.
func connMaxLifetime(path string) time.Duration {
	if path == ":memory:" {
		return 0
	}
	return time.Hour
}

func (s *SQLStorage) Close() error {
	return s.DB.Close()
}

func (s *SQLStorage) SaveAccount(ctx context.Context, a Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO accounts (id, name, email, device_id, webhook_id, created_unix)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			email=excluded.email,
			device_id=excluded.device_id,
			webhook_id=excluded.webhook_id`,
		a.ID, a.Name, a.Email, a.DeviceID, a.WebhookID, a.CreatedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStorage) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, name, email, device_id, webhook_id, created_unix FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *SQLStorage) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, email, device_id, webhook_id, created_unix FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	result := []Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (Account, error) {
	var a Account
	var created int64
	if err := row.Scan(&a.ID, &a.Name, &a.Email, &a.DeviceID, &a.WebhookID, &created); err != nil {
		return Account{}, err
	}
	a.CreatedAt = time.Unix(created, 0).UTC()
	return a, nil
}

// DeleteAccount removes the account with its sensors and readings.
func (s *SQLStorage) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete account: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM readings WHERE account_id = ?`,
		`DELETE FROM sensors WHERE account_id = ?`,
		`DELETE FROM accounts WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete account %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// UpsertSensors stores the metadata and last value of each sensor.
func (s *SQLStorage) UpsertSensors(ctx context.Context, states []entity.State) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert sensors: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sensors (account_id, profile, pid, unique_id, name, unit, value, has_value, updated_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, profile, pid) DO UPDATE SET
			value=excluded.value,
			has_value=excluded.has_value,
			updated_unix_ms=excluded.updated_unix_ms`)
	if err != nil {
		return fmt.Errorf("prepare upsert sensors: %w", err)
	}
	defer stmt.Close()

	for _, st := range states {
		var updated int64
		if !st.UpdatedAt.IsZero() {
			updated = st.UpdatedAt.UnixMilli()
		}
		if _, err := stmt.ExecContext(ctx, st.AccountID, st.Profile, st.PID, st.UniqueID,
			st.Name, st.Unit, st.Value, st.HasValue, updated); err != nil {
			s.logger.Error("failed to upsert sensor", "unique_id", st.UniqueID, "error", err)
			return fmt.Errorf("upsert sensor %s: %w", st.UniqueID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) ListSensors(ctx context.Context, accountID string) ([]entity.State, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT account_id, profile, pid, unique_id, name, unit, value, has_value, updated_unix_ms
		FROM sensors WHERE account_id = ? ORDER BY profile, pid`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	defer rows.Close()

	result := []entity.State{}
	for rows.Next() {
		var st entity.State
		var updated int64
		if err := rows.Scan(&st.AccountID, &st.Profile, &st.PID, &st.UniqueID, &st.Name,
			&st.Unit, &st.Value, &st.HasValue, &updated); err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		st.Icon = entity.DefaultIcon
		if updated > 0 {
			st.UpdatedAt = time.UnixMilli(updated)
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (s *SQLStorage) AppendReadings(ctx context.Context, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append readings: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (account_id, profile, pid, ts_unix_ms, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare append readings: %w", err)
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, r.AccountID, r.Profile, r.PID, r.Timestamp, r.Value); err != nil {
			return fmt.Errorf("append reading: %w", err)
		}
	}
	return tx.Commit()
}

// where builds the filter shared by the reading queries.
func (q ReadingQuery) where() (string, []any) {
	clause := `account_id = ? AND profile = ? AND pid = ?`
	args := []any{q.AccountID, q.Profile, q.PID}
	if q.Start != 0 {
		clause += ` AND ts_unix_ms >= ?`
		args = append(args, q.Start)
	}
	if q.End != 0 {
		clause += ` AND ts_unix_ms <= ?`
		args = append(args, q.End)
	}
	return clause, args
}

func (s *SQLStorage) QueryReadings(ctx context.Context, q ReadingQuery) ([]models.Reading, error) {
	clause, args := q.where()
	query := `SELECT ts_unix_ms, value FROM readings WHERE ` + clause + ` ORDER BY ts_unix_ms, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	result := []models.Reading{}
	for rows.Next() {
		r := models.Reading{AccountID: q.AccountID, Profile: q.Profile, PID: q.PID}
		if err := rows.Scan(&r.Timestamp, &r.Value); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLStorage) QueryAggregated(ctx context.Context, q ReadingQuery) (QueryStats, error) {
	clause, args := q.where()
	row := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(value), 0), COALESCE(MIN(value), 0), COALESCE(MAX(value), 0)
		FROM readings WHERE `+clause, args...)
	var stats QueryStats
	if err := row.Scan(&stats.Count, &stats.Sum, &stats.Min, &stats.Max); err != nil {
		return QueryStats{}, fmt.Errorf("aggregate readings: %w", err)
	}
	return stats, nil
}

func (s *SQLStorage) DeleteReadings(ctx context.Context, q ReadingQuery) (int64, error) {
	clause, args := q.where()
	res, err := s.DB.ExecContext(ctx, `DELETE FROM readings WHERE `+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("delete readings: %w", err)
	}
	return res.RowsAffected()
}
