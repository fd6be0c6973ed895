// Package storage persists accounts, sensor entities and the numeric reading
// history behind them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/torquehook/internal/entity"
	"github.com/torquehook/internal/models"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Account is the persisted form of a configured account.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	WebhookID string    `json:"webhook_id"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryStats is the aggregate of the readings matching a query.
type QueryStats struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Avg returns the mean, or 0 for an empty set.
func (s QueryStats) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// ReadingQuery selects the history of one channel. Zero Start/End are open.
type ReadingQuery struct {
	AccountID string
	Profile   string
	PID       int
	Start     int64
	End       int64
	Limit     int
}

type AccountStorage interface {
	SaveAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	DeleteAccount(ctx context.Context, id string) error
}

type SensorStorage interface {
	UpsertSensors(ctx context.Context, states []entity.State) error
	ListSensors(ctx context.Context, accountID string) ([]entity.State, error)
}

type ReadingStorage interface {
	AppendReadings(ctx context.Context, readings []models.Reading) error
	QueryReadings(ctx context.Context, q ReadingQuery) ([]models.Reading, error)
	QueryAggregated(ctx context.Context, q ReadingQuery) (QueryStats, error)
	DeleteReadings(ctx context.Context, q ReadingQuery) (int64, error)
}

// Storage is everything the service persists.
type Storage interface {
	AccountStorage
	SensorStorage
	ReadingStorage
	Close() error
}
