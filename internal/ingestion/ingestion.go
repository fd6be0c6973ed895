package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/torquehook/internal/coordinator"
	"github.com/torquehook/internal/entity"
	"github.com/torquehook/internal/models"
	"github.com/torquehook/internal/torque"
	"github.com/torquehook/internal/webhook"
)

// Response bodies sent back to the app.
const (
	ResponseOK      = "OK!"
	ResponseNoQuery = "No Torque Query Parameters"
)

// ErrForeignAccount means the upload identifies a different account than the
// one the webhook belongs to.
var ErrForeignAccount = errors.New("upload belongs to another account")

// Store is the persistence the router needs.
type Store interface {
	UpsertSensors(ctx context.Context, states []entity.State) error
	AppendReadings(ctx context.Context, readings []models.Reading) error
}

// Publisher receives one update per routed upload.
type Publisher interface {
	Publish(u coordinator.Update) bool
}

// Account is the routing target of an upload.
type Account struct {
	ID         string
	Email      string
	DeviceID   string
	UseProfile bool
	Registry   *entity.Registry

	// serializes uploads so stored and published values follow the
	// in-memory order
	mu sync.Mutex
}

// Result counts what happened to the channels of one upload.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Dropped int `json:"dropped"`
}

type Service struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

func New(store Store, pub Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		pub:    pub,
		logger: logger.With("component", "ingestion"),
		now:    time.Now,
	}
}

// Accepts reports whether the upload identifies acct.
func (a *Account) Accepts(s *torque.Snapshot) bool {
	if a.Email != "" {
		return s.Email == a.Email
	}
	if a.DeviceID != "" {
		return s.Device == a.DeviceID
	}
	return true
}

// Route applies one decoded upload to the entities of acct: sensors are
// created for every named channel not seen before, then values are written to
// the sensors that exist. Values for channels that were never named are
// dropped. When persisting fails the registry is put back as it was.
func (s *Service) Route(ctx context.Context, acct *Account, snap *torque.Snapshot) (Result, error) {
	var res Result
	if !acct.Accepts(snap) {
		return res, ErrForeignAccount
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	profile := ""
	if acct.UseProfile {
		profile = snap.Profile
	}

	var created []entity.State
	for pid, name := range snap.Names {
		key := entity.Key{Profile: profile, PID: pid}
		sensor, ok := acct.Registry.Ensure(key, name, snap.Units[pid])
		if !ok {
			continue
		}
		created = append(created, sensor.State())
		res.Created++
		s.logger.Info("sensor created", "account", acct.ID, "unique_id", sensor.UniqueID(), "pid", key.String())
		if other, dup := acct.Registry.SharedUniqueID(sensor); dup {
			s.logger.Warn("unique id already used by another channel", "account", acct.ID,
				"unique_id", sensor.UniqueID(), "pid", key.String(), "other_pid", other.String())
		}
	}

	type applied struct {
		sensor *entity.Sensor
		prev   entity.State
	}
	var (
		changed  []entity.State
		undo     []applied
		readings []models.Reading
	)
	for pid, value := range snap.Values {
		key := entity.Key{Profile: profile, PID: pid}
		sensor, ok := acct.Registry.Get(key)
		if !ok {
			res.Dropped++
			continue
		}
		undo = append(undo, applied{sensor: sensor, prev: sensor.State()})
		sensor.Update(value, snap.Time)
		changed = append(changed, sensor.State())
		res.Updated++
		if v, ok := snap.Numeric(pid); ok {
			readings = append(readings, models.Reading{
				AccountID: acct.ID,
				Profile:   profile,
				PID:       pid,
				Timestamp: snap.Time.UnixMilli(),
				Value:     v,
			})
		}
	}

	rollback := func() {
		for _, a := range undo {
			a.sensor.Revert(a.prev)
		}
		for _, st := range created {
			acct.Registry.Remove(st.Key())
		}
	}

	toSave := mergeStates(created, changed)
	if err := s.store.UpsertSensors(ctx, toSave); err != nil {
		rollback()
		return Result{}, fmt.Errorf("persist sensors: %w", err)
	}
	if err := s.store.AppendReadings(ctx, readings); err != nil {
		rollback()
		return Result{}, fmt.Errorf("persist readings: %w", err)
	}

	if len(toSave) > 0 && s.pub != nil {
		s.pub.Publish(coordinator.Update{
			AccountID: acct.ID,
			Received:  s.now(),
			Created:   created,
			Sensors:   toSave,
		})
	}
	return res, nil
}

// mergeStates returns the created states overridden by any later update of
// the same sensor.
func mergeStates(created, changed []entity.State) []entity.State {
	out := make([]entity.State, 0, len(created)+len(changed))
	idx := make(map[entity.Key]int, len(created)+len(changed))
	for _, states := range [][]entity.State{created, changed} {
		for _, st := range states {
			if i, ok := idx[st.Key()]; ok {
				out[i] = st
				continue
			}
			idx[st.Key()] = len(out)
			out = append(out, st)
		}
	}
	return out
}

// Handle decodes an upload request and routes it to acct.
func (s *Service) Handle(ctx context.Context, acct *Account, r *http.Request) (*webhook.Response, error) {
	snap, err := torque.Decode(r.URL.Query(), s.now())
	if errors.Is(err, torque.ErrNoQuery) {
		return webhook.Text(http.StatusOK, ResponseNoQuery), nil
	}
	if err != nil {
		return nil, err
	}
	if len(snap.Skipped) > 0 {
		s.logger.Debug("skipped keys with invalid pid", "account", acct.ID, "keys", snap.Skipped)
	}

	res, err := s.Route(ctx, acct, snap)
	if errors.Is(err, ErrForeignAccount) {
		s.logger.Debug("ignoring upload for another account", "account", acct.ID, "eml", snap.Email, "id", snap.Device)
		return nil, nil
	}
	if err != nil {
		s.logger.Error("failed to route upload", "account", acct.ID, "error", err)
		return nil, err
	}
	s.logger.Debug("upload routed", "account", acct.ID, "created", res.Created, "updated", res.Updated, "dropped", res.Dropped)
	return webhook.Text(http.StatusOK, ResponseOK), nil
}

// WebhookHandler binds Handle to acct for registration with the registrar.
func (s *Service) WebhookHandler(acct *Account) webhook.HandlerFunc {
	return func(ctx context.Context, _ string, r *http.Request) (*webhook.Response, error) {
		return s.Handle(ctx, acct, r)
	}
}
