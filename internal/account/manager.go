// Package account sets up and tears down configured Torque accounts: it
// keeps their webhook ids stable, restores their sensors and registers the
// webhook (or legacy endpoint) that feeds them.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/torquehook/internal/config"
	"github.com/torquehook/internal/entity"
	"github.com/torquehook/internal/ingestion"
	"github.com/torquehook/internal/storage"
	"github.com/torquehook/internal/torque"
	"github.com/torquehook/internal/webhook"
)

// Domain is the registrar domain of every Torque webhook.
const Domain = "torque"

// LegacyPath is the fixed endpoint of legacy accounts.
const LegacyPath = "/api/torque"

var ErrUnknownAccount = errors.New("unknown account")

// Store is the persistence the manager needs.
type Store interface {
	storage.AccountStorage
	storage.SensorStorage
}

// Info describes a set-up account.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	WebhookID   string `json:"webhook_id,omitempty"`
	WebhookPath string `json:"webhook_path"`
	WebhookURL  string `json:"webhook_url,omitempty"`
	Legacy      bool   `json:"legacy"`
	LocalOnly   bool   `json:"local_only"`
	Registered  bool   `json:"registered"`
	Sensors     int    `json:"sensors"`
}

type account struct {
	cfg        config.AccountConfig
	webhookID  string
	target     *ingestion.Account
	registered bool
}

type Manager struct {
	logger    *slog.Logger
	store     Store
	registrar *webhook.Registrar
	router    *ingestion.Service
	server    config.ServerConfig

	mu       sync.Mutex
	accounts map[string]*account
}

func NewManager(store Store, registrar *webhook.Registrar, router *ingestion.Service, server config.ServerConfig, logger *slog.Logger) *Manager {
	return &Manager{
		logger:    logger.With("component", "account"),
		store:     store,
		registrar: registrar,
		router:    router,
		server:    server,
		accounts:  make(map[string]*account),
	}
}

// Setup brings an account online. Calling it again for an account that is
// already set up does nothing.
func (m *Manager) Setup(ctx context.Context, cfg config.AccountConfig) error {
	id := cfg.ID()
	if id == "" {
		return fmt.Errorf("account %q: email or device id is required", cfg.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; ok {
		return nil
	}

	webhookID, err := m.resolveWebhookID(ctx, id, cfg)
	if err != nil {
		return err
	}

	acct := &account{
		cfg:       cfg,
		webhookID: webhookID,
		target: &ingestion.Account{
			ID:         id,
			Email:      cfg.Email,
			DeviceID:   cfg.DeviceID,
			UseProfile: cfg.UseProfile,
			Registry:   entity.NewRegistry(id),
		},
	}

	states, err := m.store.ListSensors(ctx, id)
	if err != nil {
		return fmt.Errorf("restoring sensors of %s: %w", id, err)
	}
	if n := acct.target.Registry.Restore(states); n > 0 {
		m.logger.Info("sensors restored", "account", id, "count", n)
	}

	if cfg.Legacy {
		m.logger.Info("serving legacy endpoint", "account", id, "path", LegacyPath)
	} else if err := m.register(acct); err != nil {
		return err
	}
	m.accounts[id] = acct
	return nil
}

// resolveWebhookID prefers the configured id, then the stored one, and
// generates a new id as a last resort. The result is persisted.
func (m *Manager) resolveWebhookID(ctx context.Context, id string, cfg config.AccountConfig) (string, error) {
	stored, err := m.store.GetAccount(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("loading account %s: %w", id, err)
	}

	webhookID := cfg.WebhookID
	if webhookID == "" {
		webhookID = stored.WebhookID
	}
	if webhookID == "" {
		webhookID = webhook.GenerateID()
		m.logger.Info("generated webhook id", "account", id)
	}

	stored.ID = id
	stored.Name = cfg.Name
	stored.Email = cfg.Email
	stored.DeviceID = cfg.DeviceID
	stored.WebhookID = webhookID
	if err := m.store.SaveAccount(ctx, stored); err != nil {
		return "", fmt.Errorf("saving account %s: %w", id, err)
	}
	return webhookID, nil
}

func (m *Manager) register(acct *account) error {
	if acct.registered {
		return nil
	}
	url := ""
	if m.server.ExternalURL != "" {
		u, err := webhook.URL(m.server.ExternalURL, acct.webhookID)
		if err != nil {
			return err
		}
		url = u
	}
	if m.server.RequireHTTPS {
		if err := webhook.CheckHTTPS(url); err != nil {
			m.logger.Warn("webhook not registered, https and port 443 are required", "account", acct.target.ID, "error", err)
			return nil
		}
	}

	err := m.registrar.Register(webhook.Registration{
		Domain:    Domain,
		Name:      "Torque " + acct.cfg.Name,
		WebhookID: acct.webhookID,
		Handler:   m.router.WebhookHandler(acct.target),
		LocalOnly: acct.cfg.LocalOnly,
	})
	if err != nil {
		return fmt.Errorf("registering webhook of %s: %w", acct.target.ID, err)
	}
	acct.registered = true
	if url != "" {
		m.logger.Info("registered torque webhook", "account", acct.target.ID, "url", url)
	}
	return nil
}

// Teardown takes an account offline: its webhook is unregistered and its
// in-memory sensors dropped. Persisted state is kept.
func (m *Manager) Teardown(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardownLocked(id)
}

func (m *Manager) teardownLocked(id string) error {
	acct, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	if acct.registered {
		m.logger.Debug("unregister torque webhook", "account", id)
		if err := m.registrar.Unregister(acct.webhookID); err != nil && !errors.Is(err, webhook.ErrNotRegistered) {
			return err
		}
		acct.registered = false
	}
	acct.target.Registry.Clear()
	delete(m.accounts, id)
	return nil
}

// Remove tears an account down and deletes everything stored for it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.teardownLocked(id); err != nil && !errors.Is(err, ErrUnknownAccount) {
		return err
	}
	return m.store.DeleteAccount(ctx, id)
}

// Close tears down every account.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id := range m.accounts {
		if err := m.teardownLocked(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Registry returns the sensors of a set-up account.
func (m *Manager) Registry(id string) (*entity.Registry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return nil, false
	}
	return acct.target.Registry, true
}

// Accounts lists the set-up accounts ordered by id.
func (m *Manager) Accounts() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.accounts))
	for id, acct := range m.accounts {
		info := Info{
			ID:         id,
			Name:       acct.cfg.Name,
			Legacy:     acct.cfg.Legacy,
			LocalOnly:  acct.cfg.LocalOnly,
			Registered: acct.registered,
			Sensors:    acct.target.Registry.Len(),
		}
		if acct.cfg.Legacy {
			info.WebhookPath = LegacyPath
		} else {
			info.WebhookID = acct.webhookID
			info.WebhookPath = webhook.PathPrefix + acct.webhookID
			if m.server.ExternalURL != "" {
				info.WebhookURL, _ = webhook.URL(m.server.ExternalURL, acct.webhookID)
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mount adds the legacy endpoint to r.
func (m *Manager) Mount(r chi.Router) {
	r.Get(LegacyPath, m.ServeLegacy)
}

// ServeLegacy routes an upload on the fixed legacy path to the legacy
// account it identifies.
func (m *Manager) ServeLegacy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if len(q) == 0 {
		webhook.WriteResponse(w, webhook.Text(http.StatusOK, ingestion.ResponseNoQuery))
		return
	}
	probe := &torque.Snapshot{Email: q.Get(torque.EmailField), Device: q.Get(torque.DeviceField)}

	target := m.legacyTarget(probe)
	if target == nil {
		m.logger.Debug("no legacy account for upload", "eml", probe.Email, "id", probe.Device)
		w.WriteHeader(http.StatusOK)
		return
	}
	resp, err := m.router.Handle(r.Context(), target, r)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	webhook.WriteResponse(w, resp)
}

func (m *Manager) legacyTarget(probe *torque.Snapshot) *ingestion.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.accounts))
	for id, acct := range m.accounts {
		if acct.cfg.Legacy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if t := m.accounts[id].target; t.Accepts(probe) {
			return t
		}
	}
	return nil
}
