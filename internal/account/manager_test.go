package account

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/torquehook/internal/config"
	"github.com/torquehook/internal/entity"
	"github.com/torquehook/internal/ingestion"
	"github.com/torquehook/internal/storage"
	"github.com/torquehook/internal/webhook"
)

type harness struct {
	store     *storage.SQLStorage
	registrar *webhook.Registrar
	manager   *Manager
	router    http.Handler
}

func newHarness(t *testing.T, server config.ServerConfig) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.OpenSQLite(":memory:", logger)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registrar := webhook.NewRegistrar(logger)
	svc := ingestion.New(store, nil, logger)
	m := NewManager(store, registrar, svc, server, logger)

	r := chi.NewRouter()
	registrar.Mount(r)
	m.Mount(r)
	return &harness{store: store, registrar: registrar, manager: m, router: r}
}

func (h *harness) get(path string, q url.Values) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	target := path
	if q != nil {
		target += "?" + q.Encode()
	}
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestManager_SetupGeneratesAndKeepsWebhookID(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	ctx := context.Background()
	cfg := config.AccountConfig{Name: "Golf", Email: "me@example.com"}

	if err := h.manager.Setup(ctx, cfg); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	infos := h.manager.Accounts()
	if len(infos) != 1 || !infos[0].Registered || len(infos[0].WebhookID) != 32 {
		t.Fatalf("Unexpected accounts %+v", infos)
	}
	first := infos[0].WebhookID

	// idempotent while set up
	if err := h.manager.Setup(ctx, cfg); err != nil {
		t.Fatalf("Second Setup failed: %v", err)
	}
	if h.registrar.Len() != 1 {
		t.Errorf("Expected one registered webhook, got %d", h.registrar.Len())
	}

	if err := h.manager.Teardown(ctx, "me@example.com"); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if h.registrar.Registered(first) {
		t.Errorf("Expected webhook to be unregistered on teardown")
	}

	if err := h.manager.Setup(ctx, cfg); err != nil {
		t.Fatalf("Setup after teardown failed: %v", err)
	}
	if got := h.manager.Accounts()[0].WebhookID; got != first {
		t.Errorf("Expected persisted webhook id %s, got %s", first, got)
	}
}

func TestManager_WebhookRoutesAndRestores(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	ctx := context.Background()
	cfg := config.AccountConfig{Name: "Golf", Email: "me@example.com", WebhookID: "fixedhook"}
	if err := h.manager.Setup(ctx, cfg); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	q := url.Values{
		"eml":           {"me@example.com"},
		"userFullName5": {"Coolant"},
		"userUnit5":     {`\xC2\xB0C`},
		"k5":            {"91"},
	}
	rec := h.get("/api/webhook/fixedhook", q)
	if rec.Body.String() != ingestion.ResponseOK {
		t.Fatalf("Expected OK!, got %d %q", rec.Code, rec.Body.String())
	}

	reg, ok := h.manager.Registry("me@example.com")
	if !ok || reg.Len() != 1 {
		t.Fatalf("Expected one sensor after upload")
	}

	h.manager.Teardown(ctx, "me@example.com")
	if err := h.manager.Setup(ctx, cfg); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	reg, _ = h.manager.Registry("me@example.com")
	s, ok := reg.Get(entity.Key{PID: 5})
	if !ok {
		t.Fatalf("Expected coolant sensor to be restored")
	}
	if st := s.State(); st.Value != "91" || st.Unit != "°C" {
		t.Errorf("Unexpected restored state %+v", st)
	}
}

func TestManager_LegacyEndpoint(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	ctx := context.Background()
	for _, a := range []config.AccountConfig{
		{Name: "A", Email: "a@example.com", Legacy: true},
		{Name: "B", Email: "b@example.com", Legacy: true},
	} {
		if err := h.manager.Setup(ctx, a); err != nil {
			t.Fatalf("Setup(%s) failed: %v", a.Name, err)
		}
	}

	if h.registrar.Len() != 0 {
		t.Errorf("Legacy accounts must not register webhooks")
	}

	rec := h.get(LegacyPath, nil)
	if rec.Body.String() != ingestion.ResponseNoQuery {
		t.Errorf("Expected no-query response, got %q", rec.Body.String())
	}

	rec = h.get(LegacyPath, url.Values{"eml": {"b@example.com"}, "userFullNamec": {"Engine RPM"}})
	if rec.Body.String() != ingestion.ResponseOK {
		t.Errorf("Expected OK!, got %q", rec.Body.String())
	}
	regA, _ := h.manager.Registry("a@example.com")
	regB, _ := h.manager.Registry("b@example.com")
	if regA.Len() != 0 || regB.Len() != 1 {
		t.Errorf("Expected upload routed to b only, got a=%d b=%d", regA.Len(), regB.Len())
	}

	rec = h.get(LegacyPath, url.Values{"eml": {"c@example.com"}, "userFullNamec": {"Engine RPM"}})
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("Expected empty 200 for unknown sender, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestManager_RequireHTTPS(t *testing.T) {
	h := newHarness(t, config.ServerConfig{ExternalURL: "http://car.local:8080", RequireHTTPS: true})
	if err := h.manager.Setup(context.Background(), config.AccountConfig{Email: "me@example.com"}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if h.registrar.Len() != 0 {
		t.Errorf("Expected webhook to be skipped without https")
	}
	if h.manager.Accounts()[0].Registered {
		t.Errorf("Account should report unregistered")
	}
}

func TestManager_RemoveAndClose(t *testing.T) {
	h := newHarness(t, config.ServerConfig{ExternalURL: "https://car.example.com"})
	ctx := context.Background()
	h.manager.Setup(ctx, config.AccountConfig{Email: "a@example.com"})
	h.manager.Setup(ctx, config.AccountConfig{DeviceID: "dev-1"})

	infos := h.manager.Accounts()
	if infos[0].WebhookURL == "" {
		t.Errorf("Expected webhook url with external url configured")
	}

	if err := h.manager.Remove(ctx, "a@example.com"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := h.store.GetAccount(ctx, "a@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected removed account to be deleted, got %v", err)
	}

	if err := h.manager.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if h.registrar.Len() != 0 || len(h.manager.Accounts()) != 0 {
		t.Errorf("Expected everything torn down")
	}
	if err := h.manager.Teardown(ctx, "dev-1"); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("Expected ErrUnknownAccount, got %v", err)
	}
}
