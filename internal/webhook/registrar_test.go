package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestRegistrar() (*Registrar, http.Handler) {
	reg := NewRegistrar(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	reg.Mount(r)
	return reg, r
}

func okHandler(calls *int) HandlerFunc {
	return func(ctx context.Context, webhookID string, r *http.Request) (*Response, error) {
		*calls++
		return Text(http.StatusOK, "OK!"), nil
	}
}

func TestRegistrar_RegisterValidation(t *testing.T) {
	reg, _ := newTestRegistrar()
	if err := reg.Register(Registration{Domain: "torque"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
	calls := 0
	r := Registration{Domain: "torque", WebhookID: "abc", Handler: okHandler(&calls)}
	if err := reg.Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(r); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("Expected ErrAlreadyRegistered, got %v", err)
	}
	if !reg.Registered("abc") || reg.Len() != 1 {
		t.Errorf("Expected abc to be registered")
	}
	if err := reg.Unregister("abc"); err != nil {
		t.Errorf("Unregister failed: %v", err)
	}
	if err := reg.Unregister("abc"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered, got %v", err)
	}
}

func TestRegistrar_Dispatch(t *testing.T) {
	reg, router := newTestRegistrar()
	calls := 0
	if err := reg.Register(Registration{Domain: "torque", Name: "Torque Golf", WebhookID: "abc", Handler: okHandler(&calls)}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/webhook/abc?k0d=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK!" {
		t.Errorf("Expected 200 OK!, got %d %q", rec.Code, rec.Body.String())
	}
	if calls != 1 {
		t.Errorf("Expected handler to be called once, got %d", calls)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webhook/abc", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webhook/unknown", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("Expected empty 200 for unknown webhook, got %d %q", rec.Code, rec.Body.String())
	}
	if calls != 1 {
		t.Errorf("Handler should not run for rejected requests, got %d calls", calls)
	}
}

func TestRegistrar_LocalOnly(t *testing.T) {
	reg, router := newTestRegistrar()
	calls := 0
	reg.Register(Registration{Domain: "torque", WebhookID: "local", Handler: okHandler(&calls), LocalOnly: true})

	req := httptest.NewRequest(http.MethodGet, "/api/webhook/local?k1=1", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if calls != 0 || rec.Body.Len() != 0 {
		t.Errorf("Expected remote request to be ignored, calls=%d body=%q", calls, rec.Body.String())
	}

	req.RemoteAddr = "192.168.1.20:5555"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if calls != 1 {
		t.Errorf("Expected local request to be handled, calls=%d", calls)
	}
}

func TestRegistrar_HandlerError(t *testing.T) {
	reg, router := newTestRegistrar()
	reg.Register(Registration{Domain: "torque", WebhookID: "err", Handler: func(context.Context, string, *http.Request) (*Response, error) {
		return nil, errors.New("boom")
	}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webhook/err", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}

func TestIsLocal(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:1234":      true,
		"[::1]:80":            true,
		"10.1.2.3:9":          true,
		"172.16.0.1":          true,
		"169.254.10.10:1":     true,
		"[::ffff:10.0.0.1]:1": true,
		"8.8.8.8:53":          false,
		"not-an-ip":           false,
	}
	for addr, want := range cases {
		if got := IsLocal(addr); got != want {
			t.Errorf("IsLocal(%q) = %v, expected %v", addr, got, want)
		}
	}
}

func TestURLAndCheckHTTPS(t *testing.T) {
	u, err := URL("https://car.example.com/", "abc")
	if err != nil {
		t.Fatalf("URL failed: %v", err)
	}
	if u != "https://car.example.com/api/webhook/abc" {
		t.Errorf("Unexpected url %q", u)
	}
	if _, err := URL("car.example.com", "abc"); err == nil {
		t.Errorf("Expected error for relative base")
	}
	if err := CheckHTTPS(u); err != nil {
		t.Errorf("Expected https url to pass, got %v", err)
	}
	if err := CheckHTTPS("https://car.example.com:8443/x"); err == nil {
		t.Errorf("Expected non-443 port to fail")
	}
	if err := CheckHTTPS("http://car.example.com/x"); err == nil {
		t.Errorf("Expected http to fail")
	}
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if len(a) != 32 || a == b {
		t.Errorf("Expected distinct 32 char ids, got %q %q", a, b)
	}
}
