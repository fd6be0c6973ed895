// Package webhook keeps the table of registered inbound webhooks and
// dispatches requests on /api/webhook/{webhook_id} to their handlers.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// PathPrefix is where webhooks are served.
const PathPrefix = "/api/webhook/"

var (
	ErrAlreadyRegistered = errors.New("webhook already registered")
	ErrNotRegistered     = errors.New("webhook not registered")
	ErrInvalid           = errors.New("invalid webhook registration")
)

// Response is what a handler wants written back. A nil Response is a 200
// with an empty body.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Text returns a plain-text response.
func Text(status int, body string) *Response {
	return &Response{Status: status, ContentType: "text/plain; charset=utf-8", Body: []byte(body)}
}

// HandlerFunc handles one webhook call.
type HandlerFunc func(ctx context.Context, webhookID string, r *http.Request) (*Response, error)

// Registration describes one webhook.
type Registration struct {
	Domain    string
	Name      string
	WebhookID string
	Handler   HandlerFunc
	// LocalOnly rejects callers outside loopback, private and link-local ranges.
	LocalOnly bool
	// AllowedMethods defaults to GET.
	AllowedMethods []string
}

func (r Registration) allows(method string) bool {
	for _, m := range r.AllowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// GenerateID returns a new random webhook id.
func GenerateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// URL joins base and the webhook path for webhookID.
func URL(base, webhookID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q must be absolute", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + PathPrefix + webhookID
	return u.String(), nil
}

// CheckHTTPS reports an error unless rawURL uses https on port 443.
func CheckHTTPS(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%s: https is required", rawURL)
	}
	if port := u.Port(); port != "" && port != "443" {
		return fmt.Errorf("%s: port 443 is required", rawURL)
	}
	return nil
}

// Registrar holds the registered webhooks.
type Registrar struct {
	logger *slog.Logger
	mu     sync.RWMutex
	hooks  map[string]Registration
}

func NewRegistrar(logger *slog.Logger) *Registrar {
	return &Registrar{
		logger: logger.With("component", "webhook"),
		hooks:  make(map[string]Registration),
	}
}

// Register adds a webhook. The id must not be in use.
func (reg *Registrar) Register(r Registration) error {
	if r.WebhookID == "" || r.Domain == "" || r.Handler == nil {
		return fmt.Errorf("%w: domain, webhook id and handler are required", ErrInvalid)
	}
	if len(r.AllowedMethods) == 0 {
		r.AllowedMethods = []string{http.MethodGet}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if existing, ok := reg.hooks[r.WebhookID]; ok {
		return fmt.Errorf("%w: %s (domain %s)", ErrAlreadyRegistered, r.WebhookID, existing.Domain)
	}
	reg.hooks[r.WebhookID] = r
	reg.logger.Info("webhook registered", "domain", r.Domain, "name", r.Name, "local_only", r.LocalOnly)
	return nil
}

// Unregister removes a webhook.
func (reg *Registrar) Unregister(webhookID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.hooks[webhookID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, webhookID)
	}
	delete(reg.hooks, webhookID)
	reg.logger.Info("webhook unregistered", "domain", r.Domain, "name", r.Name)
	return nil
}

func (reg *Registrar) Registered(webhookID string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, ok := reg.hooks[webhookID]
	return ok
}

func (reg *Registrar) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.hooks)
}

// Mount adds the webhook route to r.
func (reg *Registrar) Mount(r chi.Router) {
	r.HandleFunc(PathPrefix+"{webhook_id}", reg.ServeHTTP)
}

func (reg *Registrar) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhook_id")
	if webhookID == "" {
		webhookID = strings.TrimPrefix(r.URL.Path, PathPrefix)
	}

	reg.mu.RLock()
	hook, ok := reg.hooks[webhookID]
	reg.mu.RUnlock()

	if !ok {
		// same empty 200 as an ignored call
		reg.logger.Warn("received message for unregistered webhook", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusOK)
		return
	}
	if !hook.allows(r.Method) {
		w.Header().Set("Allow", strings.Join(hook.AllowedMethods, ", "))
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hook.LocalOnly && !IsLocal(r.RemoteAddr) {
		reg.logger.Warn("received remote request for local webhook", "domain", hook.Domain, "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusOK)
		return
	}

	resp, err := hook.Handler(r.Context(), webhookID, r)
	if err != nil {
		reg.logger.Error("error processing webhook", "domain", hook.Domain, "name", hook.Name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	WriteResponse(w, resp)
}

// WriteResponse writes resp, treating nil as an empty 200.
func WriteResponse(w http.ResponseWriter, resp *Response) {
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// IsLocal reports whether remoteAddr (host:port or bare host) is on a
// loopback, private or link-local network.
func IsLocal(remoteAddr string) bool {
	addrPort, err := netip.ParseAddrPort(remoteAddr)
	var addr netip.Addr
	if err == nil {
		addr = addrPort.Addr()
	} else {
		addr, err = netip.ParseAddr(remoteAddr)
		if err != nil {
			return false
		}
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}
