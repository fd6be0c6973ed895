// Package query serves the read side: accounts, their sensors, the stored
// reading history and a live websocket feed.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/torquehook/internal/account"
	"github.com/torquehook/internal/coordinator"
	"github.com/torquehook/internal/entity"
	"github.com/torquehook/internal/models"
	"github.com/torquehook/internal/storage"
	"github.com/torquehook/internal/torque"
	"github.com/torquehook/internal/websocket"
)

// Accounts is the view of the account manager the API reads.
type Accounts interface {
	Accounts() []account.Info
	Registry(id string) (*entity.Registry, bool)
}

type StatsSource interface {
	Stats() coordinator.Stats
}

type QueryResult struct {
	AccountID string  `json:"account_id"`
	Profile   string  `json:"profile,omitempty"`
	PID       string  `json:"pid"`
	Operation string  `json:"operation"`
	Result    float64 `json:"result"`
	Count     int     `json:"count"`
	Duration  int64   `json:"duration_ns"`
}

type HistoryResult struct {
	AccountID string           `json:"account_id"`
	Profile   string           `json:"profile,omitempty"`
	PID       string           `json:"pid"`
	Readings  []models.Reading `json:"readings"`
}

type Service struct {
	accounts Accounts
	store    storage.ReadingStorage
	wsHub    *websocket.Hub
	stats    StatsSource
	logger   *slog.Logger
}

// New builds the read API. hub and stats may be nil.
func New(accounts Accounts, store storage.ReadingStorage, hub *websocket.Hub, stats StatsSource, logger *slog.Logger) *Service {
	return &Service{
		accounts: accounts,
		store:    store,
		wsHub:    hub,
		stats:    stats,
		logger:   logger.With("component", "query"),
	}
}

func (s *Service) Mount(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Route("/api/accounts", func(r chi.Router) {
		r.Use(cors)
		r.Get("/", s.handleAccounts)
		r.Get("/{id}/sensors", s.handleSensors)
		r.Get("/{id}/sensors/{pid}/history", s.handleHistory)
		r.Get("/{id}/sensors/{pid}/stats", s.handleStats)
		r.Delete("/{id}/sensors/{pid}/history", s.handleDelete)
		r.Options("/*", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	})
	r.Get("/ws", s.handleWebSocket)
	r.Get("/ws/stats", s.handleWebSocketStats)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":    "ok",
		"accounts":  len(s.accounts.Accounts()),
		"timestamp": time.Now().Unix(),
	}
	if s.stats != nil {
		out["coordinator"] = s.stats.Stats()
	}
	if s.wsHub != nil {
		out["websocket_clients"] = s.wsHub.GetClientCount()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.accounts.Accounts())
}

func (s *Service) handleSensors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reg, ok := s.accounts.Registry(id)
	if !ok {
		http.Error(w, "unknown account", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, reg.List())
}

// readingQuery parses the path and the start/end/profile/limit parameters
// shared by the history routes.
func (s *Service) readingQuery(r *http.Request) (storage.ReadingQuery, error) {
	q := storage.ReadingQuery{
		AccountID: chi.URLParam(r, "id"),
		Profile:   r.URL.Query().Get("profile"),
	}
	if _, ok := s.accounts.Registry(q.AccountID); !ok {
		return q, errUnknownAccount
	}
	pid, err := torque.ParsePID(chi.URLParam(r, "pid"))
	if err != nil {
		return q, fmt.Errorf("invalid pid: %w", err)
	}
	q.PID = pid

	params := r.URL.Query()
	for name, dst := range map[string]*int64{"start": &q.Start, "end": &q.End} {
		raw := params.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = v
	}
	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid limit %q", raw)
		}
		q.Limit = n
	}
	if q.Start != 0 && q.End != 0 && q.End < q.Start {
		return q, errors.New("end before start")
	}
	return q, nil
}

var errUnknownAccount = errors.New("unknown account")

func (s *Service) badQuery(w http.ResponseWriter, err error) {
	if errors.Is(err, errUnknownAccount) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := s.readingQuery(r)
	if err != nil {
		s.badQuery(w, err)
		return
	}
	readings, err := s.store.QueryReadings(r.Context(), q)
	if err != nil {
		s.logger.Error("history query failed", "account", q.AccountID, "pid", q.PID, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResult{
		AccountID: q.AccountID,
		Profile:   q.Profile,
		PID:       torque.FormatPID(q.PID),
		Readings:  readings,
	})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q, err := s.readingQuery(r)
	if err != nil {
		s.badQuery(w, err)
		return
	}
	op := r.URL.Query().Get("op")
	if op == "" {
		op = "avg"
	}

	stats, err := s.store.QueryAggregated(r.Context(), q)
	if err != nil {
		s.logger.Error("aggregate query failed", "account", q.AccountID, "pid", q.PID, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	var res float64
	switch op {
	case "avg":
		res = stats.Avg()
	case "sum":
		res = stats.Sum
	case "max":
		res = stats.Max
	case "min":
		res = stats.Min
	case "count":
		res = float64(stats.Count)
	default:
		http.Error(w, "unsupported operation", http.StatusBadRequest)
		return
	}

	out := QueryResult{
		AccountID: q.AccountID,
		Profile:   q.Profile,
		PID:       torque.FormatPID(q.PID),
		Operation: op,
		Result:    res,
		Count:     stats.Count,
		Duration:  time.Since(start).Nanoseconds(),
	}
	s.logger.Debug("query", "result", out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	q, err := s.readingQuery(r)
	if err != nil {
		s.badQuery(w, err)
		return
	}
	n, err := s.store.DeleteReadings(r.Context(), q)
	if err != nil {
		s.logger.Error("delete failed", "account", q.AccountID, "pid", q.PID, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("deleted readings", "account", q.AccountID, "profile", q.Profile, "pid", q.PID, "count", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("deleted %d readings for account=%s pid=%s", n, q.AccountID, torque.FormatPID(q.PID)),
		"deleted": n,
	})
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "WebSocket not available", http.StatusServiceUnavailable)
		return
	}
	s.logger.Debug("new websocket connection", "remote", r.RemoteAddr)
	s.wsHub.ServeWS(w, r)
}

func (s *Service) handleWebSocketStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if s.wsHub == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"connected_clients": 0,
			"timestamp":         time.Now().Unix(),
			"status":            "unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected_clients": s.wsHub.GetClientCount(),
		"timestamp":         time.Now().Unix(),
		"status":            "active",
	})
}
