package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/twitching/db"
	"github.com/onnwee/twitching/notify"
	"github.com/onnwee/twitching/twitchapi"
)

// ConnectionStatus is what the status endpoint reports about the database link.
type ConnectionStatus interface {
	Mode() db.Mode
	Operations() int64
	Ping(ctx context.Context) error
}

// AccountResolver turns a login name into account metadata.
type AccountResolver interface {
	GetUserByLogin(ctx context.Context, login string) (*twitchapi.User, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Store    *db.Store
	Conn     ConnectionStatus
	Resolver AccountResolver
}

// NewHandlers creates a Handlers instance with the given dependencies.
func NewHandlers(store *db.Store, conn ConnectionStatus, resolver AccountResolver) *Handlers {
	return &Handlers{Store: store, Conn: conn, Resolver: resolver}
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Conn.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with per-check detail.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.Conn.Ping(r.Context()) }},
		{"connection_mode", func() error {
			if h.Conn.Mode() == db.ModeDisconnected {
				return fmt.Errorf("database disconnected")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports the database connection mode and configured groups.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	groups, err := h.Store.ListNotifyGroups(r.Context())
	if err != nil {
		http.Error(w, "failed to list groups", http.StatusInternalServerError)
		return
	}
	live := 0
	for _, g := range groups {
		live += len(g.LiveNotified)
	}
	lastTick, err := h.Store.GetState(r.Context(), notify.LastTickKey)
	if err != nil {
		lastTick = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connection_mode": h.Conn.Mode().String(),
		"db_operations":   h.Conn.Operations(),
		"groups":          len(groups),
		"live_streams":    live,
		"last_tick":       lastTick,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
