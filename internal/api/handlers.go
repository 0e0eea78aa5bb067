package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dhruvsoni1802/portal-gateway/internal/pool"
	"github.com/dhruvsoni1802/portal-gateway/internal/session"
)

// PoolStats reports the shared engine's state
type PoolStats interface {
	GetMetrics() pool.PoolMetrics
}

// Pinger checks a backing store, e.g. Redis
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains HTTP handlers for the operator API
type Handlers struct {
	sessionManager *session.Manager
	pool           PoolStats
	redis          Pinger
}

// NewHandlers creates a new Handlers instance. redis may be nil.
func NewHandlers(manager *session.Manager, pool PoolStats, redis Pinger) *Handlers {
	return &Handlers{
		sessionManager: manager,
		pool:           pool,
		redis:          redis,
	}
}

// Health handles GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		Sessions:    h.sessionManager.Count(),
		MaxSessions: h.sessionManager.MaxSessions(),
	}
	if h.pool != nil {
		resp.EngineRunning = h.pool.GetMetrics().Running
	}

	status := http.StatusOK
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Redis = "up"
		if err := h.redis.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Redis = "down"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// ListSessions handles GET /sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.sessionManager.List()
	writeJSON(w, http.StatusOK, ListSessionsResponse{
		Sessions: infos,
		Count:    len(infos),
		Load:     fmt.Sprintf("%d/%d", len(infos), h.sessionManager.MaxSessions()),
	})
}

// GetSession handles GET /sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionManager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeSessionNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// CloseSession handles DELETE /sessions/{id}
func (h *Handlers) CloseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionManager.Get(chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, ErrCodeSessionNotFound, err.Error())
		return
	}

	sess.Close(session.ReasonAdmin)
	w.WriteHeader(http.StatusNoContent)
}

// PoolMetrics handles GET /debug/pool
func (h *Handlers) PoolMetrics(w http.ResponseWriter, r *http.Request) {
	resp := PoolResponse{Sessions: h.sessionManager.Count()}
	if h.pool != nil {
		resp.PoolMetrics = h.pool.GetMetrics()
	}
	writeJSON(w, http.StatusOK, resp)
}
