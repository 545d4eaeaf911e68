// Package server exposes supervisor health and session state over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ShayCichocki/superagents/internal/audit"
	"github.com/ShayCichocki/superagents/internal/cortex"
	"github.com/ShayCichocki/superagents/internal/session"
	"github.com/ShayCichocki/superagents/pkg/models"
)

// HealthSource is implemented by *cortex.Cortex.
type HealthSource interface {
	HealthSnapshot() cortex.HealthSnapshot
}

// SessionSource is implemented by *session.Registry.
type SessionSource interface {
	Snapshot() session.Snapshot
}

// EventSource is implemented by the audit logs.
type EventSource interface {
	Events(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

// NewRouter builds the HTTP routes. events may be nil.
func NewRouter(health HealthSource, sessions SessionSource, events EventSource, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, health.HealthSnapshot())
	})

	r.Get("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, sessions.Snapshot())
	})

	r.Get("/sessions/{id}/audit", func(w http.ResponseWriter, req *http.Request) {
		if events == nil {
			writeError(w, http.StatusNotImplemented, "audit log not available")
			return
		}
		id := models.SessionID(chi.URLParam(req, "id"))
		evs, err := events.Events(req.Context(), audit.Filter{SessionID: id})
		if err != nil {
			logger.Error("read audit events", "session", id, "error", err)
			writeError(w, http.StatusInternalServerError, "read audit log")
			return
		}
		if len(evs) == 0 {
			writeError(w, http.StatusNotFound, "no events for session")
			return
		}
		writeJSON(w, http.StatusOK, evs)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
