package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// slogFormatter plugs slog into chi's RequestLogger so access lines and
// recovered panics share the supervisor's logger.
type slogFormatter struct {
	logger *slog.Logger
}

func (f slogFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &slogEntry{logger: f.logger.With(
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
	)}
}

type slogEntry struct {
	logger *slog.Logger
}

func (e *slogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "request", "status", status, "bytes", bytes, "duration_ms", elapsed.Milliseconds())
}

func (e *slogEntry) Panic(v interface{}, stack []byte) {
	e.logger.Error("handler panicked", "panic", v, "stack", string(stack))
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return middleware.RequestLogger(slogFormatter{logger: logger})
}
