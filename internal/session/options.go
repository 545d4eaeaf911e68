package session

import (
	"context"
	"log/slog"

	"github.com/ShayCichocki/superagents/internal/clock"
)

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source used for heartbeats and timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithContext sets the parent of every per-session cancellation scope.
// Cancelling it cancels every worker.
func WithContext(ctx context.Context) Option {
	return func(r *Registry) {
		if ctx != nil {
			r.baseCtx = ctx
		}
	}
}
