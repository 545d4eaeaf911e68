// Package cortex implements the supervisor loop over the session registry.
//
// A Cortex is constructed once and driven by Run. Each tick it marks
// sessions whose heartbeat went quiet as stuck, applies the retry/kill
// policy to stuck sessions, writes the registry's lifecycle journal to the
// audit log, prunes audited branches and publishes a HealthSnapshot.
package cortex

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/superagents/internal/audit"
	"github.com/ShayCichocki/superagents/internal/clock"
	"github.com/ShayCichocki/superagents/internal/cortex/policy"
	"github.com/ShayCichocki/superagents/internal/session"
	"github.com/ShayCichocki/superagents/pkg/models"
)

// Registry is the subset of *session.Registry the supervisor drives.
type Registry interface {
	Snapshot() session.Snapshot
	MarkStuck(id models.SessionID, observed time.Time) error
	Recover(id models.SessionID) error
	FailStuck(id models.SessionID, observed time.Time, reason string) error
	Prune(ctx context.Context, id models.SessionID) error
	PendingEvents() []audit.Event
	AckEvents(n int)
}

// Dispatcher delivers a retry signal to a stuck session's worker.
// attempt starts at 1.
type Dispatcher interface {
	Retry(ctx context.Context, id models.SessionID, attempt int) error
}

// MemoryExporter writes the canonical memory snapshot to dir.
type MemoryExporter interface {
	ExportCanonical(ctx context.Context, dir string) error
}

// Settings holds the tunable loop parameters.
type Settings struct {
	PollInterval    time.Duration
	StuckTimeout    time.Duration
	ExportInterval  time.Duration
	ExportTimeout   time.Duration
	DispatchTimeout time.Duration
	ExportDir       string
	Policy          policy.Config
}

// DefaultSettings returns the default loop parameters.
func DefaultSettings() Settings {
	return Settings{
		PollInterval:    5 * time.Second,
		StuckTimeout:    60 * time.Second,
		ExportInterval:  15 * time.Minute,
		ExportTimeout:   30 * time.Second,
		DispatchTimeout: 5 * time.Second,
		Policy:          policy.Default(),
	}
}

// Validate fills zero or negative durations with defaults.
func (s *Settings) Validate() error {
	d := DefaultSettings()
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.StuckTimeout <= 0 {
		s.StuckTimeout = d.StuckTimeout
	}
	if s.ExportInterval <= 0 {
		s.ExportInterval = d.ExportInterval
	}
	if s.ExportTimeout <= 0 {
		s.ExportTimeout = d.ExportTimeout
	}
	if s.DispatchTimeout <= 0 {
		s.DispatchTimeout = d.DispatchTimeout
	}
	return s.Policy.Validate()
}

// Options configures New. Registry and Audit are required.
type Options struct {
	Registry   Registry
	Audit      audit.Log
	Settings   Settings
	Clock      clock.Clock
	Logger     *slog.Logger
	Exporter   MemoryExporter
	Dispatcher Dispatcher
}

// stuckState is the policy bookkeeping for one stuck session.
type stuckState struct {
	// observed is the heartbeat seen when the session was marked stuck.
	observed time.Time
	since    time.Time
	attempts int
	// deadline closes the current retry window; zero when none is open.
	deadline time.Time
}

// Cortex is the supervisor. Only the goroutine running Run touches the
// loop state; HealthSnapshot and Reconfigure are safe from anywhere.
type Cortex struct {
	reg        Registry
	audit      audit.Log
	clock      clock.Clock
	logger     *slog.Logger
	exporter   MemoryExporter
	dispatcher Dispatcher

	settings Settings
	tracked  map[models.SessionID]*stuckState
	pending  atomic.Pointer[Settings]

	health     atomic.Pointer[HealthSnapshot]
	lastExport atomic.Int64 // unix nanos of the last successful export start
	exporting  atomic.Bool
	wg         sync.WaitGroup

	completed      atomic.Int64
	failed         atomic.Int64
	pruned         atomic.Int64
	killed         atomic.Int64
	retries        atomic.Int64
	tickFailures   atomic.Int64
	exportFailures atomic.Int64
	ticks          atomic.Int64
}

// New creates a Cortex.
func New(opts Options) (*Cortex, error) {
	if opts.Registry == nil {
		return nil, errors.New("cortex: registry is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("cortex: audit log is required")
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	c := &Cortex{
		reg:        opts.Registry,
		audit:      opts.Audit,
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "cortex"),
		exporter:   opts.Exporter,
		dispatcher: opts.Dispatcher,
		settings:   opts.Settings,
		tracked:    make(map[models.SessionID]*stuckState),
	}
	c.publish(c.reg.Snapshot())
	return c, nil
}

// Reconfigure replaces the loop settings at the next tick boundary.
func (c *Cortex) Reconfigure(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.pending.Store(&s)
	return nil
}

func (c *Cortex) applyPending() {
	s := c.pending.Swap(nil)
	if s == nil {
		return
	}
	c.settings = *s
	c.logger.Info("settings reloaded",
		"poll_interval", s.PollInterval,
		"stuck_timeout", s.StuckTimeout,
		"max_attempts", s.Policy.MaxAttempts,
	)
}
