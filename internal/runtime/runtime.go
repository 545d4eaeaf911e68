// Package runtime runs session workers on top of the registry: it keeps
// the main session's heartbeat going, forwards results that land in its
// inbox to the messaging surface, runs branch tasks, and delivers the
// supervisor's retry signals to them.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ShayCichocki/superagents/internal/clock"
	"github.com/ShayCichocki/superagents/internal/messaging"
	"github.com/ShayCichocki/superagents/internal/session"
	"github.com/ShayCichocki/superagents/internal/tools"
	"github.com/ShayCichocki/superagents/pkg/models"
)

// ErrNoWorker is returned by Retry for a session with no running worker.
var ErrNoWorker = errors.New("no running worker for session")

// MemoryStore is what the runtime hands to session tools.
type MemoryStore interface {
	tools.Recaller
	tools.Writer
}

// Config holds runtime parameters.
type Config struct {
	// MainHeartbeat is the interval of the main session's heartbeat.
	MainHeartbeat time.Duration
	// MainMaxTier caps the tools of the main session.
	MainMaxTier models.Tier
	// BranchTier is the default cap for branch sessions.
	BranchTier models.Tier
}

// DefaultConfig returns the default runtime parameters.
func DefaultConfig() Config {
	return Config{
		MainHeartbeat: 10 * time.Second,
		MainMaxTier:   models.TierNetwork,
		BranchTier:    models.TierRead,
	}
}

// InboundHandler receives messages polled from the surface on the main
// session's heartbeat.
type InboundHandler func(ctx context.Context, msg messaging.Inbound)

// Options configures New. Registry is required.
type Options struct {
	Registry  *session.Registry
	Memory    MemoryStore
	Surface   messaging.Surface
	OnInbound InboundHandler
	Config    Config
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Task is the body of a branch worker. The returned string is delivered
// to the parent's inbox on success.
type Task func(ctx context.Context, w *Worker) (string, error)

// Worker is a running branch as seen by its task.
type Worker struct {
	ID     models.SessionID
	Parent models.SessionID
	Tools  *tools.Toolbox

	reg     *session.Registry
	retries chan int
}

// Heartbeat records that the worker is making progress.
func (w *Worker) Heartbeat() {
	_ = w.reg.Heartbeat(w.ID)
}

// Retries delivers the supervisor's retry attempts. A worker that sees a
// value should resume and heartbeat.
func (w *Worker) Retries() <-chan int { return w.retries }

// Runtime owns the worker goroutines.
type Runtime struct {
	reg     *session.Registry
	memory  MemoryStore
	surface messaging.Surface
	inbound InboundHandler
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[models.SessionID]*Worker
	main    models.SessionID
	wg      sync.WaitGroup
}

// New creates a Runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Registry == nil {
		return nil, errors.New("runtime: registry is required")
	}
	cfg := opts.Config
	d := DefaultConfig()
	if cfg.MainHeartbeat <= 0 {
		cfg.MainHeartbeat = d.MainHeartbeat
	}
	if !cfg.MainMaxTier.Valid() {
		cfg.MainMaxTier = d.MainMaxTier
	}
	if !cfg.BranchTier.Valid() {
		cfg.BranchTier = d.BranchTier
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Runtime{
		reg:     opts.Registry,
		memory:  opts.Memory,
		surface: opts.Surface,
		inbound: opts.OnInbound,
		cfg:     cfg,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "runtime"),
		workers: make(map[models.SessionID]*Worker),
	}, nil
}

// StartMain creates the main session and keeps it alive until ctx is
// cancelled or the session ends.
func (r *Runtime) StartMain(ctx context.Context) models.SessionID {
	id := r.reg.CreateMain()

	r.mu.Lock()
	r.main = id
	r.mu.Unlock()

	sctx, err := r.reg.Context(id)
	if err != nil {
		sctx = ctx
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.mainLoop(ctx, sctx, id)
	}()
	r.logger.Info("main session started", "session", id, "max_tier", r.cfg.MainMaxTier)
	return id
}

// Main returns the id of the main session, or "" before StartMain.
func (r *Runtime) Main() models.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.main
}

func (r *Runtime) mainLoop(ctx, sctx context.Context, id models.SessionID) {
	ticker := r.clock.NewTicker(r.cfg.MainHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sctx.Done():
			return
		case <-ticker.C:
			_ = r.reg.Heartbeat(id)
			r.forwardInbox(ctx, id)
			r.pollSurface(ctx)
		}
	}
}

func (r *Runtime) forwardInbox(ctx context.Context, id models.SessionID) {
	if r.surface == nil {
		return
	}
	msgs, err := r.reg.DrainInbox(id)
	if err != nil {
		r.logger.Error("drain main inbox failed", "error", err)
		return
	}
	for _, m := range msgs {
		out := messaging.Outbound{
			ChannelID: "main",
			Text:      fmt.Sprintf("%s: %s", m.From, m.Result),
		}
		if err := r.surface.Send(ctx, out); err != nil {
			r.logger.Warn("result delivery failed", "surface", r.surface.Name(), "from", m.From, "error", err)
		}
	}
}

func (r *Runtime) pollSurface(ctx context.Context) {
	if r.surface == nil {
		return
	}
	msgs, err := r.surface.Poll(ctx)
	if err != nil {
		r.logger.Warn("surface poll failed", "surface", r.surface.Name(), "error", err)
		return
	}
	for _, m := range msgs {
		r.logger.Debug("inbound message", "surface", r.surface.Name(), "channel", m.ChannelID, "sender", m.SenderID)
		if r.inbound != nil {
			r.inbound(ctx, m)
		}
	}
}

// SpawnOption adjusts a branch before it starts.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	tier models.Tier
}

// WithTier raises or lowers the branch's tool cap.
func WithTier(t models.Tier) SpawnOption {
	return func(c *spawnConfig) { c.tier = t }
}

// SpawnBranch creates a branch of parent and runs task in its own
// goroutine. The branch completes with the task's result or fails with its
// error; a panic in task fails the branch.
func (r *Runtime) SpawnBranch(parent models.SessionID, task Task, opts ...SpawnOption) (models.SessionID, error) {
	sc := spawnConfig{tier: r.cfg.BranchTier}
	for _, opt := range opts {
		opt(&sc)
	}

	id, err := r.reg.CreateBranch(parent)
	if err != nil {
		return "", err
	}
	ctx, err := r.reg.Context(id)
	if err != nil {
		return "", err
	}

	w := &Worker{
		ID:      id,
		Parent:  parent,
		Tools:   r.Toolbox(id, sc.tier),
		reg:     r.reg,
		retries: make(chan int, 1),
	}
	r.mu.Lock()
	r.workers[id] = w
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.forget(id)
		r.run(ctx, w, task)
	}()
	r.logger.Debug("branch spawned", "session", id, "parent", parent, "tier", sc.tier)
	return id, nil
}

func (r *Runtime) run(ctx context.Context, w *Worker, task Task) {
	var (
		result string
		err    error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("worker panicked: %v", p)
			}
		}()
		result, err = task(ctx, w)
	}()

	if err != nil {
		if ferr := r.reg.Fail(w.ID, err.Error()); ferr != nil && !session.IsBenign(ferr) {
			r.logger.Error("fail branch", "session", w.ID, "error", ferr)
		}
		return
	}
	if cerr := r.reg.Complete(w.ID, result); cerr != nil && !session.IsBenign(cerr) {
		r.logger.Error("complete branch", "session", w.ID, "error", cerr)
	}
}

func (r *Runtime) forget(id models.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Toolbox builds the tool set of a session capped at max.
func (r *Runtime) Toolbox(id models.SessionID, max models.Tier) *tools.Toolbox {
	box := tools.NewToolbox(max)
	if r.memory != nil {
		box.Register(tools.NewRecallTool(r.memory))
		box.Register(tools.NewRememberTool(r.memory, id))
	}
	return box
}

// MainToolbox returns the main session's tool set.
func (r *Runtime) MainToolbox() *tools.Toolbox {
	return r.Toolbox(r.Main(), r.cfg.MainMaxTier)
}

// Retry delivers a retry signal to the worker of id. A signal already
// waiting to be read is replaced by the newer attempt.
func (r *Runtime) Retry(ctx context.Context, id models.SessionID, attempt int) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("retry %s: %w", id, ErrNoWorker)
	}

	for {
		select {
		case w.retries <- attempt:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		select {
		case <-w.retries:
		default:
		}
	}
}

// Running returns the number of live branch workers.
func (r *Runtime) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Wait blocks until every worker goroutine and the main loop have returned.
func (r *Runtime) Wait() {
	r.wg.Wait()
}
