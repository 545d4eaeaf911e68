package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/superagents/internal/audit"
	"github.com/ShayCichocki/superagents/internal/clock"
	"github.com/ShayCichocki/superagents/internal/cortex"
	"github.com/ShayCichocki/superagents/internal/memory"
	"github.com/ShayCichocki/superagents/internal/messaging"
	"github.com/ShayCichocki/superagents/internal/session"
	"github.com/ShayCichocki/superagents/internal/tools"
	"github.com/ShayCichocki/superagents/pkg/models"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingSurface struct {
	mu   sync.Mutex
	sent []messaging.Outbound
}

func (s *recordingSurface) Name() string { return "recording" }

func (s *recordingSurface) Send(_ context.Context, msg messaging.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSurface) Poll(context.Context) ([]messaging.Inbound, error) { return nil, nil }

func (s *recordingSurface) messages() []messaging.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messaging.Outbound(nil), s.sent...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestRuntime(t *testing.T, opts Options) (*Runtime, *session.Registry, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	reg := session.New(audit.NewMemory(), session.WithClock(clk))
	opts.Registry = reg
	opts.Clock = clk
	rt, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt, reg, clk
}

func TestNew_RequiresRegistry(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New without registry succeeded")
	}
}

func TestSpawnBranch_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		task       Task
		wantStatus models.SessionStatus
		wantReason string
	}{
		{
			name:       "completes",
			task:       func(context.Context, *Worker) (string, error) { return "42", nil },
			wantStatus: models.SessionCompleted,
		},
		{
			name:       "fails",
			task:       func(context.Context, *Worker) (string, error) { return "", errors.New("tool crashed") },
			wantStatus: models.SessionFailed,
			wantReason: "tool crashed",
		},
		{
			name:       "panics",
			task:       func(context.Context, *Worker) (string, error) { panic("nil map") },
			wantStatus: models.SessionFailed,
			wantReason: "worker panicked: nil map",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, reg, _ := newTestRuntime(t, Options{})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			main := rt.StartMain(ctx)

			id, err := rt.SpawnBranch(main, tt.task)
			if err != nil {
				t.Fatalf("SpawnBranch: %v", err)
			}
			waitFor(t, "worker exit", func() bool { return rt.Running() == 0 })

			s, _ := reg.Get(id)
			if s.Status != tt.wantStatus || s.Reason != tt.wantReason {
				t.Errorf("session = %s/%q, want %s/%q", s.Status, s.Reason, tt.wantStatus, tt.wantReason)
			}
			cancel()
			rt.Wait()
		})
	}
}

func TestSpawnBranch_UnknownParent(t *testing.T) {
	rt, _, _ := newTestRuntime(t, Options{})
	_, err := rt.SpawnBranch("missing", func(context.Context, *Worker) (string, error) { return "", nil })
	if !errors.Is(err, session.ErrParentNotFound) {
		t.Errorf("err = %v, want ErrParentNotFound", err)
	}
}

func TestMainSession_HeartbeatsAndForwardsInbox(t *testing.T) {
	surface := &recordingSurface{}
	rt, reg, clk := newTestRuntime(t, Options{Surface: surface})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); rt.Wait() }()

	main := rt.StartMain(ctx)
	child, _ := rt.SpawnBranch(main, func(context.Context, *Worker) (string, error) { return "result-X", nil })
	waitFor(t, "branch completion", func() bool { return rt.Running() == 0 })

	clk.WaitForTimers(1)
	clk.Advance(10 * time.Second)
	waitFor(t, "forwarded result", func() bool { return len(surface.messages()) == 1 })

	msg := surface.messages()[0]
	if msg.ChannelID != "main" || !strings.Contains(msg.Text, "result-X") || !strings.Contains(msg.Text, string(child)) {
		t.Errorf("forwarded %+v", msg)
	}
	s, _ := reg.Get(main)
	if !s.LastHeartbeat.Equal(epoch.Add(10 * time.Second)) {
		t.Errorf("main heartbeat = %v, want +10s", s.LastHeartbeat)
	}
	if inbox, _ := reg.Inbox(main); len(inbox) != 0 {
		t.Errorf("inbox not drained: %+v", inbox)
	}
}

type scriptedSurface struct {
	recordingSurface
	inbound []messaging.Inbound
}

func (s *scriptedSurface) Poll(context.Context) ([]messaging.Inbound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.inbound
	s.inbound = nil
	return out, nil
}

func TestMainSession_DeliversInbound(t *testing.T) {
	surface := &scriptedSurface{inbound: []messaging.Inbound{{ID: "1", ChannelID: "console", Text: "hello"}}}
	got := make(chan messaging.Inbound, 1)
	rt, _, clk := newTestRuntime(t, Options{
		Surface:   surface,
		OnInbound: func(_ context.Context, m messaging.Inbound) { got <- m },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); rt.Wait() }()
	rt.StartMain(ctx)

	clk.WaitForTimers(1)
	clk.Advance(10 * time.Second)
	select {
	case m := <-got:
		if m.Text != "hello" {
			t.Errorf("inbound = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message not delivered")
	}
}

func TestRetry(t *testing.T) {
	rt, _, _ := newTestRuntime(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); rt.Wait() }()
	main := rt.StartMain(ctx)

	if err := rt.Retry(ctx, "missing", 1); !errors.Is(err, ErrNoWorker) {
		t.Errorf("err = %v, want ErrNoWorker", err)
	}

	got := make(chan int, 1)
	release := make(chan struct{})
	id, _ := rt.SpawnBranch(main, func(ctx context.Context, w *Worker) (string, error) {
		<-release
		got <- <-w.Retries()
		return "", nil
	})

	// A newer signal replaces one the worker has not read yet.
	if err := rt.Retry(ctx, id, 1); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if err := rt.Retry(ctx, id, 2); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	close(release)
	if attempt := <-got; attempt != 2 {
		t.Errorf("worker saw attempt %d, want 2", attempt)
	}
}

func TestToolbox_Tiers(t *testing.T) {
	store, err := memory.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rt, _, _ := newTestRuntime(t, Options{Memory: store})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); rt.Wait() }()
	main := rt.StartMain(ctx)

	if box := rt.MainToolbox(); box.Max() != models.TierNetwork || len(box.Names()) != 2 {
		t.Errorf("main toolbox = %s %v", box.Max(), box.Names())
	}

	denied := make(chan error, 1)
	_, _ = rt.SpawnBranch(main, func(ctx context.Context, w *Worker) (string, error) {
		_, err := w.Tools.Invoke(ctx, tools.Call{Name: "memory_write", Params: map[string]any{"type": "fact", "content": "x"}})
		denied <- err
		return "", nil
	})
	if err := <-denied; !errors.Is(err, tools.ErrTierDenied) {
		t.Errorf("read-tier branch write: err = %v, want ErrTierDenied", err)
	}

	allowed := make(chan error, 1)
	_, _ = rt.SpawnBranch(main, func(ctx context.Context, w *Worker) (string, error) {
		_, err := w.Tools.Invoke(ctx, tools.Call{Name: "memory_write", Params: map[string]any{"type": "fact", "content": "x"}})
		allowed <- err
		return "", nil
	}, WithTier(models.TierWrite))
	if err := <-allowed; err != nil {
		t.Errorf("write-tier branch write: %v", err)
	}
}

// A branch that stalls until the supervisor's retry signal reaches it is
// recovered, completes, and is pruned after its completion is audited.
func TestSupervisedBranchRecoversOnRetry(t *testing.T) {
	clk := clock.Fake(epoch)
	log := audit.NewMemory()
	reg := session.New(log, session.WithClock(clk))
	rt, err := New(Options{Registry: reg, Clock: clk})
	if err != nil {
		t.Fatalf("New runtime: %v", err)
	}
	sup, err := cortex.New(cortex.Options{
		Registry:   reg,
		Audit:      log,
		Settings:   cortex.DefaultSettings(),
		Clock:      clk,
		Dispatcher: rt,
	})
	if err != nil {
		t.Fatalf("New cortex: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); rt.Wait() }()
	// Main heartbeats by hand so only the branch can go quiet.
	main := reg.CreateMain()
	tick := func(d time.Duration) {
		clk.Advance(d)
		_ = reg.Heartbeat(main)
		sup.Tick(ctx)
	}

	resumed := make(chan struct{})
	finish := make(chan struct{})
	branch, _ := rt.SpawnBranch(main, func(ctx context.Context, w *Worker) (string, error) {
		select {
		case <-w.Retries():
		case <-ctx.Done():
			return "", ctx.Err()
		}
		w.Heartbeat()
		close(resumed)
		<-finish
		return "recovered", nil
	})

	tick(61 * time.Second)
	<-resumed

	if s, _ := reg.Get(branch); s.Status != models.SessionStuck {
		t.Fatalf("branch status = %s, want stuck until the next tick", s.Status)
	}
	tick(5 * time.Second)
	if s, _ := reg.Get(branch); s.Status != models.SessionActive {
		t.Fatalf("branch status = %s, want active after resumed heartbeat", s.Status)
	}

	close(finish)
	waitFor(t, "branch exit", func() bool { return rt.Running() == 0 })
	tick(time.Second)

	if _, err := reg.Get(branch); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("branch not pruned: %v", err)
	}
	events, _ := log.Events(ctx, audit.Filter{SessionID: branch})
	if len(events) != 3 || events[1].Kind != audit.KindCompleted {
		t.Errorf("audit trail = %+v", events)
	}
	if inbox, _ := reg.Inbox(main); len(inbox) != 1 || inbox[0].Result != "recovered" {
		t.Errorf("main inbox = %+v", inbox)
	}
	if h := sup.HealthSnapshot(); h.RetriesTotal != 1 || h.KilledTotal != 0 {
		t.Errorf("health = %+v", h)
	}
}
