package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/superagents/internal/audit"
	"github.com/ShayCichocki/superagents/internal/clock"
	"github.com/ShayCichocki/superagents/pkg/models"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *audit.Memory, *clock.FakeClock) {
	t.Helper()
	log := audit.NewMemory()
	clk := clock.Fake(epoch)
	return New(log, WithClock(clk)), log, clk
}

// flush writes the pending journal to log the way the supervisor does.
func flush(t *testing.T, r *Registry, log audit.Log) {
	t.Helper()
	pending := r.PendingEvents()
	if len(pending) == 0 {
		return
	}
	if err := log.Append(context.Background(), pending...); err != nil {
		t.Fatalf("append journal: %v", err)
	}
	r.AckEvents(len(pending))
}

func TestCreateMain(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	id := r.CreateMain()
	s, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Kind != models.SessionMain || s.Status != models.SessionActive || s.Parent != "" {
		t.Errorf("unexpected main session: %+v", s)
	}
	if !s.CreatedAt.Equal(epoch) || !s.LastHeartbeat.Equal(epoch) {
		t.Errorf("timestamps = %v/%v, want %v", s.CreatedAt, s.LastHeartbeat, epoch)
	}
}

func TestCreateBranch_ParentChecks(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	main := r.CreateMain()

	if _, err := r.CreateBranch("nope"); !errors.Is(err, ErrParentNotFound) {
		t.Errorf("unknown parent: err = %v, want ErrParentNotFound", err)
	}

	stuck := r.CreateMain()
	if err := r.MarkStuck(stuck, epoch); err != nil {
		t.Fatalf("MarkStuck: %v", err)
	}
	if _, err := r.CreateBranch(stuck); !errors.Is(err, ErrParentNotActive) {
		t.Errorf("stuck parent: err = %v, want ErrParentNotActive", err)
	}

	done := r.CreateMain()
	if err := r.Complete(done, "ok"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := r.CreateBranch(done); !errors.Is(err, ErrParentNotActive) {
		t.Errorf("completed parent: err = %v, want ErrParentNotActive", err)
	}

	child, err := r.CreateBranch(main)
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	grandchild, err := r.CreateBranch(child)
	if err != nil {
		t.Fatalf("CreateBranch of branch: %v", err)
	}
	s, _ := r.Get(grandchild)
	if s.Parent != child || s.Kind != models.SessionBranch {
		t.Errorf("grandchild = %+v, want branch of %s", s, child)
	}
}

func TestComplete_DeliversToParentInbox(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	main := r.CreateMain()
	child, _ := r.CreateBranch(main)

	clk.Advance(3 * time.Second)
	if err := r.Complete(child, "42"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	inbox, err := r.Inbox(main)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].From != child || inbox[0].Result != "42" {
		t.Fatalf("inbox = %+v, want one message from %s", inbox, child)
	}

	s, _ := r.Get(child)
	if s.Status != models.SessionCompleted || s.EndedAt == nil || !s.EndedAt.Equal(epoch.Add(3*time.Second)) {
		t.Errorf("child = %+v, want completed at +3s", s)
	}

	drained, _ := r.DrainInbox(main)
	if len(drained) != 1 {
		t.Errorf("DrainInbox returned %d messages, want 1", len(drained))
	}
	if again, _ := r.Inbox(main); len(again) != 0 {
		t.Errorf("inbox not empty after drain: %+v", again)
	}
}

func TestComplete_ResultVisibleWhenStatusFlips(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	main := r.CreateMain()

	const n = 50
	children := make([]models.SessionID, n)
	for i := range children {
		children[i], _ = r.CreateBranch(main)
	}

	var wg sync.WaitGroup
	for _, id := range children {
		wg.Add(1)
		go func(id models.SessionID) {
			defer wg.Done()
			_ = r.Complete(id, "done")
		}(id)
	}

	// Every completed child observed here must already have its result
	// in the parent's inbox.
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := r.Snapshot()
			inbox, _ := r.Inbox(main)
			got := make(map[models.SessionID]bool, len(inbox))
			for _, m := range inbox {
				got[m.From] = true
			}
			for _, s := range snap.Sessions {
				if s.Kind == models.SessionBranch && s.Status == models.SessionCompleted && !got[s.ID] {
					t.Errorf("child %s completed with no inbox entry", s.ID)
					return
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-readerDone

	inbox, _ := r.Inbox(main)
	if len(inbox) != n {
		t.Errorf("inbox has %d messages, want %d", len(inbox), n)
	}
}

func TestTerminal_IsFinal(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	main := r.CreateMain()
	child, _ := r.CreateBranch(main)

	if err := r.Complete(child, "a"); err != nil {
		t.Fatalf("first Complete: %v", err)
	}

	tests := []struct {
		name string
		op   func() error
	}{
		{"complete again", func() error { return r.Complete(child, "b") }},
		{"fail", func() error { return r.Fail(child, "late") }},
		{"mark stuck", func() error { return r.MarkStuck(child, epoch) }},
		{"recover", func() error { return r.Recover(child) }},
		{"fail stuck", func() error { return r.FailStuck(child, epoch, "x") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			if !errors.Is(err, ErrAlreadyTerminal) {
				t.Errorf("err = %v, want ErrAlreadyTerminal", err)
			}
			if !IsBenign(err) {
				t.Error("ErrAlreadyTerminal should be benign")
			}
		})
	}

	s, _ := r.Get(child)
	if s.Status != models.SessionCompleted {
		t.Errorf("status changed to %s", s.Status)
	}
	if inbox, _ := r.Inbox(main); len(inbox) != 1 {
		t.Errorf("inbox has %d messages, want 1", len(inbox))
	}
}

func TestConcurrentTerminal_ExactlyOneWins(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	id := r.CreateMain()

	const n = 32
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs <- r.Complete(id, "x")
			} else {
				errs <- r.Fail(id, "y")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrAlreadyTerminal):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("%d callers won, want exactly 1", wins)
	}

	created, terminal := 0, 0
	for _, e := range r.PendingEvents() {
		if e.Kind == audit.KindCreated {
			created++
		} else if e.Kind.Terminal() {
			terminal++
		}
	}
	if created != 1 || terminal != 1 {
		t.Errorf("journal has %d created / %d terminal, want 1/1", created, terminal)
	}
}

func TestCreateBranch_RacesParentComplete(t *testing.T) {
	for i := 0; i < 100; i++ {
		r, _, _ := newTestRegistry(t)
		main := r.CreateMain()
		parent, _ := r.CreateBranch(main)

		var (
			wg       sync.WaitGroup
			childID  models.SessionID
			childErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			childID, childErr = r.CreateBranch(parent)
		}()
		go func() {
			defer wg.Done()
			_ = r.Complete(parent, "done")
		}()
		wg.Wait()

		if childErr != nil {
			if !errors.Is(childErr, ErrParentNotActive) {
				t.Fatalf("CreateBranch: %v", childErr)
			}
			continue
		}
		// The branch was created first, so the parent must still have been
		// active at insert time: creation precedes completion in the journal.
		createdAt, completedAt := -1, -1
		for j, e := range r.PendingEvents() {
			if e.SessionID == childID && e.Kind == audit.KindCreated {
				createdAt = j
			}
			if e.SessionID == parent && e.Kind == audit.KindCompleted {
				completedAt = j
			}
		}
		if createdAt < 0 || completedAt < 0 || createdAt > completedAt {
			t.Fatalf("child created at %d, parent completed at %d", createdAt, completedAt)
		}
	}
}

func TestContext_CancelledOnTerminal(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	main := r.CreateMain()
	a, _ := r.CreateBranch(main)
	b, _ := r.CreateBranch(main)

	ctxA, err := r.Context(a)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	ctxB, _ := r.Context(b)

	if err := r.Fail(a, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	select {
	case <-ctxA.Done():
	default:
		t.Error("context of failed session not cancelled")
	}
	if ctxB.Err() != nil {
		t.Error("sibling context cancelled")
	}
}

func TestWithContext_CancelsAllSessions(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	r := New(audit.NewMemory(), WithContext(base))
	id := r.CreateMain()
	ctx, _ := r.Context(id)

	cancel()
	if ctx.Err() == nil {
		t.Error("session context survived base cancellation")
	}
}

func TestHeartbeat(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	id := r.CreateMain()

	clk.Advance(5 * time.Second)
	if err := r.Heartbeat(id); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	s, _ := r.Get(id)
	if !s.LastHeartbeat.Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("LastHeartbeat = %v, want +5s", s.LastHeartbeat)
	}

	_ = r.Fail(id, "x")
	clk.Advance(5 * time.Second)
	if err := r.Heartbeat(id); err != nil {
		t.Errorf("Heartbeat on terminal session: %v", err)
	}
	s, _ = r.Get(id)
	if !s.LastHeartbeat.Equal(epoch.Add(5 * time.Second)) {
		t.Error("terminal session heartbeat moved")
	}

	if err := r.Heartbeat("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: err = %v, want ErrSessionNotFound", err)
	}
}

func TestMarkStuck_LosesToHeartbeat(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	id := r.CreateMain()

	observed := epoch
	clk.Advance(time.Second)
	_ = r.Heartbeat(id)

	err := r.MarkStuck(id, observed)
	if !errors.Is(err, ErrStaleObservation) || !IsBenign(err) {
		t.Fatalf("MarkStuck after heartbeat: err = %v, want benign ErrStaleObservation", err)
	}
	if s, _ := r.Get(id); s.Status != models.SessionActive {
		t.Errorf("status = %s, want active", s.Status)
	}
}

func TestStuckLifecycle(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	main := r.CreateMain()
	id, _ := r.CreateBranch(main)

	if err := r.Recover(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Recover active: err = %v, want ErrInvalidTransition", err)
	}
	if err := r.FailStuck(id, epoch, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("FailStuck active: err = %v, want ErrInvalidTransition", err)
	}

	if err := r.MarkStuck(id, epoch); err != nil {
		t.Fatalf("MarkStuck: %v", err)
	}
	if err := r.MarkStuck(id, epoch); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkStuck twice: err = %v, want ErrInvalidTransition", err)
	}
	if err := r.Recover(id); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if err := r.MarkStuck(id, epoch); err != nil {
		t.Fatalf("MarkStuck again: %v", err)
	}

	// A heartbeat after the observation beats the kill.
	clk.Advance(time.Second)
	_ = r.Heartbeat(id)
	if err := r.FailStuck(id, epoch, "stuck"); !errors.Is(err, ErrStaleObservation) {
		t.Fatalf("FailStuck after heartbeat: err = %v, want ErrStaleObservation", err)
	}

	s, _ := r.Get(id)
	if err := r.FailStuck(id, s.LastHeartbeat, "stuck: retries exhausted"); err != nil {
		t.Fatalf("FailStuck: %v", err)
	}
	s, _ = r.Get(id)
	if s.Status != models.SessionFailed || s.Reason != "stuck: retries exhausted" {
		t.Errorf("session = %+v, want failed with reason", s)
	}
	ctx, _ := r.Context(id)
	if ctx.Err() == nil {
		t.Error("FailStuck did not cancel the worker context")
	}
}

func TestStuckSession_WorkerCanStillComplete(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	main := r.CreateMain()
	id, _ := r.CreateBranch(main)
	_ = r.MarkStuck(id, epoch)

	if err := r.Complete(id, "late but fine"); err != nil {
		t.Fatalf("Complete stuck session: %v", err)
	}
	if err := r.FailStuck(id, epoch, "x"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("FailStuck after worker completion: err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestPrune_Preconditions(t *testing.T) {
	r, log, _ := newTestRegistry(t)
	ctx := context.Background()
	main := r.CreateMain()
	live, _ := r.CreateBranch(main)
	done, _ := r.CreateBranch(main)
	_ = r.Complete(done, "ok")

	tests := []struct {
		name string
		id   models.SessionID
		want error
	}{
		{"unknown", "missing", ErrSessionNotFound},
		{"main", main, ErrNotBranch},
		{"live branch", live, ErrNotTerminal},
		{"terminal not yet logged", done, ErrNotAuditLogged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := r.Len()
			journal := len(r.PendingEvents())
			if err := r.Prune(ctx, tt.id); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if r.Len() != before || len(r.PendingEvents()) != journal {
				t.Error("failed prune changed registry state")
			}
		})
	}

	flush(t, r, log)
	if err := r.Prune(ctx, done); err != nil {
		t.Fatalf("Prune after flush: %v", err)
	}
	if _, err := r.Get(done); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("pruned session still present: %v", err)
	}
	pending := r.PendingEvents()
	if len(pending) != 1 || pending[0].Kind != audit.KindPruned || pending[0].SessionID != done {
		t.Fatalf("journal after prune = %+v, want one pruned event", pending)
	}
	flush(t, r, log)

	if ok, _ := log.Recorded(ctx, done, audit.KindPruned); !ok {
		t.Error("pruned event not recorded")
	}
	if err := r.Prune(ctx, done); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second prune: err = %v, want ErrSessionNotFound", err)
	}
}

type failingAudit struct{ err error }

func (f failingAudit) Recorded(context.Context, models.SessionID, audit.Kind) (bool, error) {
	return false, f.err
}

func TestPrune_AuditErrorLeavesSession(t *testing.T) {
	boom := errors.New("disk gone")
	r := New(failingAudit{err: boom})
	main := r.CreateMain()
	id, _ := r.CreateBranch(main)
	_ = r.Fail(id, "x")

	if err := r.Prune(context.Background(), id); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped audit error", err)
	}
	if _, err := r.Get(id); err != nil {
		t.Errorf("session removed despite audit error: %v", err)
	}
}

func TestComplete_AfterParentPruned(t *testing.T) {
	r, log, _ := newTestRegistry(t)
	ctx := context.Background()
	main := r.CreateMain()
	parent, _ := r.CreateBranch(main)
	child, _ := r.CreateBranch(parent)

	_ = r.Complete(parent, "p")
	flush(t, r, log)
	if err := r.Prune(ctx, parent); err != nil {
		t.Fatalf("Prune parent: %v", err)
	}

	if err := r.Complete(child, "orphan"); err != nil {
		t.Fatalf("Complete orphan: %v", err)
	}
	pending := r.PendingEvents()
	last := pending[len(pending)-1]
	if last.Kind != audit.KindCompleted || last.Detail == "" {
		t.Errorf("orphan completion event = %+v, want completed with detail", last)
	}
}

func TestJournal_AcceptanceOrder(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	main := r.CreateMain()
	a, _ := r.CreateBranch(main)
	b, _ := r.CreateBranch(main)
	_ = r.Fail(b, "x")
	_ = r.Complete(a, "y")

	want := []struct {
		kind audit.Kind
		id   models.SessionID
	}{
		{audit.KindCreated, main},
		{audit.KindCreated, a},
		{audit.KindCreated, b},
		{audit.KindFailed, b},
		{audit.KindCompleted, a},
	}
	got := r.PendingEvents()
	if len(got) != len(want) {
		t.Fatalf("journal has %d events, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Kind != w.kind || got[i].SessionID != w.id {
			t.Errorf("event %d = %s/%s, want %s/%s", i, got[i].Kind, got[i].SessionID, w.kind, w.id)
		}
	}
	if got[1].ParentID != main || got[1].SessionKind != models.SessionBranch {
		t.Errorf("branch event missing lineage: %+v", got[1])
	}

	r.AckEvents(2)
	if rest := r.PendingEvents(); len(rest) != 3 || rest[0].SessionID != b {
		t.Errorf("after AckEvents(2): %+v", rest)
	}
	r.AckEvents(99)
	if rest := r.PendingEvents(); len(rest) != 0 {
		t.Errorf("after over-ack: %d events left", len(rest))
	}
}

func TestSnapshot(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	main := r.CreateMain()
	clk.Advance(time.Second)
	a, _ := r.CreateBranch(main)
	clk.Advance(time.Second)
	b, _ := r.CreateBranch(main)
	_ = r.MarkStuck(a, epoch.Add(time.Second))
	_ = r.Complete(b, "ok")

	snap := r.Snapshot()
	if len(snap.Sessions) != 3 {
		t.Fatalf("snapshot has %d sessions, want 3", len(snap.Sessions))
	}
	if snap.Sessions[0].ID != main || snap.Sessions[1].ID != a || snap.Sessions[2].ID != b {
		t.Error("snapshot not ordered by creation time")
	}
	if len(snap.Active) != 2 {
		t.Errorf("Active = %v, want main and a", snap.Active)
	}
	if snap.ByStatus[models.SessionActive] != 1 || snap.ByStatus[models.SessionStuck] != 1 || snap.ByStatus[models.SessionCompleted] != 1 {
		t.Errorf("ByStatus = %v", snap.ByStatus)
	}

	// Mutating the snapshot must not touch the registry.
	snap.Sessions[0].Status = models.SessionFailed
	if s, _ := r.Get(main); s.Status != models.SessionActive {
		t.Error("snapshot aliases registry state")
	}
}
