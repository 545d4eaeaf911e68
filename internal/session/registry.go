// Package session owns the live session tree.
//
// Sessions live in a single map keyed by SessionID; a branch refers to its
// parent by id only. Every status change happens under one lock and follows
// compare-and-swap semantics, so exactly one caller moves a session into a
// terminal state and every other caller gets ErrAlreadyTerminal. No I/O is
// done while the lock is held.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/superagents/internal/audit"
	"github.com/ShayCichocki/superagents/internal/clock"
	"github.com/ShayCichocki/superagents/pkg/models"
)

// AuditReader is the part of the audit log Prune needs.
type AuditReader interface {
	Recorded(ctx context.Context, id models.SessionID, kind audit.Kind) (bool, error)
}

// record is the registry's private state for one session.
type record struct {
	session models.Session
	inbox   []models.InboxMessage
	ctx     context.Context
	cancel  context.CancelFunc
}

// Registry is the single owner of session state. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[models.SessionID]*record
	// journal holds lifecycle events in acceptance order until the
	// supervisor has written them to the audit log.
	journal []audit.Event

	audit   AuditReader
	clock   clock.Clock
	logger  *slog.Logger
	baseCtx context.Context
}

// New creates an empty Registry. auditLog is consulted by Prune.
func New(auditLog AuditReader, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[models.SessionID]*record),
		audit:    auditLog,
		clock:    clock.Real(),
		logger:   slog.New(slog.DiscardHandler),
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// CreateMain registers a new root session.
func (r *Registry) CreateMain() models.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.insertLocked(models.SessionMain, "")
	r.logger.Debug("main session created", "session", rec.session.ID)
	return rec.session.ID
}

// CreateBranch registers a child of parent. The parent must exist and be
// active; the check and the insert happen in one critical section, so a
// concurrent Complete or Fail of the parent either happens first (and this
// returns ErrParentNotActive) or after the branch exists.
func (r *Registry) CreateBranch(parent models.SessionID) (models.SessionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.sessions[parent]
	if !ok {
		return "", fmt.Errorf("create branch of %s: %w", parent, ErrParentNotFound)
	}
	if p.session.Status != models.SessionActive {
		return "", fmt.Errorf("create branch of %s (%s): %w", parent, p.session.Status, ErrParentNotActive)
	}

	rec := r.insertLocked(models.SessionBranch, parent)
	r.logger.Debug("branch session created", "session", rec.session.ID, "parent", parent)
	return rec.session.ID, nil
}

func (r *Registry) insertLocked(kind models.SessionKind, parent models.SessionID) *record {
	now := r.clock.Now()
	ctx, cancel := context.WithCancel(r.baseCtx)
	rec := &record{
		session: models.Session{
			ID:            models.NewSessionID(),
			Kind:          kind,
			Parent:        parent,
			Status:        models.SessionActive,
			CreatedAt:     now,
			LastHeartbeat: now,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	r.sessions[rec.session.ID] = rec
	r.journalLocked(audit.KindCreated, &rec.session, now, "")
	return rec
}

// Heartbeat records a liveness signal. It is a no-op for terminal sessions.
func (r *Registry) Heartbeat(id models.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, ErrSessionNotFound)
	}
	if rec.session.Status.Terminal() {
		return nil
	}
	rec.session.LastHeartbeat = r.clock.Now()
	return nil
}

// Complete delivers result to the parent's inbox (for branches) and then
// marks the session completed.
func (r *Registry) Complete(id models.SessionID, result string) error {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("complete %s: %w", id, ErrSessionNotFound)
	}
	if rec.session.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("complete %s: %w", id, ErrAlreadyTerminal)
	}

	now := r.clock.Now()
	detail := ""
	if rec.session.Kind == models.SessionBranch {
		if parent, ok := r.sessions[rec.session.Parent]; ok {
			parent.inbox = append(parent.inbox, models.InboxMessage{
				From:        id,
				Result:      result,
				DeliveredAt: now,
			})
		} else {
			detail = "parent gone, result dropped"
			r.logger.Warn("parent pruned before child completed", "session", id, "parent", rec.session.Parent)
		}
	}

	r.finishLocked(rec, models.SessionCompleted, "", now, detail)
	r.mu.Unlock()

	rec.cancel()
	return nil
}

// Fail marks the session failed with reason.
func (r *Registry) Fail(id models.SessionID, reason string) error {
	r.mu.Lock()
	rec, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("fail %s: %w", id, ErrSessionNotFound)
	}
	if rec.session.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("fail %s: %w", id, ErrAlreadyTerminal)
	}

	r.finishLocked(rec, models.SessionFailed, reason, r.clock.Now(), reason)
	r.mu.Unlock()

	rec.cancel()
	return nil
}

// MarkStuck moves an active session to stuck. observed is the heartbeat
// the caller based its decision on; if the worker has heartbeated since,
// ErrStaleObservation is returned and nothing changes.
func (r *Registry) MarkStuck(id models.SessionID, observed time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.casLocked(id, models.SessionActive, observed)
	if err != nil {
		return fmt.Errorf("mark stuck %s: %w", id, err)
	}
	rec.session.Status = models.SessionStuck
	return nil
}

// Recover returns a stuck session to active.
func (r *Registry) Recover(id models.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.casLocked(id, models.SessionStuck, time.Time{})
	if err != nil {
		return fmt.Errorf("recover %s: %w", id, err)
	}
	rec.session.Status = models.SessionActive
	return nil
}

// FailStuck fails a stuck session on the supervisor's behalf. It loses to
// any worker heartbeat, completion or failure that happened after observed.
func (r *Registry) FailStuck(id models.SessionID, observed time.Time, reason string) error {
	r.mu.Lock()
	rec, err := r.casLocked(id, models.SessionStuck, observed)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("fail stuck %s: %w", id, err)
	}
	r.finishLocked(rec, models.SessionFailed, reason, r.clock.Now(), reason)
	r.mu.Unlock()

	rec.cancel()
	return nil
}

// casLocked checks that id is in status from and, when observed is set,
// that its heartbeat has not moved past observed.
func (r *Registry) casLocked(id models.SessionID, from models.SessionStatus, observed time.Time) (*record, error) {
	rec, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if rec.session.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if rec.session.Status != from {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, rec.session.Status, from)
	}
	if !observed.IsZero() && rec.session.LastHeartbeat.After(observed) {
		return nil, ErrStaleObservation
	}
	return rec, nil
}

func (r *Registry) finishLocked(rec *record, status models.SessionStatus, reason string, now time.Time, detail string) {
	rec.session.Status = status
	rec.session.Reason = reason
	rec.session.EndedAt = &now

	kind, _ := audit.KindForStatus(status)
	r.journalLocked(kind, &rec.session, now, detail)
}

func (r *Registry) journalLocked(kind audit.Kind, s *models.Session, at time.Time, detail string) {
	r.journal = append(r.journal, audit.Event{
		Kind:        kind,
		SessionID:   s.ID,
		SessionKind: s.Kind,
		ParentID:    s.Parent,
		Timestamp:   at,
		Detail:      detail,
	})
}

// Prune removes a terminal branch whose terminal event is already in the
// audit log. On any error the registry is left unchanged.
func (r *Registry) Prune(ctx context.Context, id models.SessionID) error {
	r.mu.RLock()
	rec, ok := r.sessions[id]
	var s models.Session
	if ok {
		s = rec.session
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("prune %s: %w", id, ErrSessionNotFound)
	}
	if s.Kind != models.SessionBranch {
		return fmt.Errorf("prune %s: %w", id, ErrNotBranch)
	}
	// Terminal status is final, so this check cannot be invalidated
	// while the lock is released for the audit lookup.
	kind, terminal := audit.KindForStatus(s.Status)
	if !terminal {
		return fmt.Errorf("prune %s (%s): %w", id, s.Status, ErrNotTerminal)
	}

	if r.audit == nil {
		return fmt.Errorf("prune %s: %w", id, ErrNotAuditLogged)
	}
	logged, err := r.audit.Recorded(ctx, id, kind)
	if err != nil {
		return fmt.Errorf("prune %s: check audit log: %w", id, err)
	}
	if !logged {
		return fmt.Errorf("prune %s: %w", id, ErrNotAuditLogged)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("prune %s: %w", id, ErrSessionNotFound)
	}
	delete(r.sessions, id)
	r.journalLocked(audit.KindPruned, &s, r.clock.Now(), "")
	r.logger.Debug("branch pruned", "session", id, "status", s.Status)
	return nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id models.SessionID) (models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("get %s: %w", id, ErrSessionNotFound)
	}
	return rec.session, nil
}

// Context returns the cancellation scope of a session's worker. It is
// cancelled when the session reaches a terminal status.
func (r *Registry) Context(id models.SessionID) (context.Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("context %s: %w", id, ErrSessionNotFound)
	}
	return rec.ctx, nil
}

// Inbox returns a copy of the results delivered to id by its children.
func (r *Registry) Inbox(id models.SessionID) ([]models.InboxMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("inbox %s: %w", id, ErrSessionNotFound)
	}
	out := make([]models.InboxMessage, len(rec.inbox))
	copy(out, rec.inbox)
	return out, nil
}

// DrainInbox returns and clears the inbox of id.
func (r *Registry) DrainInbox(id models.SessionID) ([]models.InboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("drain inbox %s: %w", id, ErrSessionNotFound)
	}
	out := rec.inbox
	rec.inbox = nil
	return out, nil
}

// PendingEvents returns a copy of the lifecycle events not yet
// acknowledged, in acceptance order.
func (r *Registry) PendingEvents() []audit.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]audit.Event, len(r.journal))
	copy(out, r.journal)
	return out
}

// AckEvents drops the first n pending events once they are durable.
// The registry supports a single journal consumer.
func (r *Registry) AckEvents(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.journal) {
		n = len(r.journal)
	}
	r.journal = append(r.journal[:0:0], r.journal[n:]...)
}

// Snapshot is a consistent copy of the live registry.
type Snapshot struct {
	// Sessions holds every live session ordered by creation time.
	Sessions []models.Session `json:"sessions"`
	// Active lists the ids of non-terminal sessions.
	Active []models.SessionID `json:"active"`
	// ByStatus counts sessions per status.
	ByStatus map[models.SessionStatus]int `json:"by_status"`
	TakenAt  time.Time                    `json:"taken_at"`
}

// Snapshot returns a consistent copy of all live sessions.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Sessions: make([]models.Session, 0, len(r.sessions)),
		ByStatus: make(map[models.SessionStatus]int),
		TakenAt:  r.clock.Now(),
	}
	for _, rec := range r.sessions {
		snap.Sessions = append(snap.Sessions, rec.session)
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		a, b := snap.Sessions[i], snap.Sessions[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	for _, s := range snap.Sessions {
		snap.ByStatus[s.Status]++
		if !s.Status.Terminal() {
			snap.Active = append(snap.Active, s.ID)
		}
	}
	return snap
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
