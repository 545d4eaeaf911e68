// Package audit records session lifecycle events in an append-only log.
//
// The log is the durable history of every session, including branches that
// have since been pruned from the live registry. Events are never updated or
// deleted. For a single session the only accepted order is
//
//	created -> completed|failed -> pruned
//
// and Append rejects anything else with ErrOutOfOrder.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/superagents/pkg/models"
)

// Kind is the type of a lifecycle event.
type Kind string

const (
	KindCreated   Kind = "created"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindPruned    Kind = "pruned"
)

// Valid returns true if the kind is a known value.
func (k Kind) Valid() bool {
	switch k {
	case KindCreated, KindCompleted, KindFailed, KindPruned:
		return true
	default:
		return false
	}
}

// Terminal reports whether the event records a terminal status.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed
}

// KindForStatus maps a terminal session status to its event kind.
func KindForStatus(s models.SessionStatus) (Kind, bool) {
	switch s {
	case models.SessionCompleted:
		return KindCompleted, true
	case models.SessionFailed:
		return KindFailed, true
	default:
		return "", false
	}
}

// ErrOutOfOrder is returned when an event would break the per-session order.
var ErrOutOfOrder = errors.New("audit event out of order")

// Event is one entry in the log.
type Event struct {
	// Seq is assigned by the log on append and increases monotonically.
	Seq         int64              `json:"seq"`
	Kind        Kind               `json:"kind"`
	SessionID   models.SessionID   `json:"session_id"`
	SessionKind models.SessionKind `json:"session_kind,omitempty"`
	ParentID    models.SessionID   `json:"parent_id,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Detail      string             `json:"detail,omitempty"`
}

// Filter narrows an Events query. Zero fields match everything.
type Filter struct {
	SessionID models.SessionID
	Kind      Kind
	// Limit caps the number of events returned, oldest first. Zero means no cap.
	Limit int
}

func (f Filter) match(e Event) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return true
}

// Log is the append-only lifecycle record.
type Log interface {
	// Append durably writes events in order. The batch is atomic: either
	// every event is recorded or none is.
	Append(ctx context.Context, events ...Event) error
	// Recorded reports whether an event of kind exists for id.
	Recorded(ctx context.Context, id models.SessionID, kind Kind) (bool, error)
	// Events returns matching events in append order.
	Events(ctx context.Context, f Filter) ([]Event, error)
}

// history tracks which kinds a session already has, for order checks.
type history map[Kind]bool

// accept validates e against h and records it.
func (h history) accept(e Event) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.SessionID == "" {
		return fmt.Errorf("event %s: empty session id", e.Kind)
	}

	switch {
	case e.Kind == KindCreated:
		if h[KindCreated] {
			return fmt.Errorf("%w: %s already created", ErrOutOfOrder, e.SessionID)
		}
	case e.Kind.Terminal():
		if !h[KindCreated] {
			return fmt.Errorf("%w: %s %s before created", ErrOutOfOrder, e.SessionID, e.Kind)
		}
		if h[KindCompleted] || h[KindFailed] {
			return fmt.Errorf("%w: %s already terminal", ErrOutOfOrder, e.SessionID)
		}
	case e.Kind == KindPruned:
		if !h[KindCompleted] && !h[KindFailed] {
			return fmt.Errorf("%w: %s pruned before terminal event", ErrOutOfOrder, e.SessionID)
		}
		if h[KindPruned] {
			return fmt.Errorf("%w: %s already pruned", ErrOutOfOrder, e.SessionID)
		}
	}

	h[e.Kind] = true
	return nil
}
