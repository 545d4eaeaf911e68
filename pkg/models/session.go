package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionID uniquely identifies a session for the lifetime of the process.
type SessionID string

// NewSessionID returns a fresh random SessionID.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// String implements fmt.Stringer.
func (id SessionID) String() string { return string(id) }

// SessionKind distinguishes root sessions from task-scoped children.
type SessionKind string

const (
	// SessionMain is a persistent, interactive root session.
	SessionMain SessionKind = "main"
	// SessionBranch is a task-scoped session spawned by Main or another Branch.
	// It writes its result to the parent and is then pruned.
	SessionBranch SessionKind = "branch"
)

// Valid returns true if the kind is a known value.
func (k SessionKind) Valid() bool {
	return k == SessionMain || k == SessionBranch
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	// SessionActive indicates the session is running and heartbeating.
	SessionActive SessionStatus = "active"
	// SessionStuck indicates no heartbeat arrived within the stuck timeout.
	SessionStuck SessionStatus = "stuck"
	// SessionCompleted indicates the worker finished and delivered a result.
	SessionCompleted SessionStatus = "completed"
	// SessionFailed indicates the session ended with an error or was killed.
	SessionFailed SessionStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionStuck, SessionCompleted, SessionFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// CanTransition reports whether moving from s to next is legal.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionActive:
		return next == SessionStuck || next == SessionCompleted || next == SessionFailed
	case SessionStuck:
		return next == SessionActive || next == SessionCompleted || next == SessionFailed
	default:
		return false
	}
}

// Session is a point-in-time copy of a registry record.
type Session struct {
	// ID is the unique identifier for this session.
	ID SessionID `json:"id"`
	// Kind is main or branch.
	Kind SessionKind `json:"kind"`
	// Parent is set for branch sessions only and never changes.
	Parent SessionID `json:"parent,omitempty"`
	// Status is the current lifecycle state.
	Status SessionStatus `json:"status"`
	// Reason explains a failed status.
	Reason string `json:"reason,omitempty"`
	// CreatedAt is when the registry accepted the session.
	CreatedAt time.Time `json:"created_at"`
	// LastHeartbeat is the most recent liveness signal from the worker.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// EndedAt is set once the session reaches a terminal status.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// IsMain returns true for root sessions.
func (s *Session) IsMain() bool {
	return s.Kind == SessionMain
}

// InboxMessage is a result delivered by a child session to its parent.
type InboxMessage struct {
	From        SessionID `json:"from"`
	Result      string    `json:"result"`
	DeliveredAt time.Time `json:"delivered_at"`
}
