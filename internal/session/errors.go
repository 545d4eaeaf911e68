package session

import "errors"

var (
	// ErrParentNotFound is returned by CreateBranch for an unknown parent.
	ErrParentNotFound = errors.New("parent session not found")
	// ErrParentNotActive is returned by CreateBranch when the parent is
	// stuck or terminal.
	ErrParentNotActive = errors.New("parent session not active")
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyTerminal is returned when a session already completed or
	// failed. Callers that lost a race should treat it as a no-op.
	ErrAlreadyTerminal = errors.New("session already terminal")
	// ErrNotTerminal is returned by Prune for a live session.
	ErrNotTerminal = errors.New("session not terminal")
	// ErrNotAuditLogged is returned by Prune when the terminal event has
	// not been durably recorded yet.
	ErrNotAuditLogged = errors.New("terminal event not in audit log")
	// ErrNotBranch is returned by Prune for main sessions.
	ErrNotBranch = errors.New("main sessions are never pruned")
	// ErrInvalidTransition is returned for a status change the state
	// machine does not allow from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStaleObservation is returned when the worker heartbeated after
	// the supervisor observed the session. The worker wins.
	ErrStaleObservation = errors.New("session heartbeat advanced since observation")
)

// IsBenign reports whether err only means another caller got there first.
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadyTerminal) || errors.Is(err, ErrStaleObservation)
}
