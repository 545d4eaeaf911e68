// Package memory stores agent memories and exports them as versioned
// markdown for audit and backup.
package memory

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/superagents/pkg/models"
)

// Type is the canonical class of a memory record.
type Type string

const (
	// TypeDecision is an explicit choice made during a run.
	TypeDecision Type = "decision"
	// TypeFact is a claim about the world or the system.
	TypeFact Type = "fact"
	// TypeIdentity is persistent identity state of the agent.
	TypeIdentity Type = "identity"
	// TypePreference is a user or system preference.
	TypePreference Type = "preference"
)

// Types returns the canonical types in export order.
func Types() []Type {
	return []Type{TypeDecision, TypeFact, TypeIdentity, TypePreference}
}

// Valid returns true if the type is one of the canonical types.
func (t Type) Valid() bool {
	switch t {
	case TypeDecision, TypeFact, TypeIdentity, TypePreference:
		return true
	}
	return false
}

// ParseType converts s into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown memory type %q", s)
	}
	return t, nil
}

// Record is a single stored memory.
type Record struct {
	ID        string           `json:"id" yaml:"id"`
	Type      Type             `json:"type" yaml:"type"`
	Content   string           `json:"content" yaml:"-"`
	Metadata  map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	SessionID models.SessionID `json:"session_id" yaml:"session_id"`
	CreatedAt time.Time        `json:"created_at" yaml:"created_at"`
}

// NewRecord creates a record with a fresh id.
func NewRecord(t Type, content string, session models.SessionID) Record {
	return Record{
		ID:        uuid.NewString(),
		Type:      t,
		Content:   content,
		SessionID: session,
		CreatedAt: time.Now().UTC(),
	}
}

// WithMetadata returns a copy of r carrying metadata.
func (r Record) WithMetadata(md map[string]any) Record {
	r.Metadata = md
	return r
}

// DefaultRecallLimit is the number of records Recall returns by default.
const DefaultRecallLimit = 10

// RecallQuery selects records by text and type.
type RecallQuery struct {
	Text string
	// Limit caps the result. Zero is allowed and returns nothing.
	Limit int
	// Type restricts results to one type when set.
	Type Type
}

// NewRecallQuery returns a query for text with the default limit.
func NewRecallQuery(text string) RecallQuery {
	return RecallQuery{Text: text, Limit: DefaultRecallLimit}
}

// WithLimit sets the result cap.
func (q RecallQuery) WithLimit(n int) RecallQuery {
	q.Limit = n
	return q
}

// WithType restricts the query to t.
func (q RecallQuery) WithType(t Type) RecallQuery {
	q.Type = t
	return q
}
