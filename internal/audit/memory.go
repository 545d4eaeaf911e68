package audit

import (
	"context"
	"sync"

	"github.com/ShayCichocki/superagents/pkg/models"
)

// Memory is an in-process Log. It is durable only for the life of the
// process and is meant for tests and ephemeral runs.
type Memory struct {
	mu      sync.RWMutex
	events  []Event
	history map[models.SessionID]history
}

// NewMemory creates an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{history: make(map[models.SessionID]history)}
}

// Append implements Log.
func (m *Memory) Append(ctx context.Context, events ...Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate against scratch copies so a rejected batch leaves no trace.
	scratch := make(map[models.SessionID]history)
	for _, e := range events {
		h, ok := scratch[e.SessionID]
		if !ok {
			h = history{}
			for k, v := range m.history[e.SessionID] {
				h[k] = v
			}
			scratch[e.SessionID] = h
		}
		if err := h.accept(e); err != nil {
			return err
		}
	}

	for _, e := range events {
		e.Seq = int64(len(m.events)) + 1
		m.events = append(m.events, e)
	}
	for id, h := range scratch {
		m.history[id] = h
	}
	return nil
}

// Recorded implements Log.
func (m *Memory) Recorded(ctx context.Context, id models.SessionID, kind Kind) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history[id][kind], nil
}

// Events implements Log.
func (m *Memory) Events(ctx context.Context, f Filter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, e := range m.events {
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of recorded events.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
