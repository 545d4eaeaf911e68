package cortex

import (
	"time"

	"github.com/ShayCichocki/superagents/internal/session"
	"github.com/ShayCichocki/superagents/pkg/models"
)

// HealthSnapshot is the supervisor's view as of the last completed tick.
type HealthSnapshot struct {
	ActiveSessions int `json:"active_sessions"`
	StuckSessions  int `json:"stuck_sessions"`
	// MemoryExportLagSecs is the age of the last successful export, or nil
	// if no export has succeeded yet.
	MemoryExportLagSecs *int64 `json:"memory_export_lag_secs"`

	CompletedTotal int64     `json:"completed_total"`
	FailedTotal    int64     `json:"failed_total"`
	PrunedTotal    int64     `json:"pruned_total"`
	KilledTotal    int64     `json:"killed_total"`
	RetriesTotal   int64     `json:"retries_total"`
	TickFailures   int64     `json:"tick_failures"`
	ExportFailures int64     `json:"export_failures"`
	Ticks          int64     `json:"ticks"`
	TakenAt        time.Time `json:"taken_at"`
}

// HealthSnapshot returns the last published snapshot. It never blocks on
// the loop.
func (c *Cortex) HealthSnapshot() HealthSnapshot {
	if h := c.health.Load(); h != nil {
		return *h
	}
	return HealthSnapshot{}
}

func (c *Cortex) publish(snap session.Snapshot) {
	now := c.clock.Now()
	h := &HealthSnapshot{
		ActiveSessions: snap.ByStatus[models.SessionActive],
		StuckSessions:  snap.ByStatus[models.SessionStuck],
		CompletedTotal: c.completed.Load(),
		FailedTotal:    c.failed.Load(),
		PrunedTotal:    c.pruned.Load(),
		KilledTotal:    c.killed.Load(),
		RetriesTotal:   c.retries.Load(),
		TickFailures:   c.tickFailures.Load(),
		ExportFailures: c.exportFailures.Load(),
		Ticks:          c.ticks.Load(),
		TakenAt:        now,
	}
	if last := c.lastExport.Load(); last != 0 {
		lag := int64(now.Sub(time.Unix(0, last)) / time.Second)
		if lag < 0 {
			lag = 0
		}
		h.MemoryExportLagSecs = &lag
	}
	c.health.Store(h)
}
