package cortex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/superagents/internal/audit"
	"github.com/ShayCichocki/superagents/internal/clock"
	"github.com/ShayCichocki/superagents/internal/cortex/policy"
	"github.com/ShayCichocki/superagents/internal/session"
	"github.com/ShayCichocki/superagents/pkg/models"
)

const shutdownFlushTimeout = 5 * time.Second

// Run drives the supervisor until ctx is cancelled. It returns nil on a
// clean shutdown, after in-flight exports and dispatches have returned and
// the lifecycle journal has been flushed one last time.
func (c *Cortex) Run(ctx context.Context) error {
	poll := c.settings.PollInterval
	ticker := c.clock.NewTicker(poll)
	defer ticker.Stop()

	var (
		exportTicker *clock.Ticker
		exportC      <-chan time.Time
	)
	exportEvery := c.settings.ExportInterval
	if c.exporter != nil {
		exportTicker = c.clock.NewTicker(exportEvery)
		defer exportTicker.Stop()
		exportC = exportTicker.C
	}

	c.logger.Info("supervisor started", "poll_interval", poll, "stuck_timeout", c.settings.StuckTimeout)
	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-ticker.C:
			c.Tick(ctx)
			if c.settings.PollInterval != poll {
				poll = c.settings.PollInterval
				ticker.Reset(poll)
			}
			if exportTicker != nil && c.settings.ExportInterval != exportEvery {
				exportEvery = c.settings.ExportInterval
				exportTicker.Reset(exportEvery)
			}
		case <-exportC:
			c.startExport(ctx)
		}
	}
}

func (c *Cortex) shutdown() error {
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	if err := c.flushJournal(ctx); err != nil {
		c.logger.Error("final journal flush failed", "error", err)
	}
	c.logger.Info("supervisor stopped")
	return nil
}

// Tick runs one supervision pass. Run calls it on every poll tick.
func (c *Cortex) Tick(ctx context.Context) {
	c.applyPending()
	now := c.clock.Now()

	snap := c.reg.Snapshot()
	live := make(map[models.SessionID]bool, len(snap.Sessions))
	for _, s := range snap.Sessions {
		live[s.ID] = !s.Status.Terminal()
		switch s.Status {
		case models.SessionActive:
			c.guard(s.ID, func() { c.checkActive(ctx, now, s) })
		case models.SessionStuck:
			c.guard(s.ID, func() { c.checkStuck(ctx, now, s) })
		}
	}
	// Terminal or removed sessions are no longer supervised.
	for id := range c.tracked {
		if !live[id] {
			delete(c.tracked, id)
		}
	}

	if err := c.flushJournal(ctx); err != nil {
		c.tickFailures.Add(1)
		c.logger.Error("audit flush failed", "error", err)
	}

	after := c.reg.Snapshot()
	c.pruneTerminal(ctx, after)
	if err := c.flushJournal(ctx); err != nil {
		c.tickFailures.Add(1)
		c.logger.Error("audit flush failed", "error", err)
	}

	c.ticks.Add(1)
	c.publish(after)
}

// guard isolates a per-session step so a panic only costs that session
// its turn in this tick.
func (c *Cortex) guard(id models.SessionID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.tickFailures.Add(1)
			c.logger.Error("session check panicked", "session", id, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (c *Cortex) checkActive(ctx context.Context, now time.Time, s models.Session) {
	if now.Sub(s.LastHeartbeat) <= c.settings.StuckTimeout {
		return
	}
	if err := c.reg.MarkStuck(s.ID, s.LastHeartbeat); err != nil {
		if !session.IsBenign(err) {
			c.logger.Error("mark stuck failed", "session", s.ID, "error", err)
		}
		return
	}
	c.logger.Warn("session stuck", "session", s.ID, "kind", s.Kind, "silent_for", now.Sub(s.LastHeartbeat))

	s.Status = models.SessionStuck
	c.tracked[s.ID] = &stuckState{observed: s.LastHeartbeat, since: now}
	c.checkStuck(ctx, now, s)
}

func (c *Cortex) checkStuck(ctx context.Context, now time.Time, s models.Session) {
	st, ok := c.tracked[s.ID]
	if !ok {
		st = &stuckState{observed: s.LastHeartbeat, since: now}
		c.tracked[s.ID] = st
	}

	if s.LastHeartbeat.After(st.observed) {
		err := c.reg.Recover(s.ID)
		if err == nil || session.IsBenign(err) {
			delete(c.tracked, s.ID)
			if err == nil {
				c.logger.Info("session recovered", "session", s.ID, "attempts", st.attempts)
			}
			return
		}
		c.logger.Error("recover failed", "session", s.ID, "error", err)
		return
	}

	if !st.deadline.IsZero() {
		if now.Before(st.deadline) {
			return
		}
		st.attempts++
		st.deadline = time.Time{}
	}

	d := policy.Decide(st.attempts, now.Sub(st.since), c.settings.Policy)
	switch d.Action {
	case policy.Retry:
		st.deadline = now.Add(d.Delay)
		c.retries.Add(1)
		c.logger.Info("retrying stuck session", "session", s.ID, "attempt", st.attempts+1, "window", d.Delay)
		c.dispatch(ctx, s.ID, st.attempts+1)
	case policy.Kill:
		c.kill(s.ID, st, d.Err)
	}
}

func (c *Cortex) kill(id models.SessionID, st *stuckState, cause error) {
	reason := "stuck: " + cause.Error()
	err := c.reg.FailStuck(id, st.observed, reason)
	switch {
	case err == nil:
		c.killed.Add(1)
		delete(c.tracked, id)
		c.logger.Warn("stuck session killed", "session", id, "reason", reason, "attempts", st.attempts)
	case errors.Is(err, session.ErrStaleObservation):
		// Heartbeat arrived after the observation; the next tick recovers it.
	case session.IsBenign(err):
		delete(c.tracked, id)
	default:
		c.logger.Error("kill failed", "session", id, "error", err)
	}
}

func (c *Cortex) dispatch(ctx context.Context, id models.SessionID, attempt int) {
	if c.dispatcher == nil {
		return
	}
	timeout := c.settings.DispatchTimeout

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("retry dispatch panicked", "session", id, "panic", fmt.Sprint(r))
			}
		}()

		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := c.dispatcher.Retry(dctx, id, attempt); err != nil {
			c.logger.Warn("retry dispatch failed", "session", id, "attempt", attempt, "error", err)
		}
	}()
}

// flushJournal appends the registry's pending lifecycle events to the
// audit log in acceptance order and acknowledges them once durable.
func (c *Cortex) flushJournal(ctx context.Context) error {
	pending := c.reg.PendingEvents()
	if len(pending) == 0 {
		return nil
	}
	if err := c.audit.Append(ctx, pending...); err != nil {
		return fmt.Errorf("append %d lifecycle events: %w", len(pending), err)
	}
	c.reg.AckEvents(len(pending))

	for _, e := range pending {
		switch e.Kind {
		case audit.KindCompleted:
			c.completed.Add(1)
		case audit.KindFailed:
			c.failed.Add(1)
		case audit.KindPruned:
			c.pruned.Add(1)
		}
	}
	return nil
}

func (c *Cortex) pruneTerminal(ctx context.Context, snap session.Snapshot) {
	for _, s := range snap.Sessions {
		if s.Kind != models.SessionBranch || !s.Status.Terminal() {
			continue
		}
		err := c.reg.Prune(ctx, s.ID)
		switch {
		case err == nil:
			delete(c.tracked, s.ID)
		case errors.Is(err, session.ErrNotAuditLogged), errors.Is(err, session.ErrSessionNotFound):
			// Picked up on a later tick.
		default:
			c.logger.Error("prune failed", "session", s.ID, "error", err)
		}
	}
}
