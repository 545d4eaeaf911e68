// Package policy decides what the supervisor does with a stuck session.
// Decide is a pure function of its inputs so it can be exercised against
// synthetic attempt counts and durations without a registry or loop.
package policy

import (
	"errors"
	"time"
)

var (
	// ErrRetriesExhausted means every allowed retry was used without the
	// worker resuming its heartbeat.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrStuckTooLong means the session stayed stuck past the cleanup bound.
	ErrStuckTooLong = errors.New("exceeded max stuck duration")
)

// Action is the outcome of a decision.
type Action int

const (
	// Retry asks the worker to resume and waits Delay for a heartbeat.
	Retry Action = iota
	// Kill fails the session and cancels its worker.
	Kill
)

// String returns a human-readable representation of the action.
func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Kill:
		return "kill"
	default:
		return "unknown"
	}
}

// Decision is returned by Decide.
type Decision struct {
	Action Action
	// Delay is the retry window; zero for Kill.
	Delay time.Duration
	// Err explains a Kill decision.
	Err error
}

// Config holds the retry/kill parameters.
type Config struct {
	// BaseDelay is the window granted to the first retry.
	BaseDelay time.Duration
	// Multiplier grows the window between consecutive retries.
	Multiplier float64
	// MaxDelay caps a single retry window.
	MaxDelay time.Duration
	// MaxAttempts is the number of retries before the session is killed.
	MaxAttempts int
	// MaxStuck kills a session stuck this long regardless of attempts.
	// Zero disables the bound.
	MaxStuck time.Duration
}

// Default returns the default policy: 10s doubling, three attempts.
func Default() Config {
	return Config{
		BaseDelay:   10 * time.Second,
		Multiplier:  2,
		MaxDelay:    2 * time.Minute,
		MaxAttempts: 3,
		MaxStuck:    5 * time.Minute,
	}
}

// Validate replaces out-of-range values with defaults.
func (c *Config) Validate() error {
	d := Default()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxStuck < 0 {
		c.MaxStuck = 0
	}
	return nil
}

// Decide returns Retry with a backoff window while attempts remain, and
// Kill once attempts reaches MaxAttempts or the session has been stuck for
// MaxStuck. attempts is the number of retries already spent.
func Decide(attempts int, elapsedSinceStuck time.Duration, cfg Config) Decision {
	if attempts >= cfg.MaxAttempts {
		return Decision{Action: Kill, Err: ErrRetriesExhausted}
	}
	if cfg.MaxStuck > 0 && elapsedSinceStuck >= cfg.MaxStuck {
		return Decision{Action: Kill, Err: ErrStuckTooLong}
	}
	return Decision{Action: Retry, Delay: Backoff(attempts, cfg)}
}

// Backoff returns the retry window for the given attempt number.
func Backoff(attempts int, cfg Config) time.Duration {
	delay := float64(cfg.BaseDelay)
	for i := 0; i < attempts; i++ {
		delay *= cfg.Multiplier
		if cfg.MaxDelay > 0 && delay >= float64(cfg.MaxDelay) {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Budget returns the worst-case time from the first retry to Kill when no
// heartbeat ever arrives.
func Budget(cfg Config) time.Duration {
	var total time.Duration
	for i := 0; i < cfg.MaxAttempts; i++ {
		total += Backoff(i, cfg)
	}
	if cfg.MaxStuck > 0 && total > cfg.MaxStuck {
		return cfg.MaxStuck
	}
	return total
}
