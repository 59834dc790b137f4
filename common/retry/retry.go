// Package retry provides exponential-backoff retry logic for transient
// errors, such as an engine control socket that is briefly unreachable.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500*time.Millisecond}, func() error {
//	    return client.Call()
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 10 * time.Second
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	// Subsequent delays are doubled up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// ShouldRetry is an optional predicate that lets callers classify errors
	// as retryable. When nil, all non-nil errors are retried.
	ShouldRetry func(err error) bool
}

// normalized returns a copy of the config with zero values filled in.
func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = func(error) bool { return true }
	}
	return c
}

// Do calls fn up to cfg.MaxAttempts times, backing off exponentially between
// attempts. It stops early when ctx is cancelled, fn returns nil, or
// cfg.ShouldRetry rejects the error. The error from the last attempt is
// returned; a context cancellation mid-backoff is joined onto it so callers
// can still match the underlying failure with errors.Is.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.normalized()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !cfg.ShouldRetry(lastErr) || attempt >= cfg.MaxAttempts {
			return lastErr
		}

		delay := backoffDelay(cfg, attempt)
		slog.Debug("retry: attempt failed, retrying",
			"attempt", attempt, "max", cfg.MaxAttempts,
			"err", lastErr, "delay", delay)

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns the wait after the given 1-based attempt:
// InitialDelay doubled per attempt, capped at MaxDelay.
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}
