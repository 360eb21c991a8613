// Package backoff provides exponential backoff calculation and bounded retry loops.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Poll calls check up to attempts times with a fixed interval between calls.
// Attempts are numbered from 1. It reports whether check succeeded before the
// attempts ran out; a non-nil error means ctx was cancelled.
func Poll(ctx context.Context, attempts int, interval time.Duration, check func(attempt int) bool) (bool, error) {
	for attempt := 1; attempt <= attempts; attempt++ {
		if check(attempt) {
			return true, nil
		}
		if attempt == attempts {
			break
		}
		if err := Sleep(ctx, interval); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Retry runs fn until it returns nil or attempts are exhausted, waiting interval
// between tries. The last error from fn (or the context error) is returned.
func Retry(ctx context.Context, attempts int, interval time.Duration, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if err := Sleep(ctx, interval); err != nil {
			return err
		}
	}
	return lastErr
}
