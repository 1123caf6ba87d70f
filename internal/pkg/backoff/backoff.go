// Package backoff implements exponential backoff with jitter for retrying
// transient failures against the stores and the resolver.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes a retry schedule. The zero value is not usable; use
// Default() or fill all fields.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default returns the standard policy: 3 retries, 1s base, 30s cap.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second}
}

// Delay computes the wait before the given retry attempt (1-based):
// base·2^(attempt−1), capped, with up to 25% random jitter added.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	jitter := rand.Float64() * 0.25 * d
	return time.Duration(d + jitter)
}

// Retry runs fn up to MaxAttempts+1 times, sleeping per the schedule between
// attempts. It stops early when fn succeeds, when retryable(err) is false,
// or when the context is done. The last error is returned.
func (p Policy) Retry(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Delay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
