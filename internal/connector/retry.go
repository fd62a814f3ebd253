package connector

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds retries of transient provider failures. Waits grow
// geometrically from BaseDelay, carry random jitter, and never exceed
// MaxDelay; a provider-sent Retry-After wins when it is longer.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used by all connectors unless a test
// substitutes its own.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Do runs fn until it succeeds, fails with a non-transient error, or
// MaxAttempts transient failures accumulate. Waits between attempts are
// context-aware; cancellation surfaces as ctx.Err.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.wait(attempt, RetryAfterHint(lastErr))):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%s: giving up after %d attempts: %w", op, attempts, lastErr)
}

// wait computes the delay before the given attempt (attempt >= 1).
func (p Policy) wait(attempt int, retryAfter time.Duration) time.Duration {
	d := p.BaseDelay << uint(attempt-1)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.BaseDelay > 0 {
		d += time.Duration(rand.Int63n(int64(p.BaseDelay)))
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}
