package connector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond}
}

func TestPolicyRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := testPolicy().Do(context.Background(), "fetch message", func() error {
		calls++
		if calls < 5 {
			return Transient("fetch message", errors.New("timeout"))
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 5, calls)
}

func TestPolicyGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := testPolicy().Do(context.Background(), "fetch message", func() error {
		calls++
		return Transient("fetch message", errors.New("reset"))
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.Contains(t, err.Error(), "giving up after 5 attempts")
	assert.True(t, IsTransient(err))
}

func TestPolicyDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("400 bad request")
	calls := 0
	err := testPolicy().Do(context.Background(), "list", func() error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestPolicyDoesNotRetryItemGone(t *testing.T) {
	calls := 0
	err := testPolicy().Do(context.Background(), "get", func() error {
		calls++
		return &ItemGoneError{ID: "m1"}
	})

	assert.True(t, IsItemGone(err))
	assert.Equal(t, 1, calls)
}

func TestPolicyHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, "slow", func() error {
			return Transient("slow", errors.New("timeout"))
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestPolicyWaitHonorsRetryAfter(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	w := p.wait(1, 500*time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, w)

	// Without a hint the wait stays within backoff plus jitter.
	w = p.wait(1, 0)
	assert.LessOrEqual(t, w, 2*time.Millisecond)
	assert.Greater(t, w, time.Duration(0))
}

func TestPolicyWaitGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 4 * time.Second}

	small := p.wait(1, 0)
	large := p.wait(9, 0)
	assert.LessOrEqual(t, small, 2*time.Second)
	assert.LessOrEqual(t, large, 5*time.Second)
	assert.GreaterOrEqual(t, large, 4*time.Second)
}

func TestRetryAfterHint(t *testing.T) {
	err := &TransientError{Op: "list", RetryAfter: 7 * time.Second, Err: errors.New("429")}
	wrapped := fmt.Errorf("listing messages: %w", err)

	assert.Equal(t, 7*time.Second, RetryAfterHint(wrapped))
	assert.Equal(t, time.Duration(0), RetryAfterHint(errors.New("plain")))
}
