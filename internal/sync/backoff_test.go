package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_RetrySucceedsAfterTransientFailures(t *testing.T) {
	p := testPolicy()

	calls := 0
	err := p.Retry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_RetryExhaustsBudget(t *testing.T) {
	p := testPolicy()

	calls := 0
	err := p.Retry(context.Background(), func(ctx context.Context) error {
		calls++
		return transientErr()
	})
	require.Error(t, err)
	assert.Equal(t, p.MaxAttempts, calls)
}

func TestPolicy_PermanentErrorAbortsImmediately(t *testing.T) {
	p := testPolicy()

	calls := 0
	injected := permanentErr()
	err := p.Retry(context.Background(), func(ctx context.Context) error {
		calls++
		return injected
	})
	assert.Equal(t, injected, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ContextCancellationStopsRetries(t *testing.T) {
	p := Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Retry(ctx, func(ctx context.Context) error {
		return transientErr()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_AttemptTimeoutApplied(t *testing.T) {
	p := Policy{
		MaxAttempts:    2,
		BaseDelay:      time.Millisecond,
		AttemptTimeout: 10 * time.Millisecond,
	}

	calls := 0
	err := p.Retry(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	// Deadline errors classify as transient, so the budget is spent.
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 2, calls)
}

func TestPolicy_ZeroAttemptsStillRunsOnce(t *testing.T) {
	p := Policy{}

	calls := 0
	err := p.Retry(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := Policy{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  400 * time.Millisecond,
	}

	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 200*time.Millisecond, p.delay(2))
	assert.Equal(t, 400*time.Millisecond, p.delay(3))
	assert.Equal(t, 400*time.Millisecond, p.delay(10))
}
