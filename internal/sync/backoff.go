package sync

import (
	"context"
	"math/rand"
	"time"

	"nfsync/internal/store"
)

// Policy is the retry policy shared by all write steps. Transient
// destination errors are retried with exponential backoff and jitter;
// permanent errors abort immediately. Timeouts apply per attempt, not per
// whole commit.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; it doubles per
	// subsequent attempt up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Jitter is the random fraction (0..1) added to each delay to avoid
	// synchronized retries.
	Jitter float64

	// AttemptTimeout bounds each individual attempt. Zero means no
	// per-attempt timeout beyond the caller's context.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the standard write retry policy: 4 attempts,
// 500ms base delay, 8s cap, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       8 * time.Second,
		Jitter:         0.2,
		AttemptTimeout: 30 * time.Second,
	}
}

// Retry runs op until it succeeds, fails permanently, exhausts the attempt
// budget, or the context is canceled. The last error is returned.
func (p Policy) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		// Permanent failures are not worth another attempt.
		if !store.IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// delay computes the backoff before the given attempt's retry.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}
