// Package retry wraps fallible operations with bounded exponential backoff.
// The policy only counts attempts and sleeps; whether a failure is worth
// retrying is decided by the operation's error classification.
package retry

import (
	"context"
	"errors"
	"time"
)

// retryable is implemented by errors that opt in to being retried.
type retryable interface {
	Retryable() bool
}

// Retryable reports whether err may be retried. Errors opt in by implementing
// Retryable() bool anywhere in their chain; everything else, including
// context cancellation, is final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// Policy executes an operation up to MaxAttempts times, sleeping
// BaseDelay * 3^(k-1) between attempt k and k+1. There is no sleep after the
// final failed attempt. MaxAttempts below 1 is treated as 1 (one attempt, no
// retries).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// Sleep is a test hook for the inter-attempt delay. Nil means a
	// context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry, if set, is called before each backoff sleep with the number of
	// the attempt that just failed and the upcoming delay.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do runs op until it succeeds, exhausts the attempt budget, or fails with a
// non-retryable error. The last error is returned; if the backoff sleep is
// interrupted by ctx, the context error is returned instead.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts || !Retryable(lastErr) {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, lastErr)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 3
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
