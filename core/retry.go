package core

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy is the cross-cutting retry-with-backoff policy applied to
// flaky capability calls. Transient failures are retried with exponential
// backoff; permanent failures abort immediately; exhausting the attempt
// budget is itself a permanent failure for the affected turn.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
}

// DefaultRetryPolicy returns the policy used when none is configured:
// 3 attempts, 250ms initial backoff doubling up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// RetryExhaustedError reports that every attempt permitted by the policy
// failed with a transient error. It unwraps to the last attempt's error.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last attempt's error.
func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// Do runs op until it succeeds, fails permanently, exhausts the attempt
// budget or ctx is cancelled. Classification uses IsTransient: only errors
// tagged transient are retried. Context cancellation is returned as
// ctx.Err() so callers can distinguish caller-requested stops from failures.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := p.InitialBackoff
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return err
		}
		last = err

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return &RetryExhaustedError{Attempts: attempts, Last: last}
}
