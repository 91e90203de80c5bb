package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2.0}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTargetError(KindTransient, "rate limited", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentAbortsImmediately(t *testing.T) {
	calls := 0
	perm := NewTargetError(KindPermanent, "bad credentials", nil)
	err := fastRetry(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return perm
	})

	assert.Equal(t, 1, calls)
	var te *TargetError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindPermanent, te.Kind)
}

func TestRetryExhaustion(t *testing.T) {
	calls := 0
	err := fastRetry(3).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return NewScorerError(KindTransient, "timeout", nil)
	})

	assert.Equal(t, 3, calls)
	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	// The exhaustion error unwraps to the last transient failure.
	var se *ScorerError
	assert.ErrorAs(t, err, &se)
}

func TestRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastRetry(3).Do(ctx, func(ctx context.Context) error {
		t.Fatal("op must not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := RetryPolicy{}.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewTargetError(KindTransient, "x", nil)))
	assert.True(t, IsTransient(NewScorerError(KindTransient, "x", nil)))
	assert.False(t, IsTransient(NewTargetError(KindPermanent, "x", nil)))
	assert.False(t, IsTransient(errors.New("untyped")))
	assert.False(t, IsTransient(NewIntegrityError("append_entry", "dangling parent")))

	// Wrapped capability errors keep their classification.
	wrapped := NewTargetError(KindTransient, "send", errors.New("tcp reset"))
	assert.True(t, IsTransient(wrapped))
}
