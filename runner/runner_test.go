package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/probemesh/core"
	"github.com/hupe1980/probemesh/engine"
	"github.com/hupe1980/probemesh/internal/testutil"
	"github.com/hupe1980/probemesh/memory"
)

// echoTarget answers every prompt and tracks concurrency.
type echoTarget struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
	delay       time.Duration
}

func (t *echoTarget) Send(ctx context.Context, prompt string, _ []core.ConversationEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cur := t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	for {
		max := t.maxInFlight.Load()
		if cur <= max || t.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	t.calls.Add(1)

	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	return "echo: " + prompt, nil
}

func fastConfig() engine.Config {
	return engine.Config{
		MaxTurns: 3,
		Retry: core.RetryPolicy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     1.0,
		},
		Termination: core.NeverConverge{},
	}
}

func makeSeeds(n int) []Seed {
	seeds := make([]Seed, n)
	for i := range seeds {
		seeds[i] = Seed{Prompt: fmt.Sprintf("probe %d", i), Objective: "test objective"}
	}
	return seeds
}

func TestRunner_BatchIsolation(t *testing.T) {
	store := memory.NewInMemoryStore()
	target := &echoTarget{delay: time.Millisecond}

	r := New(target, func(o *Options) {
		o.Store = store
		o.Concurrency = 3
		o.Config = fastConfig()
	})

	seeds := makeSeeds(10)
	results, err := r.RunBatch(context.Background(), seeds)
	require.NoError(t, err)
	require.Len(t, results, 10)

	// Every seed ran its single prompt and exhausted the strategy; ten
	// distinct conversation roots with no cross-contamination.
	conversations := map[string]bool{}
	for i, res := range results {
		require.NoError(t, res.Err)
		assert.False(t, res.Skipped)
		assert.Equal(t, core.StatusExhausted, res.Session.Status)
		assert.Equal(t, core.ReasonStrategyExhausted, res.Session.TerminationReason)
		conversations[res.Session.ConversationID] = true

		path, perr := store.GetConversationPath(context.Background(), res.Session.ConversationID)
		require.NoError(t, perr)
		require.Len(t, path, 2)
		assert.Equal(t, seeds[i].Prompt, path[0].Content)
		assert.Equal(t, "echo: "+seeds[i].Prompt, path[1].Content)
		assert.True(t, path[0].IsRoot())
	}
	assert.Len(t, conversations, 10)

	// The concurrency ceiling held.
	assert.LessOrEqual(t, target.maxInFlight.Load(), int32(3))
}

func TestRunner_SessionFailureDoesNotAbortSiblings(t *testing.T) {
	target := targetFunc(func(ctx context.Context, prompt string, _ []core.ConversationEntry) (string, error) {
		if prompt == "poison" {
			return "", core.NewTargetError(core.KindPermanent, "blocked", nil)
		}
		return "ok", nil
	})

	r := New(target, func(o *Options) {
		o.Concurrency = 2
		o.Config = fastConfig()
	})

	seeds := []Seed{
		{Prompt: "benign one"},
		{Prompt: "poison"},
		{Prompt: "benign two"},
	}
	results, err := r.RunBatch(context.Background(), seeds)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, core.StatusExhausted, results[0].Session.Status)
	assert.Equal(t, core.StatusExhausted, results[2].Session.Status)

	assert.Equal(t, core.StatusFailed, results[1].Session.Status)
	assert.Equal(t, core.ReasonTargetUnavailable, results[1].Session.TerminationReason)
	require.Error(t, results[1].Err)

	summary := Summarize(results)
	assert.Equal(t, 2, summary.Exhausted)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunner_PreflightStoreOutageIsFatal(t *testing.T) {
	store := testutil.NewFlakyStore(memory.NewInMemoryStore())
	store.FailPing(errors.New("connection refused"))

	r := New(&echoTarget{}, func(o *Options) {
		o.Store = store
	})

	results, err := r.RunBatch(context.Background(), makeSeeds(3))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Nil(t, results)
}

func TestRunner_MidBatchStoreOutageAbortsNewSessions(t *testing.T) {
	store := testutil.NewFlakyStore(memory.NewInMemoryStore())

	var sends atomic.Int32
	target := targetFunc(func(ctx context.Context, prompt string, _ []core.ConversationEntry) (string, error) {
		if sends.Add(1) == 2 {
			// The store dies while the second session's turn is in flight.
			outage := errors.New("database is locked out")
			store.FailSaveSession(outage)
			store.FailPing(outage)
		}
		return "ok", nil
	})

	r := New(target, func(o *Options) {
		o.Store = store
		o.Concurrency = 1
		o.Config = fastConfig()
	})

	results, err := r.RunBatch(context.Background(), makeSeeds(5))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	require.Len(t, results, 5)

	// First session completed before the outage.
	assert.Equal(t, core.StatusExhausted, results[0].Session.Status)

	// Second session hit the store failure.
	assert.Equal(t, core.StatusFailed, results[1].Session.Status)
	assert.Equal(t, core.ReasonSessionStoreFailure, results[1].Session.TerminationReason)

	// Nothing after the outage was started.
	for _, res := range results[2:] {
		assert.True(t, res.Skipped)
	}
}

func TestRunner_CancellationMidBatch(t *testing.T) {
	store := memory.NewInMemoryStore()

	release := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(2)
	var arrivals atomic.Int32
	target := targetFunc(func(ctx context.Context, prompt string, _ []core.ConversationEntry) (string, error) {
		// Signal once per running session, then hold the call in flight
		// until the test cancels the batch.
		if arrivals.Add(1) <= 2 {
			entered.Done()
		}
		<-release
		return "held response", nil
	})

	r := New(target, func(o *Options) {
		o.Store = store
		o.Concurrency = 2
		o.Config = fastConfig()
	})

	done := make(chan struct{})
	var results []Result
	var err error
	go func() {
		defer close(done)
		results, err = r.RunBatch(context.Background(), makeSeeds(6))
	}()

	entered.Wait()
	r.Cancel()
	close(release)
	<-done

	require.NoError(t, err)
	require.Len(t, results, 6)

	summary := Summarize(results)
	assert.Equal(t, 2, summary.Cancelled)
	assert.Equal(t, 4, summary.Skipped)

	// The in-flight turns finished and were persisted before cancellation
	// took effect, so the store holds no sent-but-unrecorded prompt.
	for _, res := range results {
		if res.Skipped {
			continue
		}
		assert.Equal(t, core.StatusCancelled, res.Session.Status)
		assert.Equal(t, 1, res.Session.TurnCount)
		path, perr := store.GetConversationPath(context.Background(), res.Session.ConversationID)
		require.NoError(t, perr)
		assert.Len(t, path, 2)
	}
}

func TestRunner_SeedOverrides(t *testing.T) {
	store := memory.NewInMemoryStore()
	target := &echoTarget{}

	r := New(target, func(o *Options) {
		o.Store = store
		o.Config = fastConfig()
		o.Labels = map[string]string{"batch": "b-1"}
		o.NewStrategy = func(seed Seed) core.AttackerStrategy {
			return testutil.NewScriptedStrategy(seed.Prompt, seed.Prompt+" again", seed.Prompt+" more")
		}
	})

	results, err := r.RunBatch(context.Background(), []Seed{
		{Prompt: "p", MaxTurns: 2, Labels: map[string]string{"seed": "s-1"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Per-seed budget override wins.
	assert.Equal(t, core.StatusExhausted, results[0].Session.Status)
	assert.Equal(t, core.ReasonTurnBudgetReached, results[0].Session.TerminationReason)
	assert.Equal(t, 2, results[0].Session.TurnCount)

	// Batch and seed labels are both attached.
	entries, qerr := store.QueryByLabel(context.Background(), "batch", "b-1")
	require.NoError(t, qerr)
	assert.Len(t, entries, 4)
	entries, qerr = store.QueryByLabel(context.Background(), "seed", "s-1")
	require.NoError(t, qerr)
	assert.Len(t, entries, 4)
}

// targetFunc adapts a function to core.Target for tests in this package.
type targetFunc func(ctx context.Context, prompt string, history []core.ConversationEntry) (string, error)

func (f targetFunc) Send(ctx context.Context, prompt string, history []core.ConversationEntry) (string, error) {
	return f(ctx, prompt, history)
}
