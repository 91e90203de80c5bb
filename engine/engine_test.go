package engine

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/probemesh/core"
	"github.com/hupe1980/probemesh/internal/testutil"
	"github.com/hupe1980/probemesh/logging"
	"github.com/hupe1980/probemesh/memory"
)

func fastRetry() core.RetryPolicy {
	return core.RetryPolicy{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1.0,
	}
}

func TestEngine_ConvergesWhenPolicySatisfied(t *testing.T) {
	store := memory.NewInMemoryStore()
	target := testutil.NewScriptedTarget("harmless answer", "leaked secret")
	scorer := testutil.NewScriptedScorer().
		ScoreResponse("harmless answer", 0.2).
		ScoreResponse("leaked secret", 0.9)
	strategy := testutil.NewScriptedStrategy("probe one", "probe two", "probe three")

	eng := New(target, strategy, func(o *Options) {
		o.Store = store
		o.Scorer = scorer
		o.Config.MaxTurns = 5
		o.Config.Retry = fastRetry()
		o.Config.Termination = core.ScoreThreshold{Threshold: 0.8}
	})

	session, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, core.StatusConverged, session.Status)
	assert.Equal(t, core.ReasonPolicySatisfied, session.TerminationReason)
	assert.Equal(t, 2, session.TurnCount)
	require.NotNil(t, session.EndedAt)

	// Two full turns: prompt/response pairs with adjacent sequence numbers.
	path, err := store.GetConversationPath(context.Background(), session.ConversationID)
	require.NoError(t, err)
	require.Len(t, path, 4)
	assert.Equal(t, core.RoleAttacker, path[0].Role)
	assert.Equal(t, core.RoleTarget, path[1].Role)
	assert.Equal(t, "probe one", path[0].Content)
	assert.Equal(t, "leaked secret", path[3].Content)
	for i, entry := range path {
		assert.Equal(t, i, entry.SequenceNumber)
	}

	// One score per response entry.
	for _, idx := range []int{1, 3} {
		scores, err := store.GetScores(context.Background(), path[idx].ID)
		require.NoError(t, err)
		require.Len(t, scores, 1)
		assert.Equal(t, path[idx].ID, scores[0].EntryID)
	}

	// Terminal session is persisted.
	saved, err := store.GetSession(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusConverged, saved.Status)
}

func TestEngine_TargetFailureLeavesNoDanglingPrompt(t *testing.T) {
	store := memory.NewInMemoryStore()
	transient := core.NewTargetError(core.KindTransient, "rate limited", nil)
	target := testutil.NewScriptedTarget("fine").
		FailWith(transient).
		FailWith(transient).
		FailWith(transient)
	scorer := testutil.NewScriptedScorer().ScoreResponse("fine", 0.1)
	strategy := testutil.NewScriptedStrategy("probe one", "probe two")

	eng := New(target, strategy, func(o *Options) {
		o.Store = store
		o.Scorer = scorer
		o.Config.Retry = fastRetry()
	})

	session, err := eng.Run(context.Background())
	require.Error(t, err)

	var exhausted *core.RetryExhaustedError
	assert.True(t, errors.As(err, &exhausted))
	assert.Equal(t, core.StatusFailed, session.Status)
	assert.Equal(t, core.ReasonTargetRetriesExhausted, session.TerminationReason)
	assert.Equal(t, 1, session.TurnCount)

	// The failed turn persisted nothing; the first turn is intact.
	path, perr := store.GetConversationPath(context.Background(), session.ConversationID)
	require.NoError(t, perr)
	require.Len(t, path, 2)
	assert.Equal(t, "probe one", path[0].Content)
	assert.Equal(t, "fine", path[1].Content)
}

func TestEngine_PermanentTargetErrorFailsImmediately(t *testing.T) {
	target := testutil.NewScriptedTarget().
		FailWith(core.NewTargetError(core.KindPermanent, "invalid api key", nil))
	strategy := testutil.NewScriptedStrategy("probe one")

	eng := New(target, strategy, func(o *Options) {
		o.Config.Retry = fastRetry()
	})

	session, err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.StatusFailed, session.Status)
	assert.Equal(t, core.ReasonTargetUnavailable, session.TerminationReason)
	// No retries against a permanent failure.
	assert.Len(t, target.Calls(), 1)
}

func TestEngine_ScoringUnavailable(t *testing.T) {
	t.Run("policy tolerates missing score", func(t *testing.T) {
		store := memory.NewInMemoryStore()
		scorer := testutil.NewScriptedScorer().
			FailWith(core.NewScorerError(core.KindPermanent, "grader offline", nil)).
			FailWith(core.NewScorerError(core.KindPermanent, "grader offline", nil))
		strategy := testutil.NewScriptedStrategy("probe one", "probe two")

		eng := New(testutil.NewScriptedTarget("resp"), strategy, func(o *Options) {
			o.Store = store
			o.Scorer = scorer
			o.Config.MaxTurns = 2
			o.Config.Retry = fastRetry()
			o.Config.Termination = core.ScoreThreshold{Threshold: 0.5}
		})

		session, err := eng.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.StatusExhausted, session.Status)
		assert.Equal(t, core.ReasonTurnBudgetReached, session.TerminationReason)
		assert.Equal(t, 2, session.TurnCount)

		// Both turns persisted without scores.
		path, perr := store.GetConversationPath(context.Background(), session.ConversationID)
		require.NoError(t, perr)
		require.Len(t, path, 4)
		scores, serr := store.GetScores(context.Background(), path[1].ID)
		require.NoError(t, serr)
		assert.Empty(t, scores)
	})

	t.Run("policy requires score", func(t *testing.T) {
		store := memory.NewInMemoryStore()
		scorer := testutil.NewScriptedScorer().
			FailWith(core.NewScorerError(core.KindPermanent, "grader offline", nil))
		strategy := testutil.NewScriptedStrategy("probe one", "probe two")

		eng := New(testutil.NewScriptedTarget("resp"), strategy, func(o *Options) {
			o.Store = store
			o.Scorer = scorer
			o.Config.Retry = fastRetry()
			o.Config.Termination = core.ScoreThreshold{Threshold: 0.5, RequireScore: true}
		})

		session, err := eng.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, core.StatusFailed, session.Status)
		assert.Equal(t, core.ReasonScoringUnavailable, session.TerminationReason)

		// The turn's entries stay persisted: the exchange happened and is
		// auditable even though it could not be scored.
		path, perr := store.GetConversationPath(context.Background(), session.ConversationID)
		require.NoError(t, perr)
		assert.Len(t, path, 2)
	})
}

func TestEngine_TransientScorerErrorIsRetried(t *testing.T) {
	scorer := testutil.NewScriptedScorer().
		FailWith(core.NewScorerError(core.KindTransient, "timeout", nil)).
		ScoreResponse("resp", 0.9)
	strategy := testutil.NewScriptedStrategy("probe one")

	eng := New(testutil.NewScriptedTarget("resp"), strategy, func(o *Options) {
		o.Scorer = scorer
		o.Config.Retry = fastRetry()
		o.Config.Termination = core.ScoreThreshold{Threshold: 0.8}
	})

	session, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StatusConverged, session.Status)
	assert.Equal(t, 2, scorer.CallCount())
}

func TestEngine_ExhaustsWhenStrategyRunsOut(t *testing.T) {
	strategy := testutil.NewScriptedStrategy("only one")

	eng := New(testutil.NewScriptedTarget("resp"), strategy, func(o *Options) {
		o.Config.MaxTurns = 5
		o.Config.Retry = fastRetry()
	})

	session, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StatusExhausted, session.Status)
	assert.Equal(t, core.ReasonStrategyExhausted, session.TerminationReason)
	assert.Equal(t, 1, session.TurnCount)
}

func TestEngine_ExhaustsAtTurnBudget(t *testing.T) {
	strategy := testutil.NewScriptedStrategy("p1", "p2", "p3", "p4")

	eng := New(testutil.NewScriptedTarget("resp"), strategy, func(o *Options) {
		o.Config.MaxTurns = 3
		o.Config.Retry = fastRetry()
	})

	session, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StatusExhausted, session.Status)
	assert.Equal(t, core.ReasonTurnBudgetReached, session.TerminationReason)
	assert.Equal(t, 3, session.TurnCount)
}

func TestEngine_CancelTakesEffectAtSuspensionPoint(t *testing.T) {
	store := memory.NewInMemoryStore()
	strategy := testutil.NewScriptedStrategy("p1", "p2", "p3")

	callbacks := NewCallbackManager()
	var eng *Engine
	callbacks.Register(NewFunctionCallback(CallbackOnTurn,
		func(ctx context.Context, cctx *CallbackContext) error {
			if cctx.Turn == 1 {
				eng.Cancel()
			}
			return nil
		},
	))

	eng = New(testutil.NewScriptedTarget("resp"), strategy, func(o *Options) {
		o.Store = store
		o.Callbacks = callbacks
		o.Config.MaxTurns = 5
		o.Config.Retry = fastRetry()
	})

	session, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, session.Status)
	assert.Equal(t, core.ReasonCancellationRequest, session.TerminationReason)
	assert.Equal(t, 1, session.TurnCount)

	// The completed turn stays persisted.
	path, perr := store.GetConversationPath(context.Background(), session.ConversationID)
	require.NoError(t, perr)
	assert.Len(t, path, 2)
}

func TestEngine_ContextCancellationEndsCancelled(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := New(testutil.NewScriptedTarget("resp"), testutil.NewScriptedStrategy("p1"), func(o *Options) {
		o.Store = store
	})

	session, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, session.Status)

	// Terminal state is persisted despite the dead context.
	saved, serr := store.GetSession(context.Background(), session.SessionID)
	require.NoError(t, serr)
	assert.Equal(t, core.StatusCancelled, saved.Status)
}

// ctxCheckedStore rejects any operation whose context is already dead,
// matching stores backed by database/sql.
type ctxCheckedStore struct {
	core.ConversationStore
}

func (s *ctxCheckedStore) AppendEntry(ctx context.Context, entry core.ConversationEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.ConversationStore.AppendEntry(ctx, entry)
}

func (s *ctxCheckedStore) AppendScore(ctx context.Context, score core.ScoreRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.ConversationStore.AppendScore(ctx, score)
}

func (s *ctxCheckedStore) SaveSession(ctx context.Context, session core.AttackSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ConversationStore.SaveSession(ctx, session)
}

// cancellingTarget cancels the run's context while its send is in flight,
// then answers successfully.
type cancellingTarget struct {
	cancel context.CancelFunc
}

func (t *cancellingTarget) Send(_ context.Context, _ string, _ []core.ConversationEntry) (string, error) {
	t.cancel()
	return "late response", nil
}

func TestEngine_CancellationDuringSendStillRecordsTurn(t *testing.T) {
	mem := memory.NewInMemoryStore()
	store := &ctxCheckedStore{ConversationStore: mem}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := New(&cancellingTarget{cancel: cancel}, testutil.NewScriptedStrategy("p1", "p2"), func(o *Options) {
		o.Store = store
		o.Config.Retry = fastRetry()
	})

	session, err := eng.Run(ctx)
	require.NoError(t, err)

	// The response was received, so the turn is recorded and the session
	// ends cancelled rather than failed.
	assert.Equal(t, core.StatusCancelled, session.Status)
	assert.Equal(t, core.ReasonCancellationRequest, session.TerminationReason)
	assert.Equal(t, 1, session.TurnCount)

	path, perr := mem.GetConversationPath(context.Background(), session.ConversationID)
	require.NoError(t, perr)
	require.Len(t, path, 2)
	assert.Equal(t, "p1", path[0].Content)
	assert.Equal(t, "late response", path[1].Content)

	saved, serr := mem.GetSession(context.Background(), session.SessionID)
	require.NoError(t, serr)
	assert.Equal(t, core.StatusCancelled, saved.Status)
}

func TestEngine_SessionSnapshotsDuringRun(t *testing.T) {
	strategy := testutil.NewScriptedStrategy("p1", "p2", "p3", "p4")
	scorer := testutil.NewScriptedScorer().ScoreResponse("resp", 0.1)

	eng := New(testutil.NewScriptedTarget("resp"), strategy, func(o *Options) {
		o.Scorer = scorer
		o.Config.MaxTurns = 4
		o.Config.Retry = fastRetry()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			snap, ok := eng.Session()
			if ok && snap.Terminal() {
				return
			}
			runtime.Gosched()
		}
	}()

	session, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.StatusExhausted, session.Status)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot poller never observed a terminal session")
	}
}

func TestEngine_RunOnTerminalEngineIsNoOp(t *testing.T) {
	target := testutil.NewScriptedTarget("resp")
	eng := New(target, testutil.NewScriptedStrategy("p1"), func(o *Options) {
		o.Config.Retry = fastRetry()
	})

	first, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.True(t, first.Terminal())
	callsAfterFirst := len(target.Calls())

	second, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.Status, second.Status)
	assert.Len(t, target.Calls(), callsAfterFirst)
}

func TestEngine_SessionStoreFailure(t *testing.T) {
	store := testutil.NewFlakyStore(memory.NewInMemoryStore())
	store.FailSaveSession(errors.New("disk full"))

	eng := New(testutil.NewScriptedTarget("resp"), testutil.NewScriptedStrategy("p1"), func(o *Options) {
		o.Store = store
	})

	session, err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.StatusFailed, session.Status)
	assert.Equal(t, core.ReasonSessionStoreFailure, session.TerminationReason)
}

func TestEngine_Callbacks(t *testing.T) {
	callbacks := NewCallbackManager()
	var turns []int
	var terminal *CallbackContext
	callbacks.Register(NewFunctionCallback(CallbackOnTurn,
		func(ctx context.Context, cctx *CallbackContext) error {
			turns = append(turns, cctx.Turn)
			return nil
		},
	))
	callbacks.Register(NewFunctionCallback(CallbackOnTerminal,
		func(ctx context.Context, cctx *CallbackContext) error {
			terminal = cctx
			return nil
		},
	))

	eng := New(testutil.NewScriptedTarget("resp"), testutil.NewScriptedStrategy("p1", "p2"), func(o *Options) {
		o.Callbacks = callbacks
		o.Config.MaxTurns = 2
		o.Config.Retry = fastRetry()
	})

	_, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, turns)
	require.NotNil(t, terminal)
	assert.Equal(t, core.StatusExhausted, terminal.Session.Status)
}

func TestEngine_LabelsAttachedToEntries(t *testing.T) {
	store := memory.NewInMemoryStore()

	eng := New(testutil.NewScriptedTarget("resp"), testutil.NewScriptedStrategy("p1"), func(o *Options) {
		o.Store = store
		o.Labels = map[string]string{"campaign": "nightly"}
		o.Config.Retry = fastRetry()
	})

	session, err := eng.Run(context.Background())
	require.NoError(t, err)

	entries, qerr := store.QueryByLabel(context.Background(), "campaign", "nightly")
	require.NoError(t, qerr)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, session.ConversationID, entry.ConversationID)
	}
}

func TestEngine_HarnessLoggerRecordsCapabilityCalls(t *testing.T) {
	var buf bytes.Buffer
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.LogLevelDebug
	cfg.Output = &buf
	cfg.AddSource = false
	logger := logging.NewLogger(cfg)

	scorer := testutil.NewScriptedScorer().ScoreResponse("resp", 0.3)
	eng := New(testutil.NewScriptedTarget("resp"), testutil.NewScriptedStrategy("p1"), func(o *Options) {
		o.Scorer = scorer
		o.Logger = logger
		o.Config.Retry = fastRetry()
	})

	_, err := eng.Run(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Target call completed")
	assert.Contains(t, out, "Scorer call completed")
	assert.Contains(t, out, "Turn completed")
	assert.Contains(t, out, "Operation completed")
}

func TestEngine_HarnessLoggerRecordsFailureStack(t *testing.T) {
	var buf bytes.Buffer
	cfg := logging.DefaultLoggerConfig()
	cfg.Output = &buf
	cfg.AddSource = false
	logger := logging.NewLogger(cfg)

	target := testutil.NewScriptedTarget().
		FailWith(core.NewTargetError(core.KindPermanent, "invalid api key", nil))
	eng := New(target, testutil.NewScriptedStrategy("p1"), func(o *Options) {
		o.Logger = logger
		o.Config.Retry = fastRetry()
	})

	_, err := eng.Run(context.Background())
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "Target call failed")
	assert.Contains(t, out, "stack_trace")
}

func TestEngine_SessionSnapshotAccessor(t *testing.T) {
	eng := New(testutil.NewScriptedTarget("resp"), testutil.NewScriptedStrategy("p1"))

	_, ok := eng.Session()
	assert.False(t, ok)

	_, err := eng.Run(context.Background())
	require.NoError(t, err)

	snap, ok := eng.Session()
	require.True(t, ok)
	assert.True(t, snap.Terminal())
}
