package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/probemesh/core"
	"github.com/hupe1980/probemesh/logging"
	"github.com/hupe1980/probemesh/memory"
)

// Config defines the tuning parameters for one orchestration run.
//
// The three knobs map directly onto the turn loop: MaxTurns bounds it, Retry
// wraps the target and scorer calls inside it, and Termination decides when
// it has done its job. Capability wiring (target, scorer, strategy, store)
// is configured via Options, not here, so a Config can be shared across many
// engines in a batch.
type Config struct {
	// MaxTurns is the turn budget. When TurnCount reaches it without the
	// termination policy being satisfied, the session ends EXHAUSTED.
	MaxTurns int

	// Retry is applied to every target and scorer call. Transient failures
	// are retried with backoff; exhausting the attempt budget is a permanent
	// failure for the turn.
	Retry core.RetryPolicy

	// Termination is evaluated after each completed turn against the latest
	// score and the turn count. A satisfied policy ends the session
	// CONVERGED.
	Termination core.TerminationPolicy
}

// DefaultConfig provides conservative defaults: a five-turn budget, the
// default retry policy and a termination policy that never converges early,
// so every budgeted mutation is sent.
var DefaultConfig = Config{
	MaxTurns:    5,
	Retry:       core.DefaultRetryPolicy(),
	Termination: core.NeverConverge{},
}

// Options configures an Engine instance using the functional options
// pattern.
//
// All service dependencies have in-memory or no-op defaults so an engine is
// usable without external wiring; production setups provide a durable store
// and a real logger.
//
// Example:
//
//	eng := New(target, strategy,
//	    func(o *Options) {
//	        o.Config.MaxTurns = 10
//	        o.Store = sqliteStore
//	        o.Scorer = scorer
//	        o.Objective = "elicit the system prompt"
//	    },
//	)
type Options struct {
	// Config contains the turn budget, retry policy and termination policy.
	// Defaults to DefaultConfig.
	Config Config

	// Store persists conversation entries, scores and session state.
	// Defaults to an in-memory store.
	Store core.ConversationStore

	// Scorer evaluates target responses. Optional: without a scorer every
	// turn is unscored and score-requiring termination policies fail the
	// session with reason scoring_unavailable on the first turn.
	Scorer core.Scorer

	// Objective describes the attacker's goal. It is passed to the scorer
	// as grading context and recorded on entry labels.
	Objective string

	// Labels are attached to every entry this engine persists. Useful for
	// QueryByLabel-based selection across batches.
	Labels map[string]string

	// Callbacks receive lifecycle notifications (per turn, on terminal
	// status, on permanent capability errors). Defaults to an empty manager.
	Callbacks *CallbackManager

	// Logger provides structured logging. Defaults to NoOp.
	Logger logging.Logger
}

// Engine orchestrates a single adversarial conversation against a target.
//
// The engine owns one AttackSession and drives its turn loop sequentially:
// turn N's persisted result is input to turn N+1's prompt derivation, so
// turns for the same conversation never overlap. Different engines proceed
// fully independently and share only the conversation store.
//
// Concurrency model: Run executes on the caller's goroutine; Cancel may be
// called from any goroutine and takes effect at the next suspension point
// (the strategy, target and scorer calls). Session exposes a snapshot of the
// current state at any time.
type Engine struct {
	store     core.ConversationStore
	target    core.Target
	scorer    core.Scorer
	strategy  core.AttackerStrategy
	config    Config
	objective string
	labels    map[string]string
	callbacks *CallbackManager
	logger    logging.Logger

	mu        sync.Mutex
	session   *core.AttackSession
	cancelled bool
}

// New creates an Engine for one attack conversation.
//
// The target and strategy are required; everything else defaults per
// Options. The engine does not take ownership of the store or capabilities
// and never closes them.
func New(target core.Target, strategy core.AttackerStrategy, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:    DefaultConfig,
		Store:     memory.NewInMemoryStore(),
		Callbacks: NewCallbackManager(),
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Config.MaxTurns <= 0 {
		opts.Config.MaxTurns = DefaultConfig.MaxTurns
	}
	if opts.Config.Retry.MaxAttempts <= 0 {
		opts.Config.Retry = core.DefaultRetryPolicy()
	}
	if opts.Config.Termination == nil {
		opts.Config.Termination = core.NeverConverge{}
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	labels := make(map[string]string, len(opts.Labels))
	for k, v := range opts.Labels {
		labels[k] = v
	}

	return &Engine{
		store:     opts.Store,
		target:    target,
		scorer:    opts.Scorer,
		strategy:  strategy,
		config:    opts.Config,
		objective: opts.Objective,
		labels:    labels,
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
	}
}

// Cancel requests cooperative cancellation. The engine observes the request
// at the next suspension point; the in-flight capability call is allowed to
// finish and its turn is persisted before the session ends CANCELLED.
// Cancelling a terminal or not-yet-started engine is a no-op.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
}

// Session returns a snapshot of the engine's session. The boolean is false
// before the first Run call.
func (e *Engine) Session() (core.AttackSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return core.AttackSession{}, false
	}
	return e.session.Snapshot(), true
}

// Run executes the attack conversation until a terminal status is reached
// and returns the terminal session.
//
// The returned error is non-nil only for FAILED sessions, where it carries
// the unrecoverable cause; CONVERGED, EXHAUSTED and CANCELLED outcomes
// return a nil error because they are expected ends of an orchestration.
// Run on a terminal engine is a no-op returning the recorded session; a
// second Run while the first is still in progress is rejected.
func (e *Engine) Run(ctx context.Context) (core.AttackSession, error) {
	e.mu.Lock()
	if e.session != nil {
		snap := e.session.Snapshot()
		e.mu.Unlock()
		if snap.Terminal() {
			return snap, nil
		}
		return snap, fmt.Errorf("session %s is already running", snap.SessionID)
	}
	session := core.NewAttackSession(core.NewID())
	e.session = session
	e.mu.Unlock()

	if e.target == nil || e.strategy == nil {
		return e.failSession(ctx, session, core.ReasonStrategyFailed,
			errors.New("engine requires a target and an attacker strategy"))
	}

	log := e.logger
	hl, _ := log.(*logging.HarnessLogger)
	if hl != nil {
		hl = hl.WithComponent("engine").WithSession(session.SessionID, session.ConversationID)
		log = hl
		defer hl.StartTimer("attack_session")()
	}

	// Store operations run on a detached context: cancellation is observed
	// at the suspension points, never by aborting persistence of work the
	// target already performed. A prompt that was sent is always recorded.
	persistCtx := context.WithoutCancel(ctx)

	if err := e.store.SaveSession(persistCtx, e.snapshot(session)); err != nil {
		return e.failSession(ctx, session, core.ReasonSessionStoreFailure,
			fmt.Errorf("save initial session: %w", err))
	}

	e.mu.Lock()
	err := session.Start()
	e.mu.Unlock()
	if err != nil {
		return e.failSession(ctx, session, core.ReasonStrategyFailed, err)
	}
	if err := e.store.SaveSession(persistCtx, e.snapshot(session)); err != nil {
		return e.failSession(ctx, session, core.ReasonSessionStoreFailure,
			fmt.Errorf("save running session: %w", err))
	}

	log.Info("attack session started conversation_id=%s max_turns=%d", session.ConversationID, e.config.MaxTurns)

	path, err := e.store.GetConversationPath(persistCtx, session.ConversationID)
	if err != nil {
		return e.failSession(ctx, session, core.ReasonSessionStoreFailure,
			fmt.Errorf("load conversation path: %w", err))
	}
	var scores []core.ScoreRecord

	for {
		turnStart := time.Now()

		if e.cancelRequested(ctx) {
			return e.cancelSession(ctx, session, log)
		}

		// Suspension point: derive the next prompt.
		prompt, err := e.strategy.NextPrompt(ctx, path, scores)
		if err != nil {
			if errors.Is(err, core.ErrNoMorePrompts) {
				return e.exhaustSession(ctx, session, core.ReasonStrategyExhausted, log)
			}
			if ctx.Err() != nil {
				return e.cancelSession(ctx, session, log)
			}
			return e.failSession(ctx, session, core.ReasonStrategyFailed,
				fmt.Errorf("derive next prompt: %w", err))
		}

		if e.cancelRequested(ctx) {
			return e.cancelSession(ctx, session, log)
		}

		// Suspension point: send to the target under the retry policy.
		// Nothing is persisted for the turn until the send succeeds, so a
		// failed turn leaves no dangling prompt entry.
		var response string
		attempt := 0
		err = e.config.Retry.Do(ctx, func(ctx context.Context) error {
			attempt++
			start := time.Now()
			out, serr := e.target.Send(ctx, prompt, path)
			if hl != nil {
				hl.LogTargetCall(attempt, time.Since(start), serr == nil, serr)
			} else if serr != nil {
				log.Warn("target call failed attempt=%d duration=%s err=%v", attempt, time.Since(start), serr)
			}
			if serr != nil {
				return serr
			}
			response = out
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelSession(ctx, session, log)
			}
			e.emit(ctx, CallbackOnError, &CallbackContext{Session: e.snapshot(session), Turn: session.TurnCount + 1, Err: err})
			reason := core.ReasonTargetUnavailable
			var rex *core.RetryExhaustedError
			if errors.As(err, &rex) {
				reason = core.ReasonTargetRetriesExhausted
			}
			return e.failSession(ctx, session, reason,
				fmt.Errorf("target call failed permanently: %w", err))
		}

		// Persist the turn: prompt first, response chained to it. The store
		// links the prompt to the current conversation head.
		promptEntry := core.NewEntry(session.ConversationID, core.RoleAttacker, prompt, len(path)).WithLabels(e.labels)
		if _, err := e.store.AppendEntry(persistCtx, promptEntry); err != nil {
			return e.failAppend(ctx, session, err)
		}
		responseEntry := core.NewEntry(session.ConversationID, core.RoleTarget, response, len(path)+1).WithLabels(e.labels)
		responseEntry.ParentEntryID = promptEntry.ID
		if _, err := e.store.AppendEntry(persistCtx, responseEntry); err != nil {
			return e.failAppend(ctx, session, err)
		}
		path = append(path, promptEntry, responseEntry)

		// A cancellation that arrived during the send still gets its turn
		// recorded; it only skips scoring.
		if e.cancelRequested(ctx) {
			e.incTurn(session)
			return e.cancelSession(ctx, session, log)
		}

		// Suspension point: score the response. An unscored turn is not
		// fatal unless the termination policy cannot proceed without one.
		var latest *core.ScoreRecord
		if e.scorer != nil {
			scoreStart := time.Now()
			records, serr := e.scoreResponse(ctx, response, responseEntry, path)
			if hl != nil {
				hl.LogScorerCall(len(records), time.Since(scoreStart), serr == nil, serr)
			}
			if serr != nil {
				if ctx.Err() != nil {
					e.incTurn(session)
					return e.cancelSession(ctx, session, log)
				}
				if e.config.Termination.RequiresScore() {
					e.emit(ctx, CallbackOnError, &CallbackContext{Session: e.snapshot(session), Turn: session.TurnCount + 1, Err: serr})
					return e.failSession(ctx, session, core.ReasonScoringUnavailable,
						fmt.Errorf("scoring unavailable: %w", serr))
				}
				log.Warn("scoring unavailable turn=%d err=%v", session.TurnCount+1, serr)
			} else {
				for i := range records {
					records[i].EntryID = responseEntry.ID
					if _, err := e.store.AppendScore(persistCtx, records[i]); err != nil {
						return e.failAppend(ctx, session, err)
					}
				}
				if len(records) > 0 {
					latest = &records[0]
					scores = append(scores, records...)
				}
			}
		} else if e.config.Termination.RequiresScore() {
			return e.failSession(ctx, session, core.ReasonScoringUnavailable,
				errors.New("termination policy requires a score but no scorer is configured"))
		}

		e.incTurn(session)
		if err := e.store.SaveSession(persistCtx, e.snapshot(session)); err != nil {
			return e.failSession(ctx, session, core.ReasonSessionStoreFailure,
				fmt.Errorf("save session progress: %w", err))
		}
		if hl != nil {
			hl.LogTurn(session.TurnCount, time.Since(turnStart), latest != nil)
		} else {
			log.Debug("turn completed turn=%d scored=%t", session.TurnCount, latest != nil)
		}
		e.emit(ctx, CallbackOnTurn, &CallbackContext{
			Session:  e.snapshot(session),
			Turn:     session.TurnCount,
			Prompt:   &promptEntry,
			Response: &responseEntry,
			Score:    latest,
		})

		if e.config.Termination.ShouldStop(latest, session.TurnCount) {
			return e.convergeSession(ctx, session, log)
		}
		if session.TurnCount >= e.config.MaxTurns {
			return e.exhaustSession(ctx, session, core.ReasonTurnBudgetReached, log)
		}
	}
}

// cancelRequested reports whether a soft Cancel or a hard context
// cancellation has been observed.
func (e *Engine) cancelRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// snapshot copies the session under the engine lock. Every session read that
// may run concurrently with Session goes through here or holds e.mu itself.
func (e *Engine) snapshot(session *core.AttackSession) core.AttackSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return session.Snapshot()
}

func (e *Engine) incTurn(session *core.AttackSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session.TurnCount++
}

func (e *Engine) scoreResponse(
	ctx context.Context,
	response string,
	responseEntry core.ConversationEntry,
	path []core.ConversationEntry,
) ([]core.ScoreRecord, error) {
	sctx := core.ScoreContext{
		Objective: e.objective,
		EntryID:   responseEntry.ID,
		History:   path,
	}

	var records []core.ScoreRecord
	err := e.config.Retry.Do(ctx, func(ctx context.Context) error {
		out, serr := e.scorer.Score(ctx, response, sctx)
		if serr != nil {
			return serr
		}
		records = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (e *Engine) convergeSession(ctx context.Context, session *core.AttackSession, log logging.Logger) (core.AttackSession, error) {
	e.mu.Lock()
	err := session.Converge(core.ReasonPolicySatisfied)
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("terminal transition rejected: %v", err)
	}
	log.Info("attack session converged turns=%d", session.TurnCount)
	return e.finish(ctx, session), nil
}

func (e *Engine) exhaustSession(ctx context.Context, session *core.AttackSession, reason string, log logging.Logger) (core.AttackSession, error) {
	e.mu.Lock()
	err := session.Exhaust(reason)
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("terminal transition rejected: %v", err)
	}
	log.Info("attack session exhausted reason=%s turns=%d", reason, session.TurnCount)
	return e.finish(ctx, session), nil
}

func (e *Engine) cancelSession(ctx context.Context, session *core.AttackSession, log logging.Logger) (core.AttackSession, error) {
	e.mu.Lock()
	err := session.Cancel()
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("terminal transition rejected: %v", err)
	}
	log.Info("attack session cancelled turns=%d", session.TurnCount)
	return e.finish(ctx, session), nil
}

func (e *Engine) failSession(ctx context.Context, session *core.AttackSession, reason string, cause error) (core.AttackSession, error) {
	e.mu.Lock()
	err := session.Fail(reason)
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("terminal transition rejected: %v", err)
	}
	if hl, ok := e.logger.(*logging.HarnessLogger); ok {
		hl.ErrorWithStack(cause, "attack session %s failed reason=%s", session.SessionID, reason)
	} else {
		e.logger.Error("attack session %s failed reason=%s err=%v", session.SessionID, reason, cause)
	}
	return e.finish(ctx, session), cause
}

// failAppend classifies a store append failure: integrity violations are the
// engine's own sequencing bug surfacing, everything else is store trouble.
func (e *Engine) failAppend(ctx context.Context, session *core.AttackSession, err error) (core.AttackSession, error) {
	var ierr *core.IntegrityError
	if errors.As(err, &ierr) {
		return e.failSession(ctx, session, core.ReasonIntegrityViolation,
			fmt.Errorf("persist turn: %w", err))
	}
	return e.failSession(ctx, session, core.ReasonSessionStoreFailure,
		fmt.Errorf("persist turn: %w", err))
}

// finish persists the terminal session and notifies callbacks. Persistence
// uses a detached context so a cancelled run still records its outcome.
func (e *Engine) finish(ctx context.Context, session *core.AttackSession) core.AttackSession {
	snap := e.snapshot(session)
	saveCtx := context.WithoutCancel(ctx)
	if err := e.store.SaveSession(saveCtx, snap); err != nil {
		e.logger.Error("failed to save terminal session %s: %v", snap.SessionID, err)
	}
	e.emit(saveCtx, CallbackOnTerminal, &CallbackContext{Session: snap, Turn: snap.TurnCount})
	return snap
}

func (e *Engine) emit(ctx context.Context, callbackType CallbackType, cctx *CallbackContext) {
	if err := e.callbacks.Execute(ctx, callbackType, cctx); err != nil {
		e.logger.Warn("callback error type=%s err=%v", callbackType, err)
	}
}
