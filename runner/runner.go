package runner

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/probemesh/core"
	"github.com/hupe1980/probemesh/engine"
	"github.com/hupe1980/probemesh/logging"
	"github.com/hupe1980/probemesh/memory"
	"github.com/hupe1980/probemesh/strategy"
)

// Seed describes one orchestration of a batch: the starting prompt, the
// objective it is scored against and optional per-seed overrides.
type Seed struct {
	// Prompt is the seed prompt handed to the attacker strategy.
	Prompt string

	// Objective describes the attack goal; it is passed to the scorer as
	// grading context.
	Objective string

	// Labels are attached to every entry of this seed's conversation, in
	// addition to the batch-wide labels.
	Labels map[string]string

	// MaxTurns overrides the batch turn budget when > 0.
	MaxTurns int
}

// Result is the per-seed outcome of a batch run. Err is a non-fatal error
// descriptor carried alongside FAILED sessions; it never aborts the batch.
// Skipped marks seeds whose session was never started because cancellation
// or a fatal store outage was observed first.
type Result struct {
	Seed    Seed
	Session core.AttackSession
	Err     error
	Skipped bool
}

// Summary aggregates terminal statuses across a batch for reporting.
type Summary struct {
	Total     int
	Converged int
	Exhausted int
	Failed    int
	Cancelled int
	Skipped   int
}

// Summarize counts results per terminal status.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Skipped {
			s.Skipped++
			continue
		}
		switch r.Session.Status {
		case core.StatusConverged:
			s.Converged++
		case core.StatusExhausted:
			s.Exhausted++
		case core.StatusFailed:
			s.Failed++
		case core.StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// Concurrency is the ceiling on simultaneously running sessions.
	// Defaults to 4.
	Concurrency int

	// Config is the engine configuration shared by every seed (turn budget,
	// retry policy, termination policy).
	Config engine.Config

	// Store is the conversation store shared by all sessions. Defaults to
	// an in-memory store.
	Store core.ConversationStore

	// Scorer grades target responses. Optional.
	Scorer core.Scorer

	// Transformer feeds the default seed strategy's mutation set. Ignored
	// when NewStrategy is set.
	Transformer core.Transformer

	// NewStrategy builds the attacker strategy for a seed. Defaults to the
	// seed-and-mutations strategy over Transformer.
	NewStrategy func(seed Seed) core.AttackerStrategy

	// Labels are attached to every entry of the batch.
	Labels map[string]string

	// Logger provides structured logging. Defaults to NoOp.
	Logger logging.Logger
}

// Runner coordinates a batch of orchestrations against one target. Public
// methods are safe for concurrent use.
type Runner struct {
	target      core.Target
	store       core.ConversationStore
	scorer      core.Scorer
	config      engine.Config
	concurrency int
	newStrategy func(seed Seed) core.AttackerStrategy
	labels      map[string]string
	logger      logging.Logger

	mu        sync.Mutex
	engines   []*engine.Engine
	cancelled bool
	fatal     *core.CoordinatorFatalError
}

// New constructs a Runner for the given target with optional overrides.
func New(target core.Target, optFns ...func(o *Options)) *Runner {
	opts := Options{
		Concurrency: 4,
		Config:      engine.DefaultConfig,
		Store:       memory.NewInMemoryStore(),
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.NewStrategy == nil {
		transformer := opts.Transformer
		opts.NewStrategy = func(seed Seed) core.AttackerStrategy {
			return strategy.NewSeed(seed.Prompt, func(o *strategy.SeedOptions) {
				o.Transformer = transformer
			})
		}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Runner{
		target:      target,
		store:       opts.Store,
		scorer:      opts.Scorer,
		config:      opts.Config,
		concurrency: opts.Concurrency,
		newStrategy: opts.NewStrategy,
		labels:      opts.Labels,
		logger:      opts.Logger,
	}
}

// Cancel requests cancellation of the whole batch: no new sessions are
// started and every running engine is soft-cancelled, so in-flight
// capability calls finish and their turns are persisted before the sessions
// end CANCELLED.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	for _, eng := range r.engines {
		eng.Cancel()
	}
}

// RunBatch executes one orchestration per seed under the concurrency ceiling
// and returns one Result per seed, in seed order.
//
// Individual session failures are recorded on their Result and never abort
// siblings. The store being unreachable is the one batch-fatal condition: a
// pre-flight Ping failure aborts before any session starts, and a mid-batch
// outage (a session failing on store writes with Ping also failing) stops
// new sessions from being issued. In both cases the completed results are
// returned together with the *core.CoordinatorFatalError.
func (r *Runner) RunBatch(ctx context.Context, seeds []Seed) ([]Result, error) {
	if err := r.store.Ping(ctx); err != nil {
		return nil, &core.CoordinatorFatalError{Message: "conversation store unreachable", Cause: err}
	}

	log := r.logger
	if hl, ok := log.(*logging.HarnessLogger); ok {
		log = hl.WithComponent("runner")
	}
	log.Info("batch started seeds=%d concurrency=%d", len(seeds), r.concurrency)

	results := make([]Result, len(seeds))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, seed := range seeds {
		g.Go(func() error {
			if ctx.Err() != nil || r.stopIssuing() {
				results[i] = Result{Seed: seed, Skipped: true}
				return nil
			}

			eng := engine.New(r.target, r.newStrategy(seed), func(o *engine.Options) {
				o.Store = r.store
				o.Scorer = r.scorer
				o.Config = r.config
				if seed.MaxTurns > 0 {
					o.Config.MaxTurns = seed.MaxTurns
				}
				o.Objective = seed.Objective
				o.Labels = mergeLabels(r.labels, seed.Labels)
				o.Logger = r.logger
			})
			if !r.track(eng) {
				// Cancelled between the check above and registration.
				results[i] = Result{Seed: seed, Skipped: true}
				return nil
			}

			session, err := eng.Run(ctx)
			results[i] = Result{Seed: seed, Session: session, Err: err}

			if err != nil && session.TerminationReason == core.ReasonSessionStoreFailure {
				r.checkStore(context.WithoutCancel(ctx), log)
			}
			return nil
		})
	}

	_ = g.Wait()

	summary := Summarize(results)
	log.Info("batch finished total=%d converged=%d exhausted=%d failed=%d cancelled=%d skipped=%d",
		summary.Total, summary.Converged, summary.Exhausted, summary.Failed, summary.Cancelled, summary.Skipped)

	r.mu.Lock()
	fatal := r.fatal
	r.mu.Unlock()
	if fatal != nil {
		return results, fatal
	}
	return results, nil
}

// stopIssuing reports whether new sessions must not be started.
func (r *Runner) stopIssuing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled || r.fatal != nil
}

// track registers a running engine for batch cancellation. It refuses the
// registration when the batch is already cancelled or fatal.
func (r *Runner) track(eng *engine.Engine) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled || r.fatal != nil {
		return false
	}
	r.engines = append(r.engines, eng)
	return true
}

// checkStore probes the store after a session-level store failure. A failed
// probe marks the whole batch fatal; a healthy probe means the failure was
// that session's alone.
func (r *Runner) checkStore(ctx context.Context, log logging.Logger) {
	err := r.store.Ping(ctx)
	if err == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = &core.CoordinatorFatalError{Message: "conversation store unreachable", Cause: err}
		log.Error("store outage detected, aborting new sessions: %v", err)
	}
}

func mergeLabels(batch, seed map[string]string) map[string]string {
	if len(batch) == 0 && len(seed) == 0 {
		return nil
	}
	merged := make(map[string]string, len(batch)+len(seed))
	for k, v := range batch {
		merged[k] = v
	}
	for k, v := range seed {
		merged[k] = v
	}
	return merged
}

// IsFatal reports whether err is the batch-aborting coordinator error.
func IsFatal(err error) bool {
	var fatal *core.CoordinatorFatalError
	return errors.As(err, &fatal)
}
