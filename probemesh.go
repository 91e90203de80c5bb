// Package probemesh provides a high-level façade over the orchestration
// engine and service abstractions (conversation store, scoring & logging)
// enabling rapid construction of robustness-testing harnesses for
// conversational model endpoints. Most applications interact with this
// package by:
//  1. Creating a Harness via New() (optionally overriding the default
//     in-memory store and no-op logger)
//  2. Probing a target once (RunSingle) with an attacker strategy, or
//     running a batch of seed prompts concurrently (RunBatch)
//
// The façade delegates single-session orchestration to engine.Engine and
// batch coordination to runner.Runner while keeping setup and usage
// ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply the SQLite store and a
// structured logger.
package probemesh

import (
	"context"

	"github.com/hupe1980/probemesh/config"
	"github.com/hupe1980/probemesh/core"
	"github.com/hupe1980/probemesh/engine"
	"github.com/hupe1980/probemesh/logging"
	"github.com/hupe1980/probemesh/memory"
	"github.com/hupe1980/probemesh/runner"
)

// Options configures the Harness instance.
type Options struct {
	// Engine configuration shared by every session (turn budget, retry
	// policy, termination policy).
	EngineConfig engine.Config

	// Concurrency limits the number of sessions a batch runs
	// simultaneously. This bounds load on the target endpoint and
	// provides backpressure. Defaults to 4.
	Concurrency int

	// Store holds conversation trees, scores and session records.
	// Defaults to an in-memory implementation.
	Store core.ConversationStore

	// Scorer grades target responses. Sessions run unscored when nil,
	// unless the termination policy requires scores.
	Scorer core.Scorer

	// Transformer mutates seed prompts for the default batch strategy.
	Transformer core.Transformer

	// Labels are attached to every conversation entry the harness writes.
	Labels map[string]string

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Harness is the high-level façade aggregating the engine, the batch runner
// and the shared conversation store.
type Harness struct {
	opts       Options
	closeStore func() error
}

// New creates a new Harness with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Harness {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Concurrency:  4,
		Store:        memory.NewInMemoryStore(),
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Store == nil {
		opts.Store = memory.NewInMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Harness{opts: opts}
}

// NewFromConfig creates a Harness from a loaded configuration file: the
// configured store backend, retry policy, batch limits and logger. The
// caller must Close the harness to release the store.
func NewFromConfig(cfg *config.Config, optFns ...func(o *Options)) (*Harness, error) {
	store, closeFn, err := cfg.OpenStore()
	if err != nil {
		return nil, err
	}

	h := New(func(o *Options) {
		o.EngineConfig = engine.Config{
			MaxTurns: cfg.Batch.MaxTurns,
			Retry:    cfg.Retry.ToPolicy(),
		}
		o.Concurrency = cfg.Batch.Concurrency
		o.Store = store
		o.Logger = loggerFromConfig(cfg.Logging)

		for _, fn := range optFns {
			fn(o)
		}
	})
	h.closeStore = closeFn

	return h, nil
}

// Close releases resources held by the harness, such as the SQLite store
// opened by NewFromConfig. It is a no-op for in-memory harnesses.
func (h *Harness) Close() error {
	if h.closeStore == nil {
		return nil
	}
	return h.closeStore()
}

// Store returns the conversation store shared by all sessions, for
// inspecting conversation paths and scores after a run.
func (h *Harness) Store() core.ConversationStore {
	return h.opts.Store
}

// RunSingle orchestrates one session of the strategy against the target and
// returns the terminal session record. A non-nil error is returned only when
// the session failed; converged, exhausted and cancelled sessions are
// ordinary outcomes.
func (h *Harness) RunSingle(ctx context.Context, target core.Target, strategy core.AttackerStrategy, objective string) (core.AttackSession, error) {
	eng := engine.New(target, strategy, func(o *engine.Options) {
		o.Config = h.opts.EngineConfig
		o.Store = h.opts.Store
		o.Scorer = h.opts.Scorer
		o.Objective = objective
		o.Labels = h.opts.Labels
		o.Logger = h.opts.Logger
	})

	return eng.Run(ctx)
}

// RunBatch runs every seed as an isolated session against the target under
// the harness concurrency ceiling. Results are returned in seed order; a
// store outage surfaces as a core.CoordinatorFatalError alongside the
// results completed so far.
func (h *Harness) RunBatch(ctx context.Context, target core.Target, seeds []runner.Seed) ([]runner.Result, error) {
	r := runner.New(target, func(o *runner.Options) {
		o.Concurrency = h.opts.Concurrency
		o.Config = h.opts.EngineConfig
		o.Store = h.opts.Store
		o.Scorer = h.opts.Scorer
		o.Transformer = h.opts.Transformer
		o.Labels = h.opts.Labels
		o.Logger = h.opts.Logger
	})

	return r.RunBatch(ctx, seeds)
}

func loggerFromConfig(cfg config.LoggingConfig) logging.Logger {
	level := logging.LogLevelInfo
	switch cfg.Level {
	case "debug":
		level = logging.LogLevelDebug
	case "warn":
		level = logging.LogLevelWarn
	case "error":
		level = logging.LogLevelError
	}

	format := cfg.Format
	if format == "" {
		format = "text"
	}

	return logging.NewSlogLogger(level, format, false)
}
