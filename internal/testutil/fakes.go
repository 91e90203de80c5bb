package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/probemesh/core"
)

// ScriptedTarget replays a scripted sequence of outcomes, one per Send call.
// Each step is either a response or an error; steps are consumed in order
// and the final response repeats once the script runs out. Safe for
// concurrent use.
type ScriptedTarget struct {
	mu    sync.Mutex
	steps []targetStep
	pos   int
	calls []string
}

type targetStep struct {
	response string
	err      error
}

// NewScriptedTarget creates a target that answers every prompt with the
// given responses in order.
func NewScriptedTarget(responses ...string) *ScriptedTarget {
	t := &ScriptedTarget{}
	for _, r := range responses {
		t.steps = append(t.steps, targetStep{response: r})
	}
	return t
}

// Respond appends a successful step (chainable).
func (t *ScriptedTarget) Respond(response string) *ScriptedTarget {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, targetStep{response: response})
	return t
}

// FailWith appends a failing step (chainable). Use core.NewTargetError to
// control transient/permanent classification.
func (t *ScriptedTarget) FailWith(err error) *ScriptedTarget {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, targetStep{err: err})
	return t
}

// Calls returns the prompts received so far.
func (t *ScriptedTarget) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make([]string, len(t.calls))
	copy(calls, t.calls)
	return calls
}

// Send implements core.Target.
func (t *ScriptedTarget) Send(ctx context.Context, prompt string, _ []core.ConversationEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, prompt)

	if len(t.steps) == 0 {
		return "ok", nil
	}
	step := t.steps[t.pos]
	if t.pos < len(t.steps)-1 {
		t.pos++
	}
	if step.err != nil {
		return "", step.err
	}
	return step.response, nil
}

// ScriptedScorer scores responses from a fixed table keyed by response text,
// optionally preceded by scripted errors. Unknown responses score 0.0.
type ScriptedScorer struct {
	mu     sync.Mutex
	values map[string]float64
	errs   []error
	calls  int
}

// NewScriptedScorer creates a scorer with an empty score table.
func NewScriptedScorer() *ScriptedScorer {
	return &ScriptedScorer{values: map[string]float64{}}
}

// ScoreResponse registers the value returned for a response text (chainable).
func (s *ScriptedScorer) ScoreResponse(response string, value float64) *ScriptedScorer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[response] = value
	return s
}

// FailWith queues an error consumed before any score lookup (chainable).
// Use core.NewScorerError to control classification.
func (s *ScriptedScorer) FailWith(err error) *ScriptedScorer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	return s
}

// CallCount returns the number of Score invocations so far.
func (s *ScriptedScorer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Score implements core.Scorer.
func (s *ScriptedScorer) Score(ctx context.Context, response string, sctx core.ScoreContext) ([]core.ScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}

	record := core.NewScore(sctx.EntryID, core.ScoreTypeFloatScale, s.values[response])
	record.ScorerID = "scripted"
	return []core.ScoreRecord{record}, nil
}

// ScriptedStrategy hands out a fixed list of prompts, then
// core.ErrNoMorePrompts.
type ScriptedStrategy struct {
	mu      sync.Mutex
	prompts []string
	pos     int
}

// NewScriptedStrategy creates a strategy that yields the given prompts in
// order.
func NewScriptedStrategy(prompts ...string) *ScriptedStrategy {
	return &ScriptedStrategy{prompts: prompts}
}

// NextPrompt implements core.AttackerStrategy.
func (s *ScriptedStrategy) NextPrompt(ctx context.Context, _ []core.ConversationEntry, _ []core.ScoreRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.prompts) {
		return "", core.ErrNoMorePrompts
	}
	prompt := s.prompts[s.pos]
	s.pos++
	return prompt, nil
}

// FlakyStore wraps a ConversationStore and injects failures on demand. Used
// to simulate store outages for coordinator fatal-error tests.
type FlakyStore struct {
	core.ConversationStore

	mu        sync.Mutex
	pingErr   error
	saveErr   error
	appendErr error
}

// NewFlakyStore wraps an inner store with no failures armed.
func NewFlakyStore(inner core.ConversationStore) *FlakyStore {
	return &FlakyStore{ConversationStore: inner}
}

// FailPing arms (or with nil disarms) the Ping failure.
func (s *FlakyStore) FailPing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// FailSaveSession arms (or with nil disarms) the SaveSession failure.
func (s *FlakyStore) FailSaveSession(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

// FailAppendEntry arms (or with nil disarms) the AppendEntry failure.
func (s *FlakyStore) FailAppendEntry(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// Ping implements core.ConversationStore.
func (s *FlakyStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	err := s.pingErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.ConversationStore.Ping(ctx)
}

// SaveSession implements core.ConversationStore.
func (s *FlakyStore) SaveSession(ctx context.Context, session core.AttackSession) error {
	s.mu.Lock()
	err := s.saveErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.ConversationStore.SaveSession(ctx, session)
}

// AppendEntry implements core.ConversationStore.
func (s *FlakyStore) AppendEntry(ctx context.Context, entry core.ConversationEntry) (string, error) {
	s.mu.Lock()
	err := s.appendErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.ConversationStore.AppendEntry(ctx, entry)
}
