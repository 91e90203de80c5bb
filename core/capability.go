package core

import "context"

// Transformer mutates a prompt into zero or more adversarial variants.
// Implementations are pure with respect to harness state: the same prompt may
// be transformed concurrently by many orchestrations. Concrete mutation
// algorithms (encoding, translation, paraphrase) live outside this module;
// the engine treats the output as opaque text.
type Transformer interface {
	Transform(ctx context.Context, prompt string) ([]string, error)
}

// Target sends a prompt (with the conversation history accumulated so far)
// to the system under test and returns its response. Failures must be
// reported as *TargetError so the retry policy can classify them.
type Target interface {
	Send(ctx context.Context, prompt string, history []ConversationEntry) (string, error)
}

// ScoreContext carries the surrounding state a scorer may need: the attack
// objective, the entry under evaluation and the conversation path leading to
// it.
type ScoreContext struct {
	// Objective is the attacker's goal description the response is judged
	// against (the "task" in grader parlance).
	Objective string
	// EntryID identifies the response entry being scored, when known.
	EntryID string
	// History is the conversation path up to and including the response.
	History []ConversationEntry
}

// Scorer evaluates a target response and returns one or more structured
// scores. Returned records need not carry EntryID; the engine assigns it
// before persisting. Failures must be reported as *ScorerError.
type Scorer interface {
	Score(ctx context.Context, response string, sctx ScoreContext) ([]ScoreRecord, error)
}

// AttackerStrategy produces the next prompt to send given the accumulated
// conversation path and the scores gathered so far. Adaptive strategies may
// consult a red-team model; precomputed strategies replay transformer
// output. Return ErrNoMorePrompts when the supply is exhausted.
type AttackerStrategy interface {
	NextPrompt(ctx context.Context, path []ConversationEntry, scores []ScoreRecord) (string, error)
}
