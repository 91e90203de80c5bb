// Package engine implements the single-conversation attack orchestration
// state machine. An Engine drives one adversarial dialogue against a target:
// each turn it derives the next prompt from the attacker strategy, sends it
// to the target under the retry policy, persists the prompt and response
// entries to the conversation store, scores the response, and evaluates the
// termination policy against the latest score and turn count.
//
// Sessions move INITIALIZED → RUNNING → one of {CONVERGED, EXHAUSTED,
// FAILED, CANCELLED}; all four terminal states are final. Cancellation is
// cooperative: Cancel marks the session and the engine observes the mark at
// the next suspension point (the external capability calls), so an in-flight
// target call finishes and its turn is persisted before the session ends
// cancelled.
//
// Engines are single-use: Run on a terminal engine is a no-op returning the
// recorded session. Batch execution across many seeds is the runner
// package's job.
package engine
