package core

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of an AttackSession.
type SessionStatus string

const (
	// StatusInitialized marks a session that has been constructed but whose
	// turn loop has not started yet.
	StatusInitialized SessionStatus = "initialized"
	// StatusRunning marks a session whose turn loop is in progress.
	StatusRunning SessionStatus = "running"
	// StatusConverged marks a session stopped by its termination policy.
	StatusConverged SessionStatus = "converged"
	// StatusExhausted marks a session that ran out of turn budget or prompts.
	StatusExhausted SessionStatus = "exhausted"
	// StatusFailed marks a session ended by an unrecoverable error.
	StatusFailed SessionStatus = "failed"
	// StatusCancelled marks a session stopped by caller request.
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusConverged, StatusExhausted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Well-known termination reasons recorded on terminal sessions.
const (
	ReasonPolicySatisfied     = "termination_policy_satisfied"
	ReasonTurnBudgetReached   = "turn_budget_reached"
	ReasonStrategyExhausted   = "strategy_exhausted"
	ReasonScoringUnavailable  = "scoring_unavailable"
	ReasonCancellationRequest = "cancellation_requested"
	ReasonTargetUnavailable   = "target_unavailable"
	// ReasonTargetRetriesExhausted marks a turn whose target call stayed
	// transient through every permitted retry attempt.
	ReasonTargetRetriesExhausted = "target_retries_exhausted"
	ReasonIntegrityViolation     = "integrity_violation"
	ReasonStrategyFailed         = "strategy_failed"
	ReasonSessionStoreFailure    = "session_store_failure"
)

// AttackSession is the state owned by one orchestration run: the current
// conversation head, the number of completed turns and a one-way lifecycle.
// A session reaches exactly one terminal status and never re-enters running;
// the transition methods enforce this.
//
// The struct is a plain record: mutation is owned by the single orchestration
// goroutine driving the session (the engine serializes Run and Cancel), and
// stores persist value snapshots of it.
type AttackSession struct {
	SessionID         string        `json:"session_id"`
	ConversationID    string        `json:"conversation_id"`
	TurnCount         int           `json:"turn_count"`
	Status            SessionStatus `json:"status"`
	TerminationReason string        `json:"termination_reason,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
}

// NewAttackSession creates an initialized session bound to a conversation.
func NewAttackSession(conversationID string) *AttackSession {
	return &AttackSession{
		SessionID:      NewID(),
		ConversationID: conversationID,
		Status:         StatusInitialized,
		StartedAt:      time.Now().UTC(),
	}
}

// Start transitions the session from initialized to running. Starting a
// session twice or after a terminal status is a programming error.
func (s *AttackSession) Start() error {
	if s.Status != StatusInitialized {
		return fmt.Errorf("cannot start session %s in status %s", s.SessionID, s.Status)
	}
	s.Status = StatusRunning
	return nil
}

// Converge ends the session because the termination policy was satisfied.
func (s *AttackSession) Converge(reason string) error { return s.finish(StatusConverged, reason) }

// Exhaust ends the session because the turn budget (or the strategy's prompt
// supply) ran out.
func (s *AttackSession) Exhaust(reason string) error { return s.finish(StatusExhausted, reason) }

// Fail ends the session with an unrecoverable error description.
func (s *AttackSession) Fail(reason string) error { return s.finish(StatusFailed, reason) }

// Cancel ends the session by caller request. Partially persisted turns stay
// in the store; the session itself ends cancelled, not failed.
func (s *AttackSession) Cancel() error { return s.finish(StatusCancelled, ReasonCancellationRequest) }

func (s *AttackSession) finish(status SessionStatus, reason string) error {
	if s.Status.Terminal() {
		return fmt.Errorf("session %s already terminal (%s), cannot transition to %s", s.SessionID, s.Status, status)
	}
	now := time.Now().UTC()
	s.Status = status
	s.TerminationReason = reason
	s.EndedAt = &now
	return nil
}

// Terminal reports whether the session reached a terminal status.
func (s *AttackSession) Terminal() bool { return s.Status.Terminal() }

// Snapshot returns a value copy of the session suitable for persistence or
// reporting.
func (s *AttackSession) Snapshot() AttackSession {
	snap := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		snap.EndedAt = &ended
	}
	return snap
}
