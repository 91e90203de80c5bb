package core

import (
	"errors"
	"fmt"
)

// ErrorKind distinguishes retryable capability failures from structural ones.
type ErrorKind string

const (
	// KindTransient marks an error that may succeed on retry (network blip,
	// rate limit, provider hiccup).
	KindTransient ErrorKind = "transient"
	// KindPermanent marks an error that will not succeed on retry
	// (authentication failure, malformed request).
	KindPermanent ErrorKind = "permanent"
)

// IntegrityError reports a referential or ordering violation in the
// conversation store. It always indicates a programming or concurrency bug,
// is never retried, and is surfaced immediately.
type IntegrityError struct {
	Op      string // store operation, e.g. "append_entry"
	Message string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation in %s: %s", e.Op, e.Message)
}

// NewIntegrityError creates an IntegrityError for the given store operation.
func NewIntegrityError(op, format string, args ...any) *IntegrityError {
	return &IntegrityError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// TargetError wraps a failure of the Target capability tagged with its kind.
type TargetError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *TargetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("target error (%s): %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("target error (%s): %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *TargetError) Unwrap() error { return e.Cause }

// NewTargetError creates a TargetError of the given kind wrapping cause.
func NewTargetError(kind ErrorKind, message string, cause error) *TargetError {
	return &TargetError{Kind: kind, Message: message, Cause: cause}
}

// ScorerError wraps a failure of the Scorer capability tagged with its kind.
type ScorerError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ScorerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("scorer error (%s): %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("scorer error (%s): %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *ScorerError) Unwrap() error { return e.Cause }

// NewScorerError creates a ScorerError of the given kind wrapping cause.
func NewScorerError(kind ErrorKind, message string, cause error) *ScorerError {
	return &ScorerError{Kind: kind, Message: message, Cause: cause}
}

// CoordinatorFatalError reports that a dependency shared by every session
// (the conversation store) is unusable, aborting a whole batch. It is the
// only error that propagates out of a batch run.
type CoordinatorFatalError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *CoordinatorFatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("coordinator fatal: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("coordinator fatal: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *CoordinatorFatalError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is a capability error tagged transient.
// Errors outside the taxonomy are treated as permanent for safety.
func IsTransient(err error) bool {
	var te *TargetError
	if errors.As(err, &te) {
		return te.Kind == KindTransient
	}
	var se *ScorerError
	if errors.As(err, &se) {
		return se.Kind == KindTransient
	}
	return false
}

// ErrNoMorePrompts is returned by an AttackerStrategy whose prompt supply is
// exhausted. The engine ends the session as exhausted, not failed.
var ErrNoMorePrompts = errors.New("attacker strategy has no more prompts")
