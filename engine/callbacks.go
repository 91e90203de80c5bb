package engine

import (
	"context"
	"fmt"

	"github.com/hupe1980/probemesh/core"
)

// CallbackType identifies the lifecycle point that triggers a callback.
//
// Callbacks hook into the orchestration loop without modifying engine logic.
// They run synchronously on the orchestration goroutine, so implementations
// should be fast and must not call back into the engine.
type CallbackType string

const (
	// CallbackOnTurn is triggered after a turn completes: both entries are
	// persisted and scoring (if any) has been attempted. Use for progress
	// reporting or live dashboards.
	CallbackOnTurn CallbackType = "on_turn"

	// CallbackOnTerminal is triggered once, when the session reaches a
	// terminal status. Use for result collection or cleanup.
	CallbackOnTerminal CallbackType = "on_terminal"

	// CallbackOnError is triggered when a capability call fails permanently.
	// The session transition to FAILED happens after the callback returns.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext carries the state a callback may inspect at its trigger
// point. Fields that do not apply to the trigger are zero-valued: Score is
// nil for unscored turns, Err is nil outside CallbackOnError.
type CallbackContext struct {
	// Session is a snapshot of the attack session at the trigger point.
	Session core.AttackSession

	// Turn is the 1-based number of the turn that just completed. Zero for
	// triggers that fire outside the turn loop.
	Turn int

	// Prompt and Response are the persisted entries of the completed turn.
	Prompt   *core.ConversationEntry
	Response *core.ConversationEntry

	// Score is the latest score of the turn, nil when scoring was skipped
	// or unavailable.
	Score *core.ScoreRecord

	// Err is the error that triggered CallbackOnError.
	Err error
}

// Callback is a hook into the orchestration lifecycle.
//
// A callback returning an error does not change the session outcome; the
// error is logged and the loop continues. Callbacks observe but do not
// steer; steering belongs to the termination policy.
type Callback interface {
	// Type returns the lifecycle point this callback handles.
	Type() CallbackType

	// Execute runs the callback with the trigger's context.
	Execute(ctx context.Context, cctx *CallbackContext) error
}

// FunctionCallback wraps a plain function as a Callback.
//
// Example:
//
//	progress := NewFunctionCallback(CallbackOnTurn,
//	    func(ctx context.Context, cctx *CallbackContext) error {
//	        fmt.Printf("turn %d done\n", cctx.Turn)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, cctx *CallbackContext) error
}

// NewFunctionCallback creates a function-based callback for the given
// lifecycle point.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, cctx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function.
func (c *FunctionCallback) Execute(ctx context.Context, cctx *CallbackContext) error {
	return c.fn(ctx, cctx)
}

// CallbackManager routes lifecycle triggers to registered callbacks.
//
// Callbacks for the same type run in registration order. The manager is not
// thread-safe for registration; register everything before the first Run.
type CallbackManager struct {
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// Register adds a callback for its declared type.
func (cm *CallbackManager) Register(callback Callback) {
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// Execute runs all callbacks registered for the given type in order,
// stopping at the first error.
func (cm *CallbackManager) Execute(
	ctx context.Context,
	callbackType CallbackType,
	cctx *CallbackContext,
) error {
	callbacks, exists := cm.callbacks[callbackType]
	if !exists {
		return nil
	}

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, cctx); err != nil {
			return fmt.Errorf("callback %s failed: %w", callbackType, err)
		}
	}

	return nil
}
