package model

import (
	"context"
	"fmt"
	"sync"
)

// Message is a single role-tagged chat message. Roles follow the common
// provider convention: "user" and "assistant" (system instructions travel in
// Request.System).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request captures the normalized model input produced by harness components.
type Request struct {
	// System carries instructions prepended to the conversation.
	System string `json:"system,omitempty"`
	// Messages is the conversation in chronological order.
	Messages []Message `json:"messages"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the complete completion returned by a model.
type Response struct {
	Content      string      `json:"content"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", etc.
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Model is the minimal interface required to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// Error is the normalized provider error carrying the HTTP status so callers
// can classify failures without importing provider SDKs.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying SDK error.
func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the error looks transient: request timeout, rate
// limiting or a server-side failure. A zero status (transport-level failure)
// is treated as transient.
func (e *Error) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408 || e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Canned completions are keyed by the last user message; scripted errors are
// consumed before any completion lookup. Safe for concurrent use.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	responses map[string]string
	errs      []error
	calls     []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: "mock"},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// FailWith queues an error returned by the next Generate call. Queue
// multiple errors to script retry scenarios.
func (m *MockModel) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// Calls returns the requests received so far.
func (m *MockModel) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]Request, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}

	var input string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			input = req.Messages[i].Content
			break
		}
	}
	full, ok := m.responses[input]
	if !ok {
		full = fmt.Sprintf("Mock response to: %s", input)
	}
	return &Response{Content: full, FinishReason: "stop"}, nil
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
