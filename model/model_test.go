package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockModel_Generate(t *testing.T) {
	t.Run("canned response", func(t *testing.T) {
		m := NewMockModel("test-model")
		m.AddResponse("hello", "hi there")

		resp, err := m.Generate(context.Background(), Request{
			Messages: []Message{{Role: "user", Content: "hello"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "hi there", resp.Content)
		assert.Equal(t, "stop", resp.FinishReason)
	})

	t.Run("default response for unknown prompt", func(t *testing.T) {
		m := NewMockModel("test-model")

		resp, err := m.Generate(context.Background(), Request{
			Messages: []Message{{Role: "user", Content: "unknown"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "Mock response to: unknown", resp.Content)
	})

	t.Run("keyed by last user message", func(t *testing.T) {
		m := NewMockModel("test-model")
		m.AddResponse("second", "matched")

		resp, err := m.Generate(context.Background(), Request{
			Messages: []Message{
				{Role: "user", Content: "first"},
				{Role: "assistant", Content: "reply"},
				{Role: "user", Content: "second"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "matched", resp.Content)
	})

	t.Run("scripted errors consumed in order", func(t *testing.T) {
		m := NewMockModel("test-model")
		m.AddResponse("hello", "hi there")
		m.FailWith(&Error{Provider: "mock", StatusCode: 429, Message: "rate limited"})

		_, err := m.Generate(context.Background(), Request{
			Messages: []Message{{Role: "user", Content: "hello"}},
		})
		require.Error(t, err)

		var merr *Error
		require.True(t, errors.As(err, &merr))
		assert.Equal(t, 429, merr.StatusCode)

		resp, err := m.Generate(context.Background(), Request{
			Messages: []Message{{Role: "user", Content: "hello"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "hi there", resp.Content)
	})

	t.Run("records calls", func(t *testing.T) {
		m := NewMockModel("test-model")

		_, err := m.Generate(context.Background(), Request{
			System:   "be helpful",
			Messages: []Message{{Role: "user", Content: "hello"}},
		})
		require.NoError(t, err)

		calls := m.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "be helpful", calls[0].System)
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		m := NewMockModel("test-model")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := m.Generate(ctx, Request{Messages: []Message{{Role: "user", Content: "hello"}}})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"transport failure", 0, true},
		{"request timeout", 408, true},
		{"rate limited", 429, true},
		{"server error", 500, true},
		{"bad gateway", 502, true},
		{"bad request", 400, false},
		{"unauthorized", 401, false},
		{"not found", 404, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &Error{Provider: "test", StatusCode: tt.status, Message: "boom"}
			assert.Equal(t, tt.retryable, err.Retryable())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &Error{Provider: "test", Message: "request failed", Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "request failed")

	withStatus := &Error{Provider: "test", StatusCode: 503, Message: "unavailable"}
	assert.Contains(t, withStatus.Error(), "status 503")
}
