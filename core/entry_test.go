package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntry(t *testing.T) {
	e := NewEntry("conv-1", RoleAttacker, "hello", 3)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "conv-1", e.ConversationID)
	assert.Equal(t, RoleAttacker, e.Role)
	assert.Equal(t, "hello", e.Content)
	assert.Equal(t, 3, e.SequenceNumber)
	assert.True(t, e.IsRoot())
	assert.False(t, e.Timestamp.IsZero())

	other := NewEntry("conv-1", RoleAttacker, "hello", 3)
	assert.NotEqual(t, e.ID, other.ID)
}

func TestEntryWithLabelsCopies(t *testing.T) {
	labels := map[string]string{"experiment": "exp-7"}
	e := NewEntry("conv-1", RoleAttacker, "hello", 0).WithLabels(labels)

	labels["experiment"] = "mutated"
	assert.Equal(t, "exp-7", e.Labels["experiment"])
}

func TestEntryClone(t *testing.T) {
	e := NewEntry("conv-1", RoleTarget, "resp", 1).
		WithLabels(map[string]string{"k": "v"}).
		WithPayload(map[string]any{"encoded": "base64"})

	c := e.Clone()
	c.Labels["k"] = "changed"
	c.Payload["encoded"] = "changed"

	assert.Equal(t, "v", e.Labels["k"])
	assert.Equal(t, "base64", e.Payload["encoded"])
}

func TestScaleValue(t *testing.T) {
	assert.InDelta(t, 0.5, ScaleValue(3, 1, 5), 1e-9)
	assert.InDelta(t, 0.0, ScaleValue(1, 1, 5), 1e-9)
	assert.InDelta(t, 1.0, ScaleValue(5, 1, 5), 1e-9)
	assert.Zero(t, ScaleValue(3, 2, 2))
}

func TestScoreIsTrue(t *testing.T) {
	s := NewScore("entry-1", ScoreTypeTrueFalse, 1.0)
	require.Equal(t, "entry-1", s.EntryID)
	assert.True(t, s.IsTrue())

	assert.False(t, NewScore("entry-1", ScoreTypeTrueFalse, 0).IsTrue())
	assert.False(t, NewScore("entry-1", ScoreTypeFloatScale, 1.0).IsTrue())
}
