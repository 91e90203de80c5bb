package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewAttackSession("conv-1")
	assert.Equal(t, StatusInitialized, s.Status)
	assert.False(t, s.Terminal())

	require.NoError(t, s.Start())
	assert.Equal(t, StatusRunning, s.Status)

	require.NoError(t, s.Converge(ReasonPolicySatisfied))
	assert.Equal(t, StatusConverged, s.Status)
	assert.True(t, s.Terminal())
	assert.NotNil(t, s.EndedAt)
}

func TestSessionSingleTerminalStatus(t *testing.T) {
	s := NewAttackSession("conv-1")
	require.NoError(t, s.Start())
	require.NoError(t, s.Fail(ReasonTargetUnavailable))

	// Once terminal, every further transition is rejected.
	assert.Error(t, s.Converge(ReasonPolicySatisfied))
	assert.Error(t, s.Exhaust(ReasonTurnBudgetReached))
	assert.Error(t, s.Cancel())
	assert.Error(t, s.Start())

	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, ReasonTargetUnavailable, s.TerminationReason)
}

func TestSessionCannotStartTwice(t *testing.T) {
	s := NewAttackSession("conv-1")
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
}

func TestSessionSnapshotIsIndependent(t *testing.T) {
	s := NewAttackSession("conv-1")
	require.NoError(t, s.Start())
	require.NoError(t, s.Cancel())

	snap := s.Snapshot()
	require.NotNil(t, snap.EndedAt)
	assert.NotSame(t, s.EndedAt, snap.EndedAt)
	assert.Equal(t, s.SessionID, snap.SessionID)
	assert.Equal(t, StatusCancelled, snap.Status)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusInitialized.Terminal())
	assert.False(t, StatusRunning.Terminal())
	for _, st := range []SessionStatus{StatusConverged, StatusExhausted, StatusFailed, StatusCancelled} {
		assert.True(t, st.Terminal(), string(st))
	}
}
