package execstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUninitializedStoreIsUnavailable(t *testing.T) {
	s := New()
	assert.False(t, s.Available())
	assert.Nil(t, s.GetState())
}

func TestStartExecutionAndAdvance(t *testing.T) {
	s := New()
	s.StartExecution([]string{"n1", "n2", "n3"})

	require.True(t, s.Available())
	state := s.GetState()
	require.NotNil(t, state)
	assert.True(t, state.IsExecuting)
	assert.Equal(t, 3, state.TotalNodes)
	assert.Equal(t, []string{"n1", "n2", "n3"}, state.NodeIDs)

	s.SetCurrentNode("n2", 1, 3)
	state = s.GetState()
	require.NotNil(t, state)
	assert.Equal(t, "n2", state.CurrentNode)
	assert.Equal(t, 1, state.CurrentIndex)
	assert.Nil(t, state.StepProgress)
}

func TestSetStepProgressResetsOnAdvance(t *testing.T) {
	s := New()
	s.StartExecution([]string{"n1", "n2"})
	s.SetCurrentNode("n1", 0, 2)
	s.SetStepProgress("n1", 5, 20, 25.0)

	state := s.GetState()
	require.NotNil(t, state.StepProgress)
	assert.Equal(t, 5, state.StepProgress.Current)
	assert.Equal(t, 20, state.StepProgress.Total)
	assert.Equal(t, 25.0, state.StepProgress.Percentage)

	s.SetCurrentNode("n2", 1, 2)
	state = s.GetState()
	assert.Nil(t, state.StepProgress)
}

func TestSetStepProgressIgnoredForStaleNode(t *testing.T) {
	s := New()
	s.StartExecution([]string{"n1", "n2"})
	s.SetCurrentNode("n1", 0, 2)
	s.SetCurrentNode("n2", 1, 2)

	// progress for a node that is no longer current must not apply.
	s.SetStepProgress("n1", 1, 1, 100.0)
	assert.Nil(t, s.GetState().StepProgress)
}

func TestCompleteExecutionClearsSlot(t *testing.T) {
	s := New()
	s.StartExecution([]string{"n1"})
	require.True(t, s.Available())

	s.CompleteExecution()
	assert.False(t, s.Available())
	assert.Nil(t, s.GetState())
}

func TestMutatorsAreNoOpsBeforeStart(t *testing.T) {
	s := New()
	s.SetCurrentNode("n1", 0, 1)
	s.SetStepProgress("n1", 1, 1, 100.0)
	s.CompleteExecution()
	assert.False(t, s.Available())
}
