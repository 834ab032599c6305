package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowStatus_IsTerminal(t *testing.T) {
	t.Parallel()
	assert.False(t, WorkflowCreated.IsTerminal())
	assert.False(t, WorkflowRunning.IsTerminal())
	assert.True(t, WorkflowCompleted.IsTerminal())
	assert.True(t, WorkflowFailed.IsTerminal())
	assert.True(t, WorkflowCancelled.IsTerminal())
}

func TestStepStatus_IsTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []StepStatus{StepSucceeded, StepFailed, StepSkipped, StepCancelled} {
		assert.True(t, s.IsTerminal(), string(s))
		assert.False(t, s.IsRunnable(), string(s))
	}
	for _, s := range []StepStatus{StepPending, StepReady, StepRunning} {
		assert.False(t, s.IsTerminal(), string(s))
		assert.True(t, s.IsRunnable(), string(s))
	}
}

func TestValidateStepTransition_Legal(t *testing.T) {
	t.Parallel()
	legal := [][2]StepStatus{
		{StepPending, StepReady},
		{StepPending, StepSkipped},
		{StepPending, StepCancelled},
		{StepReady, StepRunning},
		{StepReady, StepCancelled},
		{StepRunning, StepSucceeded},
		{StepRunning, StepReady}, // retry re-queue
		{StepRunning, StepFailed},
		{StepRunning, StepCancelled},
	}
	for _, tr := range legal {
		assert.NoError(t, ValidateStepTransition(tr[0], tr[1]),
			"%s -> %s should be legal", tr[0], tr[1])
	}
}

func TestValidateStepTransition_Illegal(t *testing.T) {
	t.Parallel()
	illegal := [][2]StepStatus{
		{StepSucceeded, StepPending},
		{StepSucceeded, StepRunning},
		{StepFailed, StepReady},
		{StepSkipped, StepRunning},
		{StepCancelled, StepReady},
		{StepPending, StepRunning},   // must pass through Ready
		{StepPending, StepSucceeded}, // must actually run
		{StepReady, StepSkipped},     // ready implies all deps succeeded
		{StepReady, StepFailed},
	}
	for _, tr := range illegal {
		err := ValidateStepTransition(tr[0], tr[1])
		require.Error(t, err, "%s -> %s should be illegal", tr[0], tr[1])
		assert.Equal(t, ErrIllegalTransition, GetErrorCode(err))
	}
}

func TestTransitions_TerminalStatesHaveNoExits(t *testing.T) {
	t.Parallel()
	all := []StepStatus{StepPending, StepReady, StepRunning,
		StepSucceeded, StepFailed, StepSkipped, StepCancelled}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.Error(t, ValidateStepTransition(from, to),
				"terminal %s must not transition to %s", from, to)
		}
	}
}
