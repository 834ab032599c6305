package types

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	// WorkflowCreated indicates the workflow is persisted but not yet started.
	WorkflowCreated WorkflowStatus = "created"

	// WorkflowRunning indicates the scheduler is driving the workflow.
	WorkflowRunning WorkflowStatus = "running"

	// WorkflowCompleted indicates every step succeeded or was skipped,
	// with at least one success.
	WorkflowCompleted WorkflowStatus = "completed"

	// WorkflowFailed indicates at least one step failed and no step
	// remains runnable.
	WorkflowFailed WorkflowStatus = "failed"

	// WorkflowCancelled indicates the workflow was cancelled before reaching
	// a natural terminal state.
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal returns true if no further workflow status change is legal.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// StepStatus represents the execution state of a single step.
type StepStatus string

const (
	// StepPending indicates the step is waiting for its dependencies.
	StepPending StepStatus = "pending"

	// StepReady indicates every dependency has succeeded and the step is
	// eligible for dispatch.
	StepReady StepStatus = "ready"

	// StepRunning indicates the step's task has been handed to its agent.
	StepRunning StepStatus = "running"

	// StepSucceeded indicates the agent returned a result.
	StepSucceeded StepStatus = "succeeded"

	// StepFailed indicates the step exhausted its retry budget.
	StepFailed StepStatus = "failed"

	// StepSkipped indicates at least one dependency failed or was skipped,
	// so the step will never run.
	StepSkipped StepStatus = "skipped"

	// StepCancelled indicates the workflow was cancelled while the step was
	// non-terminal. Treated as a skip variant for workflow accounting.
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if no further step status change is legal.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// IsRunnable returns true for statuses that keep a workflow non-terminal.
func (s StepStatus) IsRunnable() bool {
	switch s {
	case StepPending, StepReady, StepRunning:
		return true
	default:
		return false
	}
}

// stepTransitions is the legal step state machine:
//
//	Pending -> Ready (deps satisfied) | Skipped (dep failed/skipped) | Cancelled
//	Ready   -> Running (dispatched) | Cancelled
//	Running -> Succeeded | Ready (retryable failure) | Failed | Cancelled
//
// Succeeded, Failed, Skipped, and Cancelled are terminal.
var stepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {StepReady: true, StepSkipped: true, StepCancelled: true},
	StepReady:   {StepRunning: true, StepCancelled: true},
	StepRunning: {StepSucceeded: true, StepReady: true, StepFailed: true, StepCancelled: true},
}

// ValidateStepTransition reports whether from -> to is a legal step
// transition. Returns an ILLEGAL_TRANSITION error otherwise; the caller
// decides whether that is fatal (it is, except for late results arriving
// after cancellation, which the scheduler discards).
func ValidateStepTransition(from, to StepStatus) error {
	if stepTransitions[from][to] {
		return nil
	}
	return NewError(ErrIllegalTransition,
		"illegal step transition "+string(from)+" -> "+string(to))
}
