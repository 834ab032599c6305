package scheduler

import (
	"time"

	"github.com/BaSui01/stepflow/types"
)

// EventType discriminates scheduler event payloads.
type EventType string

const (
	EventWorkflowStatus EventType = "workflow_status"
	EventStepStatus     EventType = "step_status"
)

// Event is a state-change notification emitted by the scheduler. Events are
// advisory: delivery is best effort and the store remains the source of truth.
type Event struct {
	Type       EventType            `json:"type"`
	WorkflowID string               `json:"workflow_id"`
	StepID     string               `json:"step_id,omitempty"`
	Agent      string               `json:"agent,omitempty"`
	Workflow   types.WorkflowStatus `json:"workflow_status,omitempty"`
	Step       types.StepStatus     `json:"step_status,omitempty"`
	Attempt    int                  `json:"attempt,omitempty"`
	Duration   time.Duration        `json:"duration,omitempty"`
	Error      string               `json:"error,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Notifier receives scheduler events. Publish must not block: slow consumers
// have to buffer or drop on their side.
type Notifier interface {
	Publish(Event)
}

// nopNotifier is used when no notifier is configured.
type nopNotifier struct{}

func (nopNotifier) Publish(Event) {}

func (s *Scheduler) emitWorkflow(workflowID string, status types.WorkflowStatus, duration time.Duration) {
	s.notifier.Publish(Event{
		Type:       EventWorkflowStatus,
		WorkflowID: workflowID,
		Workflow:   status,
		Duration:   duration,
		Timestamp:  time.Now(),
	})
}

func (s *Scheduler) emitStep(workflowID, stepID, agentName string, status types.StepStatus,
	attempt int, duration time.Duration, errMsg string) {

	s.notifier.Publish(Event{
		Type:       EventStepStatus,
		WorkflowID: workflowID,
		StepID:     stepID,
		Agent:      agentName,
		Step:       status,
		Attempt:    attempt,
		Duration:   duration,
		Error:      errMsg,
		Timestamp:  time.Now(),
	})
}
