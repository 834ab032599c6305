package types

import (
	"encoding/json"
	"time"
)

// StepSpec is the caller-supplied specification of a single step.
type StepSpec struct {
	// ID is the step identifier, unique within the workflow.
	ID string `json:"id"`

	// Agent is the capability name that will execute the step's task.
	Agent string `json:"agent"`

	// Task is the opaque payload handed to the agent. The engine never
	// interprets its contents.
	Task json.RawMessage `json:"task,omitempty"`

	// Dependencies lists step IDs that must succeed before this step runs.
	Dependencies []string `json:"dependencies,omitempty"`
}

// WorkflowSpec is the caller-supplied specification of a workflow.
type WorkflowSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Priority is a cross-workflow scheduling hint. It never affects
	// ordering inside one workflow's graph.
	Priority int `json:"priority,omitempty"`

	// Steps in declaration order. Declaration order is the deterministic
	// tie-break when more steps are ready than the concurrency budget admits.
	Steps []StepSpec `json:"steps"`
}

// Step is the persistent execution record of one workflow step.
type Step struct {
	ID           string          `json:"id"`
	Agent        string          `json:"agent"`
	Task         json.RawMessage `json:"task,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`

	// Index is the zero-based declaration position within the workflow.
	Index int `json:"index"`

	Status StepStatus `json:"status"`

	// Attempts counts execution attempts so far, bounded by the retry limit.
	Attempts int `json:"attempts"`

	// Result is the opaque agent output, set only on success.
	Result json.RawMessage `json:"result,omitempty"`

	// Error holds the last failure message, kept across retries so a
	// Failed step is always visible with its final error.
	Error string `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	c := *s
	c.Dependencies = append([]string(nil), s.Dependencies...)
	c.Task = append(json.RawMessage(nil), s.Task...)
	c.Result = append(json.RawMessage(nil), s.Result...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Workflow is the persistent record of a workflow and its steps.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	Status      WorkflowStatus `json:"status"`

	// Steps in declaration order.
	Steps []*Step `json:"steps"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (w *Workflow) Step(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Clone returns a deep copy of the workflow, so snapshots handed to callers
// never alias scheduler-owned state.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		c.Steps[i] = s.Clone()
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		c.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// TerminalStatus derives the workflow's terminal status from its step
// statuses. It must only be called once no step is pending, ready, or
// running.
//
//   - Completed: every step succeeded or was skipped, with at least one
//     success. A zero-step workflow is also Completed.
//   - Cancelled: at least one step was cancelled and none failed.
//   - Failed: at least one step failed.
func (w *Workflow) TerminalStatus() WorkflowStatus {
	if len(w.Steps) == 0 {
		return WorkflowCompleted
	}
	var succeeded, failed, cancelled int
	for _, s := range w.Steps {
		switch s.Status {
		case StepSucceeded:
			succeeded++
		case StepFailed:
			failed++
		case StepCancelled:
			cancelled++
		}
	}
	switch {
	case failed > 0:
		return WorkflowFailed
	case cancelled > 0:
		return WorkflowCancelled
	case succeeded > 0:
		return WorkflowCompleted
	default:
		// All skipped without a failure cannot happen in a valid graph;
		// treat it as failed so the anomaly is visible.
		return WorkflowFailed
	}
}
