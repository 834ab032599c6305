// Package store holds the authoritative status of every workflow and step.
// It is the single source of truth consulted by the scheduler; all mutation
// goes through the transition operations, which enforce the step state
// machine and are safe under concurrent invocation.
//
// Three implementations are provided: in-memory (development and tests),
// Redis (shared deployments), and SQL via GORM (durable single-node
// deployments).
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/BaSui01/stepflow/types"
)

var (
	// ErrNotFound is returned when a workflow or step does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidInput is returned for nil or structurally invalid arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyExists is returned when creating a workflow whose ID is taken.
	ErrAlreadyExists = errors.New("workflow already exists")
)

// Filter selects workflows for listing.
type Filter struct {
	// Status keeps only workflows in one of these statuses. Empty means all.
	Status []types.WorkflowStatus `json:"status,omitempty"`

	// Name keeps only workflows with this exact name.
	Name string `json:"name,omitempty"`

	// Limit caps the number of results (0 = unlimited).
	Limit int `json:"limit,omitempty"`

	// Offset skips the first N results.
	Offset int `json:"offset,omitempty"`
}

// Matches reports whether the workflow passes the filter (ignoring paging).
func (f Filter) Matches(w *types.Workflow) bool {
	if f.Name != "" && w.Name != f.Name {
		return false
	}
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if w.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Stats is a read-only projection over the store, consumed by the health
// and metrics surfaces.
type Stats struct {
	TotalWorkflows   int64                            `json:"total_workflows"`
	ActiveWorkflows  int64                            `json:"active_workflows"`
	WorkflowStatuses map[types.WorkflowStatus]int64   `json:"workflow_statuses"`
	StepStatuses     map[types.StepStatus]int64       `json:"step_statuses"`
}

// Store is the concurrency-safe mapping from workflow ID to workflow state
// and from (workflow ID, step ID) to step state.
//
// TransitionStep enforces the step state machine; an illegal transition
// fails with an ILLEGAL_TRANSITION error and leaves the record untouched.
// Mutual exclusion is per store (at minimum per workflow): no two
// transitions for the same workflow ever interleave.
type Store interface {
	// Close releases the store's resources.
	Close() error

	// Ping checks whether the backing service is reachable.
	Ping(ctx context.Context) error

	// CreateWorkflow persists a new workflow with all of its steps.
	CreateWorkflow(ctx context.Context, w *types.Workflow) error

	// GetWorkflow returns a snapshot of the workflow and its steps.
	// The snapshot never aliases store-owned state.
	GetWorkflow(ctx context.Context, id string) (*types.Workflow, error)

	// ListWorkflows returns snapshots matching the filter, newest first.
	ListWorkflows(ctx context.Context, f Filter) ([]*types.Workflow, error)

	// UpdateWorkflowStatus transitions the workflow's lifecycle status.
	UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus) error

	// TransitionStep applies one step state transition, storing the result
	// on success transitions and the error message on failure transitions.
	TransitionStep(ctx context.Context, workflowID, stepID string,
		to types.StepStatus, result json.RawMessage, errMsg string) error

	// IncrementStepAttempts bumps the step's attempt counter and returns
	// the new value.
	IncrementStepAttempts(ctx context.Context, workflowID, stepID string) (int, error)

	// ListReadySteps returns snapshots of all Ready steps of the workflow
	// in declaration order.
	ListReadySteps(ctx context.Context, workflowID string) ([]*types.Step, error)

	// Stats returns aggregate counts across all workflows and steps.
	Stats(ctx context.Context) (*Stats, error)
}
