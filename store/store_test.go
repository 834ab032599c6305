package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/types"
)

// newTestWorkflow builds a three-step linear workflow fixture in the state
// the scheduler would persist it: roots Ready, the rest Pending.
func newTestWorkflow(id string) *types.Workflow {
	return &types.Workflow{
		ID:        id,
		Name:      "nightly-report",
		Priority:  1,
		Status:    types.WorkflowCreated,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Steps: []*types.Step{
			{
				ID: "retrieve", Agent: "data_retrieval", Index: 0,
				Task:   json.RawMessage(`{"source":"database"}`),
				Status: types.StepReady,
			},
			{
				ID: "analyze", Agent: "reasoning", Index: 1,
				Dependencies: []string{"retrieve"},
				Status:       types.StepPending,
			},
			{
				ID: "report", Agent: "execution", Index: 2,
				Dependencies: []string{"analyze"},
				Status:       types.StepPending,
			},
		},
	}
}

// runStoreConformance exercises the Store contract shared by every backend.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		w := newTestWorkflow("wf-1")
		require.NoError(t, s.CreateWorkflow(ctx, w))

		got, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "nightly-report", got.Name)
		assert.Equal(t, types.WorkflowCreated, got.Status)
		require.Len(t, got.Steps, 3)
		assert.Equal(t, "retrieve", got.Steps[0].ID)
		assert.JSONEq(t, `{"source":"database"}`, string(got.Steps[0].Task))
		assert.Equal(t, []string{"analyze"}, got.Steps[2].Dependencies)
	})

	t.Run("create duplicate fails", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateWorkflow(ctx, newTestWorkflow("wf-1")))
		assert.ErrorIs(t, s.CreateWorkflow(ctx, newTestWorkflow("wf-1")), ErrAlreadyExists)
	})

	t.Run("get missing fails", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetWorkflow(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid input rejected", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.CreateWorkflow(ctx, nil), ErrInvalidInput)
		assert.ErrorIs(t, s.CreateWorkflow(ctx, &types.Workflow{}), ErrInvalidInput)
	})

	t.Run("list with status filter and paging", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"wf-a", "wf-b", "wf-c"} {
			w := newTestWorkflow(id)
			w.CreatedAt = w.CreatedAt.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.CreateWorkflow(ctx, w))
		}
		require.NoError(t, s.UpdateWorkflowStatus(ctx, "wf-b", types.WorkflowRunning))

		running, err := s.ListWorkflows(ctx, Filter{Status: []types.WorkflowStatus{types.WorkflowRunning}})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "wf-b", running[0].ID)

		all, err := s.ListWorkflows(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		// Newest first.
		assert.Equal(t, "wf-c", all[0].ID)

		paged, err := s.ListWorkflows(ctx, Filter{Offset: 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, "wf-b", paged[0].ID)
	})

	t.Run("workflow status timestamps", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateWorkflow(ctx, newTestWorkflow("wf-1")))

		require.NoError(t, s.UpdateWorkflowStatus(ctx, "wf-1", types.WorkflowRunning))
		w, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, types.WorkflowRunning, w.Status)
		require.NotNil(t, w.StartedAt)
		assert.Nil(t, w.CompletedAt)

		require.NoError(t, s.UpdateWorkflowStatus(ctx, "wf-1", types.WorkflowCompleted))
		w, err = s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, types.WorkflowCompleted, w.Status)
		require.NotNil(t, w.CompletedAt)

		assert.ErrorIs(t, s.UpdateWorkflowStatus(ctx, "absent", types.WorkflowRunning), ErrNotFound)
	})

	t.Run("step transition lifecycle", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateWorkflow(ctx, newTestWorkflow("wf-1")))

		require.NoError(t, s.TransitionStep(ctx, "wf-1", "retrieve", types.StepRunning, nil, ""))
		w, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		step := w.Step("retrieve")
		assert.Equal(t, types.StepRunning, step.Status)
		require.NotNil(t, step.StartedAt)
		assert.Nil(t, step.CompletedAt)

		result := json.RawMessage(`{"rows":42}`)
		require.NoError(t, s.TransitionStep(ctx, "wf-1", "retrieve", types.StepSucceeded, result, ""))
		w, err = s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		step = w.Step("retrieve")
		assert.Equal(t, types.StepSucceeded, step.Status)
		assert.JSONEq(t, `{"rows":42}`, string(step.Result))
		require.NotNil(t, step.CompletedAt)
	})

	t.Run("step retry keeps error and clears completion", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateWorkflow(ctx, newTestWorkflow("wf-1")))

		require.NoError(t, s.TransitionStep(ctx, "wf-1", "retrieve", types.StepRunning, nil, ""))
		require.NoError(t, s.TransitionStep(ctx, "wf-1", "retrieve", types.StepReady, nil, "connection reset"))

		w, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		step := w.Step("retrieve")
		assert.Equal(t, types.StepReady, step.Status)
		assert.Equal(t, "connection reset", step.Error)
		assert.Nil(t, step.CompletedAt)
		// StartedAt from the first attempt survives.
		assert.NotNil(t, step.StartedAt)
	})

	t.Run("illegal transition leaves record untouched", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateWorkflow(ctx, newTestWorkflow("wf-1")))

		// Pending -> Running skips Ready and must be rejected.
		err := s.TransitionStep(ctx, "wf-1", "analyze", types.StepRunning, nil, "")
		require.Error(t, err)
		assert.Equal(t, types.ErrIllegalTransition, types.GetErrorCode(err))

		w, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, types.StepPending, w.Step("analyze").Status)
	})

	t.Run("transition on missing step fails", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateWorkflow(ctx, newTestWorkflow("wf-1")))
		assert.ErrorIs(t, s.TransitionStep(ctx, "wf-1", "ghost", types.StepRunning, nil, ""), ErrNotFound)
		assert.ErrorIs(t, s.TransitionStep(ctx, "absent", "retrieve", types.StepRunning, nil, ""), ErrNotFound)
	})

	t.Run("increment attempts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateWorkflow(ctx, newTestWorkflow("wf-1")))

		n, err := s.IncrementStepAttempts(ctx, "wf-1", "retrieve")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.IncrementStepAttempts(ctx, "wf-1", "retrieve")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.IncrementStepAttempts(ctx, "wf-1", "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list ready steps in declaration order", func(t *testing.T) {
		s := newStore(t)
		w := newTestWorkflow("wf-1")
		// Two independent roots, both ready.
		w.Steps[1].Dependencies = nil
		w.Steps[1].Status = types.StepReady
		require.NoError(t, s.CreateWorkflow(ctx, w))

		ready, err := s.ListReadySteps(ctx, "wf-1")
		require.NoError(t, err)
		require.Len(t, ready, 2)
		assert.Equal(t, "retrieve", ready[0].ID)
		assert.Equal(t, "analyze", ready[1].ID)

		_, err = s.ListReadySteps(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stats", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateWorkflow(ctx, newTestWorkflow("wf-1")))
		require.NoError(t, s.CreateWorkflow(ctx, newTestWorkflow("wf-2")))
		require.NoError(t, s.UpdateWorkflowStatus(ctx, "wf-2", types.WorkflowRunning))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.TotalWorkflows)
		assert.Equal(t, int64(1), stats.ActiveWorkflows)
		assert.Equal(t, int64(1), stats.WorkflowStatuses[types.WorkflowCreated])
		assert.Equal(t, int64(1), stats.WorkflowStatuses[types.WorkflowRunning])
		assert.Equal(t, int64(2), stats.StepStatuses[types.StepReady])
		assert.Equal(t, int64(4), stats.StepStatuses[types.StepPending])
	})
}
