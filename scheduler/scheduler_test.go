package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/agent"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

// fastConfig keeps retries fast enough for tests.
func fastConfig() Config {
	return Config{
		MaxConcurrentSteps: 5,
		MaxRetries:         3,
		RetryBackoffBase:   time.Millisecond,
		RetryBackoffMax:    10 * time.Millisecond,
		StepTimeout:        time.Second,
	}
}

// seedWorkflow persists a workflow built from the specs, all steps pending.
func seedWorkflow(t *testing.T, st store.Store, id string, specs []types.StepSpec) {
	t.Helper()
	steps := make([]*types.Step, len(specs))
	for i, spec := range specs {
		steps[i] = &types.Step{
			ID:           spec.ID,
			Agent:        spec.Agent,
			Task:         spec.Task,
			Dependencies: spec.Dependencies,
			Index:        i,
			Status:       types.StepPending,
		}
	}
	wf := &types.Workflow{
		ID:        id,
		Name:      "test-" + id,
		Status:    types.WorkflowCreated,
		Steps:     steps,
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateWorkflow(context.Background(), wf))
}

func spec(id, agentName string, deps ...string) types.StepSpec {
	return types.StepSpec{ID: id, Agent: agentName, Dependencies: deps}
}

func okAgent(result string) agent.Invoker {
	return agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	})
}

// ---------------------------------------------------------------------------
// Happy paths
// ---------------------------------------------------------------------------

func TestRun_LinearWorkflow(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)
	agent.RegisterBuiltins(reg, 0)
	s := New(st, reg, fastConfig(), nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{
		spec("retrieve", agent.CapabilityDataRetrieval),
		spec("analyze", agent.CapabilityReasoning, "retrieve"),
		spec("report", agent.CapabilityExecution, "analyze"),
	})

	final, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)

	for _, stepID := range []string{"retrieve", "analyze", "report"} {
		step := final.Step(stepID)
		assert.Equal(t, types.StepSucceeded, step.Status, stepID)
		assert.Equal(t, 1, step.Attempts, stepID)
		assert.NotEmpty(t, step.Result, stepID)
	}
}

func TestRun_EmptyWorkflowCompletesImmediately(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	s := New(st, agent.NewRegistry(nil), fastConfig(), nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", nil)

	final, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, final.Status)
}

func TestRun_DiamondJoinWaitsForBothBranches(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)

	var mu sync.Mutex
	var order []string
	record := func(id string) agent.Invoker {
		return agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return json.RawMessage(`{}`), nil
		})
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		reg.Register(id, record(id))
	}

	s := New(st, reg, fastConfig(), nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{
		spec("a", "a"),
		spec("b", "b", "a"),
		spec("c", "c", "a"),
		spec("d", "d", "b", "c"),
	})

	final, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, final.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3])
}

// ---------------------------------------------------------------------------
// Concurrency budget
// ---------------------------------------------------------------------------

func TestRun_BudgetOneSerializesIndependentSteps(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)

	var current, peak atomic.Int32
	var mu sync.Mutex
	var order []string
	tracked := func(id string) agent.Invoker {
		return agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return json.RawMessage(`{}`), nil
		})
	}
	reg.Register("first", tracked("first"))
	reg.Register("second", tracked("second"))

	cfg := fastConfig()
	cfg.MaxConcurrentSteps = 1
	s := New(st, reg, cfg, nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{
		spec("first", "first"),
		spec("second", "second"),
	})

	final, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, final.Status)
	assert.Equal(t, int32(1), peak.Load())
	// Declaration order is the tie-break for simultaneously ready steps.
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRun_BudgetBoundsParallelism(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)

	var current, peak atomic.Int32
	reg.Register("work", agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return json.RawMessage(`{}`), nil
	}))

	cfg := fastConfig()
	cfg.MaxConcurrentSteps = 2
	s := New(st, reg, cfg, nil)
	defer s.Close()

	var specs []types.StepSpec
	for i := 0; i < 8; i++ {
		specs = append(specs, spec(fmt.Sprintf("s%d", i), "work"))
	}
	seedWorkflow(t, st, "wf-1", specs)

	final, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, final.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

// ---------------------------------------------------------------------------
// Retry and failure cascade
// ---------------------------------------------------------------------------

func TestRun_RetryThenSucceed(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)

	var calls atomic.Int32
	reg.Register("flaky", agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient failure")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}))

	s := New(st, reg, fastConfig(), nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{spec("only", "flaky")})

	final, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, final.Status)

	step := final.Step("only")
	assert.Equal(t, types.StepSucceeded, step.Status)
	assert.Equal(t, 3, step.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(step.Result))
}

func TestRun_RetriesExhaustedCascadesSkip(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)
	reg.Register("broken", agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("always fails")
	}))
	reg.Register("never", agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
		t.Error("dependent step must not run")
		return nil, nil
	}))

	cfg := fastConfig()
	cfg.MaxRetries = 2
	s := New(st, reg, cfg, nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{
		spec("root", "broken"),
		spec("mid", "never", "root"),
		spec("leaf", "never", "mid"),
	})

	final, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowFailed, final.Status)

	root := final.Step("root")
	assert.Equal(t, types.StepFailed, root.Status)
	assert.Equal(t, 2, root.Attempts)
	assert.Contains(t, root.Error, "always fails")

	for _, id := range []string{"mid", "leaf"} {
		step := final.Step(id)
		assert.Equal(t, types.StepSkipped, step.Status, id)
		assert.Equal(t, 0, step.Attempts, id)
		assert.Contains(t, step.Error, "failed")
	}
}

func TestRun_NonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)
	reg.Register("fatal", agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
		return nil, types.NewError(types.ErrAgentExecution, "schema violation").WithRetryable(false)
	}))

	s := New(st, reg, fastConfig(), nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{spec("only", "fatal")})

	final, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowFailed, final.Status)
	assert.Equal(t, 1, final.Step("only").Attempts)
}

func TestRun_UnknownAgentFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	s := New(st, agent.NewRegistry(nil), fastConfig(), nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{
		spec("root", "missing"),
		spec("leaf", "missing", "root"),
	})

	final, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowFailed, final.Status)

	root := final.Step("root")
	assert.Equal(t, types.StepFailed, root.Status)
	assert.Equal(t, 1, root.Attempts)
	assert.Contains(t, root.Error, "unknown agent")
	assert.Equal(t, types.StepSkipped, final.Step("leaf").Status)
}

func TestRun_BackoffDelaysRetry(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)

	var mu sync.Mutex
	var stamps []time.Time
	reg.Register("flaky", agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		n := len(stamps)
		mu.Unlock()
		if n < 2 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{}`), nil
	}))

	cfg := fastConfig()
	cfg.RetryBackoffBase = 50 * time.Millisecond
	cfg.RetryBackoffMax = time.Second
	s := New(st, reg, cfg, nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{spec("only", "flaky")})

	_, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 2)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 50*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Timeouts and cancellation
// ---------------------------------------------------------------------------

func TestRun_StepTimeoutRetriesThenFails(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)
	reg.Register("hang", agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	cfg := fastConfig()
	cfg.StepTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 2
	s := New(st, reg, cfg, nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{spec("only", "hang")})

	final, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowFailed, final.Status)

	step := final.Step("only")
	assert.Equal(t, types.StepFailed, step.Status)
	assert.Equal(t, 2, step.Attempts)
	assert.Contains(t, step.Error, "timed out")
}

func TestRun_CancellationStopsWorkflow(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)

	started := make(chan struct{})
	var once sync.Once
	reg.Register("slow", agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	s := New(st, reg, fastConfig(), nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{
		spec("running", "slow"),
		spec("waiting", "slow", "running"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	final, err := s.Run(ctx, "wf-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCancelled, types.GetErrorCode(err))
	require.NotNil(t, final)
	assert.Equal(t, types.WorkflowCancelled, final.Status)
	assert.Equal(t, types.StepCancelled, final.Step("running").Status)
	assert.Equal(t, types.StepCancelled, final.Step("waiting").Status)
}

func TestRun_WorkflowTimeout(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)
	reg.Register("slow", agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	cfg := fastConfig()
	cfg.WorkflowTimeout = 20 * time.Millisecond
	s := New(st, reg, cfg, nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{spec("only", "slow")})

	final, err := s.Run(context.Background(), "wf-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrWorkflowTimeout, types.GetErrorCode(err))
	// The deadline, not the user, stopped the run: the workflow is Failed
	// while the interrupted steps end Cancelled.
	assert.Equal(t, types.WorkflowFailed, final.Status)
	assert.Equal(t, types.StepCancelled, final.Step("only").Status)
}

// ---------------------------------------------------------------------------
// Store failures
// ---------------------------------------------------------------------------

// faultyStore rejects the transition into the given status with an internal
// error, simulating a store outage mid-run.
type faultyStore struct {
	store.Store
	failOn types.StepStatus
}

func (f *faultyStore) TransitionStep(ctx context.Context, workflowID, stepID string,
	to types.StepStatus, result json.RawMessage, errMsg string) error {
	if to == f.failOn {
		return types.NewError(types.ErrInternal, "store unavailable")
	}
	return f.Store.TransitionStep(ctx, workflowID, stepID, to, result, errMsg)
}

func TestRun_StoreFailureMarksWorkflowFailed(t *testing.T) {
	t.Parallel()
	mem := store.NewMemoryStore(nil)
	st := &faultyStore{Store: mem, failOn: types.StepSucceeded}
	reg := agent.NewRegistry(nil)
	reg.Register("ok", okAgent(`{}`))
	s := New(st, reg, fastConfig(), nil)
	defer s.Close()

	seedWorkflow(t, mem, "wf-1", []types.StepSpec{spec("only", "ok")})

	_, err := s.Run(context.Background(), "wf-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrInternal, types.GetErrorCode(err))

	// The workflow must not be stranded in Running: a later Run sees a
	// terminal workflow instead of tripping the already-running guard.
	wf, err := mem.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowFailed, wf.Status)

	again, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowFailed, again.Status)
}

// ---------------------------------------------------------------------------
// Run preconditions
// ---------------------------------------------------------------------------

func TestRun_UnknownWorkflow(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	s := New(st, agent.NewRegistry(nil), fastConfig(), nil)
	defer s.Close()

	_, err := s.Run(context.Background(), "absent")
	require.Error(t, err)
	assert.Equal(t, types.ErrWorkflowNotFound, types.GetErrorCode(err))
}

func TestRun_AlreadyRunning(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	s := New(st, agent.NewRegistry(nil), fastConfig(), nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{spec("only", "x")})
	require.NoError(t, st.UpdateWorkflowStatus(context.Background(), "wf-1", types.WorkflowRunning))

	_, err := s.Run(context.Background(), "wf-1")
	require.Error(t, err)
	assert.Equal(t, types.ErrAlreadyRunning, types.GetErrorCode(err))
}

func TestRun_TerminalWorkflowIsIdempotent(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)
	reg.Register("ok", okAgent(`{}`))
	s := New(st, reg, fastConfig(), nil)
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{spec("only", "ok")})

	first, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Equal(t, types.WorkflowCompleted, first.Status)

	second, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, second.Status)
	assert.Equal(t, 1, second.Step("only").Attempts)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

type captureNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureNotifier) Publish(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureNotifier) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)
	reg.Register("ok", okAgent(`{}`))

	sink := &captureNotifier{}
	s := New(st, reg, fastConfig(), nil, WithNotifier(sink))
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{spec("only", "ok")})

	_, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)

	events := sink.snapshot()
	var stepStatuses []types.StepStatus
	var wfStatuses []types.WorkflowStatus
	for _, e := range events {
		switch e.Type {
		case EventStepStatus:
			stepStatuses = append(stepStatuses, e.Step)
		case EventWorkflowStatus:
			wfStatuses = append(wfStatuses, e.Workflow)
		}
	}
	assert.Equal(t, []types.StepStatus{types.StepReady, types.StepRunning, types.StepSucceeded}, stepStatuses)
	assert.Equal(t, []types.WorkflowStatus{types.WorkflowRunning, types.WorkflowCompleted}, wfStatuses)
}

func TestRun_EventsCarryAttemptAgentAndDuration(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(nil)
	reg := agent.NewRegistry(nil)

	var calls atomic.Int32
	reg.Register("flaky", agent.InvokerFunc(func(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
		time.Sleep(2 * time.Millisecond)
		if calls.Add(1) < 2 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{}`), nil
	}))

	sink := &captureNotifier{}
	s := New(st, reg, fastConfig(), nil, WithNotifier(sink))
	defer s.Close()

	seedWorkflow(t, st, "wf-1", []types.StepSpec{spec("only", "flaky")})

	_, err := s.Run(context.Background(), "wf-1")
	require.NoError(t, err)

	var running, retries, succeeded []Event
	var terminal *Event
	for _, e := range sink.snapshot() {
		switch {
		case e.Type == EventStepStatus && e.Step == types.StepRunning:
			running = append(running, e)
		case e.Type == EventStepStatus && e.Step == types.StepReady && e.Error != "":
			retries = append(retries, e)
		case e.Type == EventStepStatus && e.Step == types.StepSucceeded:
			succeeded = append(succeeded, e)
		case e.Type == EventWorkflowStatus && e.Workflow.IsTerminal():
			ev := e
			terminal = &ev
		}
	}

	require.Len(t, running, 2)
	assert.Equal(t, 1, running[0].Attempt)
	assert.Equal(t, 2, running[1].Attempt)

	require.Len(t, retries, 1)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, "flaky", retries[0].Agent)

	require.Len(t, succeeded, 1)
	assert.Equal(t, 2, succeeded[0].Attempt)
	assert.Equal(t, "flaky", succeeded[0].Agent)
	assert.Greater(t, succeeded[0].Duration, time.Duration(0))

	require.NotNil(t, terminal)
	assert.Equal(t, types.WorkflowCompleted, terminal.Workflow)
	assert.Greater(t, terminal.Duration, time.Duration(0))
}
