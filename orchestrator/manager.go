// Package orchestrator is the engine's front door: it validates and persists
// workflow specifications, hands them to the scheduler for execution, and
// exposes status, cancellation, listing, and metrics.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/agent"
	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// Manager coordinates workflow lifecycle across the store, the agent
// registry, and the scheduler. It is safe for concurrent use.
type Manager struct {
	store     store.Store
	agents    *agent.Registry
	scheduler *scheduler.Scheduler
	bus       *EventBus
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	extraNotifiers []scheduler.Notifier
	schedulerOpts  []scheduler.Option
}

// WithNotifier registers an additional event sink (for example a metrics
// collector) alongside the manager's own event bus.
func WithNotifier(n scheduler.Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.extraNotifiers = append(o.extraNotifiers, n)
		}
	}
}

// WithSchedulerOptions passes extra options through to the scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) {
		o.schedulerOpts = append(o.schedulerOpts, opts...)
	}
}

// New creates a manager with its own scheduler and event bus.
func New(st store.Store, agents *agent.Registry, cfg scheduler.Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	bus := NewEventBus(256)
	notifier := scheduler.Notifier(bus)
	if len(o.extraNotifiers) > 0 {
		notifier = append(multiNotifier{bus}, o.extraNotifiers...)
	}
	schedOpts := append([]scheduler.Option{scheduler.WithNotifier(notifier)}, o.schedulerOpts...)

	return &Manager{
		store:     st,
		agents:    agents,
		scheduler: scheduler.New(st, agents, cfg, logger, schedOpts...),
		bus:       bus,
		logger:    logger.With(zap.String("component", "orchestrator")),
		running:   make(map[string]context.CancelFunc),
	}
}

// Close stops the event bus and the scheduler's dispatch pool. Running
// workflows should be cancelled first.
func (m *Manager) Close() {
	m.bus.Close()
	m.scheduler.Close()
}

// Events returns the manager's event bus for subscription.
func (m *Manager) Events() *EventBus {
	return m.bus
}

// CreateWorkflow validates the specification, materializes the execution
// records, and persists the workflow in Created status. Validation failures
// leave nothing behind.
func (m *Manager) CreateWorkflow(ctx context.Context, spec *types.WorkflowSpec) (*types.Workflow, error) {
	if spec == nil {
		return nil, types.NewError(types.ErrInvalidSpec, "nil workflow spec")
	}
	graph, err := workflow.Build(spec.Steps)
	if err != nil {
		return nil, err
	}

	wf := &types.Workflow{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Description: spec.Description,
		Priority:    spec.Priority,
		Status:      types.WorkflowCreated,
		Steps:       make([]*types.Step, 0, graph.Len()),
		CreatedAt:   time.Now(),
	}
	for i, stepSpec := range spec.Steps {
		wf.Steps = append(wf.Steps, &types.Step{
			ID:           stepSpec.ID,
			Agent:        stepSpec.Agent,
			Task:         stepSpec.Task,
			Dependencies: stepSpec.Dependencies,
			Index:        i,
			Status:       types.StepPending,
		})
	}

	if err := m.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	m.logger.Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("steps", len(wf.Steps)))
	return wf.Clone(), nil
}

// Execute runs the workflow to completion, blocking until it reaches a
// terminal status. Only one execution per workflow may be in flight.
func (m *Manager) Execute(ctx context.Context, workflowID string) (*types.Workflow, error) {
	runCtx, err := m.acquire(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	defer m.release(workflowID)
	return m.scheduler.Run(runCtx, workflowID)
}

// ExecuteAsync starts the workflow in the background and returns once it is
// admitted. The terminal outcome is observable via GetWorkflow or the event
// bus.
func (m *Manager) ExecuteAsync(ctx context.Context, workflowID string) error {
	wf, err := m.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status == types.WorkflowRunning {
		return types.NewErrorf(types.ErrAlreadyRunning, "workflow %s is already running", workflowID)
	}
	if wf.Status.IsTerminal() {
		return nil
	}

	// Detached from the caller's context: an HTTP request ending must not
	// cancel the workflow it launched.
	runCtx, err := m.acquire(context.Background(), workflowID)
	if err != nil {
		return err
	}
	go func() {
		defer m.release(workflowID)
		if _, err := m.scheduler.Run(runCtx, workflowID); err != nil {
			code := types.GetErrorCode(err)
			if code == types.ErrCancelled || code == types.ErrWorkflowTimeout {
				return
			}
			m.logger.Error("background execution failed",
				zap.String("workflow_id", workflowID),
				zap.Error(err))
		}
	}()
	return nil
}

// acquire registers a cancellable run slot for the workflow.
func (m *Manager) acquire(ctx context.Context, workflowID string) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[workflowID]; ok {
		return nil, types.NewErrorf(types.ErrAlreadyRunning, "workflow %s is already running", workflowID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running[workflowID] = cancel
	return runCtx, nil
}

func (m *Manager) release(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.running[workflowID]; ok {
		delete(m.running, workflowID)
		cancel()
	}
}

// Cancel stops a workflow. A running workflow is interrupted through its run
// context; a created one is cancelled directly in the store. Cancelling a
// terminal workflow fails with ILLEGAL_TRANSITION.
func (m *Manager) Cancel(ctx context.Context, workflowID string) error {
	m.mu.Lock()
	cancel, isRunning := m.running[workflowID]
	m.mu.Unlock()
	if isRunning {
		cancel()
		m.logger.Info("workflow cancellation requested", zap.String("workflow_id", workflowID))
		return nil
	}

	wf, err := m.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	switch {
	case wf.Status.IsTerminal():
		return types.NewErrorf(types.ErrIllegalTransition,
			"workflow %s is already %s", workflowID, wf.Status)
	case wf.Status == types.WorkflowRunning:
		// Running in another process; this instance cannot reach its run
		// context. Mark the store state cancelled so it converges.
		fallthrough
	default:
		for _, step := range wf.Steps {
			if step.Status.IsTerminal() {
				continue
			}
			err := m.store.TransitionStep(ctx, workflowID, step.ID, types.StepCancelled, nil, "workflow cancelled")
			if err != nil && types.GetErrorCode(err) != types.ErrIllegalTransition {
				return err
			}
		}
		if err := m.store.UpdateWorkflowStatus(ctx, workflowID, types.WorkflowCancelled); err != nil {
			return err
		}
		m.logger.Info("workflow cancelled", zap.String("workflow_id", workflowID))
		return nil
	}
}

// GetWorkflow returns a snapshot of the workflow.
func (m *Manager) GetWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewErrorf(types.ErrWorkflowNotFound, "workflow %s not found", workflowID)
		}
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns workflow snapshots matching the filter.
func (m *Manager) ListWorkflows(ctx context.Context, f store.Filter) ([]*types.Workflow, error) {
	return m.store.ListWorkflows(ctx, f)
}

// Metrics is the aggregate operational snapshot served by the metrics
// endpoint.
type Metrics struct {
	Store      *store.Stats             `json:"store"`
	Agents     map[string]agent.Metrics `json:"agents"`
	ActiveRuns int                      `json:"active_runs"`
}

// Metrics aggregates store statistics and agent counters.
func (m *Manager) Metrics(ctx context.Context) (*Metrics, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	active := len(m.running)
	m.mu.Unlock()
	return &Metrics{
		Store:      stats,
		Agents:     m.agents.Metrics(),
		ActiveRuns: active,
	}, nil
}
