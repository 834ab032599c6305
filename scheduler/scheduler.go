// Package scheduler drives workflows to completion: it admits ready steps
// under the concurrency budget, hands their tasks to agents, applies the
// retry policy with exponential backoff, and cascades failures to dependent
// steps. All state changes go through the store, which enforces the step
// state machine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/agent"
	"github.com/BaSui01/stepflow/internal/pool"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workflow"
)

// Scheduler executes workflows against a store and an agent registry. One
// scheduler serves many workflows; each Run call owns one workflow for the
// duration of its execution.
type Scheduler struct {
	store    store.Store
	agents   *agent.Registry
	pool     *pool.Pool
	cfg      Config
	logger   *zap.Logger
	notifier Notifier
	tracer   trace.Tracer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNotifier installs an event sink for step and workflow transitions.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithPool replaces the default dispatch pool.
func WithPool(p *pool.Pool) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.pool = p
		}
	}
}

// New creates a scheduler.
func New(st store.Store, agents *agent.Registry, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	s := &Scheduler{
		store:    st,
		agents:   agents,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "scheduler")),
		notifier: nopNotifier{},
		tracer:   otel.Tracer("stepflow/scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		s.pool = pool.New(pool.Config{
			MaxWorkers: cfg.MaxConcurrentSteps,
			QueueSize:  cfg.MaxConcurrentSteps * 4,
			PanicHandler: func(v any) {
				s.logger.Error("step execution panicked", zap.Any("panic", v))
			},
		})
	}
	return s
}

// Close releases the dispatch pool.
func (s *Scheduler) Close() {
	s.pool.Close()
}

// Run executes the workflow to a terminal status and returns its final
// snapshot. A natural terminal outcome (completed or failed) returns a nil
// error; cancellation and workflow timeout return the snapshot together with
// a CANCELLED or WORKFLOW_TIMEOUT error. A timed-out workflow ends Failed,
// a cancelled one ends Cancelled. Running an already-terminal workflow
// returns its snapshot unchanged.
func (s *Scheduler) Run(ctx context.Context, workflowID string) (*types.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewErrorf(types.ErrWorkflowNotFound, "workflow %s not found", workflowID)
		}
		return nil, err
	}
	if wf.Status == types.WorkflowRunning {
		return nil, types.NewErrorf(types.ErrAlreadyRunning, "workflow %s is already running", workflowID)
	}
	if wf.Status.IsTerminal() {
		return wf, nil
	}

	graph, err := workflow.Build(stepSpecs(wf))
	if err != nil {
		return nil, err
	}

	if s.cfg.WorkflowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WorkflowTimeout)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("workflow.name", wf.Name),
		attribute.Int("workflow.steps", len(wf.Steps)),
	))
	defer span.End()

	if err := s.store.UpdateWorkflowStatus(ctx, workflowID, types.WorkflowRunning); err != nil {
		return nil, err
	}
	s.emitWorkflow(workflowID, types.WorkflowRunning, 0)
	s.logger.Info("workflow started",
		zap.String("workflow_id", workflowID),
		zap.String("name", wf.Name),
		zap.Int("steps", len(wf.Steps)))

	r := &run{
		s:         s,
		ctx:       ctx,
		wf:        wf,
		graph:     graph,
		statuses:  make(map[string]types.StepStatus, len(wf.Steps)),
		results:   make(chan stepResult, s.cfg.MaxConcurrentSteps),
		startedAt: time.Now(),
	}
	for _, step := range wf.Steps {
		r.statuses[step.ID] = step.Status
	}

	final, err := r.loop()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if final == nil {
			r.abort(err)
		}
	} else if final != nil {
		span.SetAttributes(attribute.String("workflow.status", string(final.Status)))
	}
	return final, err
}

// stepSpecs reconstructs the graph input from persisted steps.
func stepSpecs(wf *types.Workflow) []types.StepSpec {
	specs := make([]types.StepSpec, len(wf.Steps))
	for i, step := range wf.Steps {
		specs[i] = types.StepSpec{
			ID:           step.ID,
			Agent:        step.Agent,
			Task:         step.Task,
			Dependencies: step.Dependencies,
		}
	}
	return specs
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// stepResult is the completion message a dispatched step sends back to the
// run loop.
type stepResult struct {
	stepID   string
	attempt  int
	duration time.Duration
	result   []byte
	err      error
}

// run is the per-execution state. The loop goroutine owns all of it;
// dispatched steps communicate only through the results channel.
type run struct {
	s         *Scheduler
	ctx       context.Context
	wf        *types.Workflow
	graph     *workflow.Graph
	statuses  map[string]types.StepStatus
	queue     readyQueue
	inFlight  int
	results   chan stepResult
	startedAt time.Time
}

func (r *run) loop() (*types.Workflow, error) {
	// Promote whatever is runnable at the outset. This also handles steps
	// already Ready when resuming a previously interrupted workflow.
	if err := r.seedReadySteps(); err != nil {
		return nil, err
	}

	for {
		if err := r.admit(); err != nil {
			return nil, err
		}
		if r.inFlight == 0 && r.queue.empty() {
			// Nothing running, nothing queued: every step is terminal.
			return r.finish()
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if r.inFlight < r.s.cfg.MaxConcurrentSteps {
			if delay, ok := r.queue.nextDelay(time.Now()); ok {
				timer = time.NewTimer(delay)
				timerC = timer.C
			}
		}

		select {
		case res := <-r.results:
			r.inFlight--
			if err := r.handle(res); err != nil {
				stopTimer(timer)
				return nil, err
			}
		case <-timerC:
			// A backoff delay elapsed; re-run admission.
		case <-r.ctx.Done():
			stopTimer(timer)
			return r.cancelAll()
		}
		stopTimer(timer)
	}
}

// seedReadySteps promotes pending roots (and, on resume, any pending step
// whose dependencies already succeeded) and queues everything Ready.
func (r *run) seedReadySteps() error {
	for _, step := range r.wf.Steps {
		switch r.statuses[step.ID] {
		case types.StepPending:
			if r.depsSucceeded(step.ID) {
				if err := r.transition(step.ID, types.StepReady, 0, 0, nil, ""); err != nil {
					return err
				}
				r.queue.push(queueEntry{stepID: step.ID, index: step.Index, eligibleAt: time.Now()})
			}
		case types.StepReady:
			r.queue.push(queueEntry{stepID: step.ID, index: step.Index, eligibleAt: time.Now()})
		}
	}
	return nil
}

func (r *run) depsSucceeded(stepID string) bool {
	for _, dep := range r.graph.Dependencies(stepID) {
		if r.statuses[dep] != types.StepSucceeded {
			return false
		}
	}
	return true
}

// admit dispatches eligible ready steps while the concurrency budget allows.
// Among simultaneously eligible steps, declaration order wins.
func (r *run) admit() error {
	now := time.Now()
	for r.inFlight < r.s.cfg.MaxConcurrentSteps {
		entry, ok := r.queue.popEligible(now)
		if !ok {
			return nil
		}
		if err := r.dispatch(entry.stepID); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) dispatch(stepID string) error {
	attempt, err := r.s.store.IncrementStepAttempts(r.ctx, r.wf.ID, stepID)
	if err != nil {
		return err
	}
	if err := r.transition(stepID, types.StepRunning, attempt, 0, nil, ""); err != nil {
		return err
	}

	step := r.wf.Step(stepID)
	r.inFlight++
	r.s.logger.Debug("step dispatched",
		zap.String("workflow_id", r.wf.ID),
		zap.String("step_id", stepID),
		zap.String("agent", step.Agent),
		zap.Int("attempt", attempt))

	ctx, results := r.ctx, r.results
	s := r.s
	wfID := r.wf.ID
	task := func(taskCtx context.Context) error {
		_, span := s.tracer.Start(taskCtx, "step.execute", trace.WithAttributes(
			attribute.String("workflow.id", wfID),
			attribute.String("step.id", stepID),
			attribute.String("step.agent", step.Agent),
			attribute.Int("step.attempt", attempt),
		))
		defer span.End()

		start := time.Now()
		result, err := s.agents.Invoke(taskCtx, step.Agent, step.Task, s.cfg.StepTimeout)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		// The channel is buffered to the concurrency budget, so this send
		// never blocks.
		results <- stepResult{
			stepID:   stepID,
			attempt:  attempt,
			duration: time.Since(start),
			result:   result,
			err:      err,
		}
		return err
	}
	if err := s.pool.Dispatch(ctx, task); err != nil {
		r.inFlight--
		return err
	}
	return nil
}

func (r *run) handle(res stepResult) error {
	if res.err == nil {
		if err := r.transition(res.stepID, types.StepSucceeded, res.attempt, res.duration, res.result, ""); err != nil {
			return err
		}
		r.s.logger.Info("step succeeded",
			zap.String("workflow_id", r.wf.ID),
			zap.String("step_id", res.stepID),
			zap.Int("attempt", res.attempt))
		return r.promoteDependents(res.stepID)
	}

	errMsg := res.err.Error()
	if types.IsRetryable(res.err) && res.attempt < r.s.cfg.MaxRetries {
		delay := r.s.cfg.backoffDelay(res.attempt)
		if err := r.transition(res.stepID, types.StepReady, res.attempt, res.duration, nil, errMsg); err != nil {
			return err
		}
		step := r.wf.Step(res.stepID)
		r.queue.push(queueEntry{
			stepID:     res.stepID,
			index:      step.Index,
			eligibleAt: time.Now().Add(delay),
		})
		r.s.logger.Warn("step retrying",
			zap.String("workflow_id", r.wf.ID),
			zap.String("step_id", res.stepID),
			zap.Int("attempt", res.attempt),
			zap.Duration("backoff", delay),
			zap.String("error", errMsg))
		return nil
	}

	if err := r.transition(res.stepID, types.StepFailed, res.attempt, res.duration, nil, errMsg); err != nil {
		return err
	}
	r.s.logger.Error("step failed",
		zap.String("workflow_id", r.wf.ID),
		zap.String("step_id", res.stepID),
		zap.Int("attempt", res.attempt),
		zap.String("error", errMsg))
	return r.skipDependents(res.stepID)
}

// promoteDependents moves pending dependents whose dependencies have all
// succeeded into the ready queue.
func (r *run) promoteDependents(stepID string) error {
	for _, depID := range r.graph.Dependents(stepID) {
		if r.statuses[depID] != types.StepPending || !r.depsSucceeded(depID) {
			continue
		}
		if err := r.transition(depID, types.StepReady, 0, 0, nil, ""); err != nil {
			return err
		}
		step := r.wf.Step(depID)
		r.queue.push(queueEntry{stepID: depID, index: step.Index, eligibleAt: time.Now()})
	}
	return nil
}

// skipDependents marks every transitive dependent of a failed step skipped.
func (r *run) skipDependents(failedID string) error {
	reason := fmt.Sprintf("dependency %s failed", failedID)
	for _, depID := range r.graph.TransitiveDependents(failedID) {
		if r.statuses[depID] != types.StepPending {
			continue
		}
		if err := r.transition(depID, types.StepSkipped, 0, 0, nil, reason); err != nil {
			return err
		}
		r.s.logger.Info("step skipped",
			zap.String("workflow_id", r.wf.ID),
			zap.String("step_id", depID),
			zap.String("reason", reason))
	}
	return nil
}

// cancelAll marks every non-terminal step cancelled and returns a terminal
// snapshot. A deadline-driven halt is a failure of the workflow to finish
// its work, so the workflow ends Failed; only a user-initiated cancellation
// ends Cancelled. Results from still-running agents are discarded: their
// store transitions would leave a terminal state, which the store rejects.
func (r *run) cancelAll() (*types.Workflow, error) {
	code := types.ErrCancelled
	reason := "workflow cancelled"
	status := types.WorkflowCancelled
	if errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		code = types.ErrWorkflowTimeout
		reason = "workflow timed out"
		status = types.WorkflowFailed
	}

	// The run context is gone; use a fresh one for the final writes.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, step := range r.wf.Steps {
		if r.statuses[step.ID].IsTerminal() {
			continue
		}
		err := r.s.store.TransitionStep(ctx, r.wf.ID, step.ID, types.StepCancelled, nil, reason)
		if err != nil {
			if types.GetErrorCode(err) == types.ErrIllegalTransition {
				r.s.logger.Debug("late transition discarded during cancellation",
					zap.String("workflow_id", r.wf.ID),
					zap.String("step_id", step.ID))
				continue
			}
			return nil, err
		}
		r.statuses[step.ID] = types.StepCancelled
		r.emitStep(step.ID, types.StepCancelled, 0, 0, reason)
	}

	if err := r.s.store.UpdateWorkflowStatus(ctx, r.wf.ID, status); err != nil {
		return nil, err
	}
	r.emitWorkflowStatus(status)
	r.s.logger.Info("workflow halted",
		zap.String("workflow_id", r.wf.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason))

	final, err := r.s.store.GetWorkflow(ctx, r.wf.ID)
	if err != nil {
		return nil, err
	}
	return final, types.NewErrorf(code, "workflow %s: %s", r.wf.ID, reason)
}

// finish derives the terminal workflow status from the step outcomes.
func (r *run) finish() (*types.Workflow, error) {
	// Detached from the run context so a cancellation arriving exactly at
	// completion still gets a consistent terminal write.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snapshot, err := r.s.store.GetWorkflow(ctx, r.wf.ID)
	if err != nil {
		return nil, err
	}
	status := snapshot.TerminalStatus()
	if err := r.s.store.UpdateWorkflowStatus(ctx, r.wf.ID, status); err != nil {
		return nil, err
	}
	r.emitWorkflowStatus(status)
	r.s.logger.Info("workflow finished",
		zap.String("workflow_id", r.wf.ID),
		zap.String("status", string(status)))

	final, err := r.s.store.GetWorkflow(ctx, r.wf.ID)
	if err != nil {
		return nil, err
	}
	return final, nil
}

// transition applies one step transition to the store, mirrors it locally,
// and emits an event. A rejected transition out of a terminal state is
// treated as a discarded late result rather than an engine fault.
func (r *run) transition(stepID string, to types.StepStatus, attempt int,
	duration time.Duration, result []byte, errMsg string) error {

	err := r.s.store.TransitionStep(r.ctx, r.wf.ID, stepID, to, result, errMsg)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrIllegalTransition && r.statuses[stepID].IsTerminal() {
			r.s.logger.Debug("late step result discarded",
				zap.String("workflow_id", r.wf.ID),
				zap.String("step_id", stepID),
				zap.String("attempted_status", string(to)))
			return nil
		}
		return err
	}
	r.statuses[stepID] = to
	r.emitStep(stepID, to, attempt, duration, errMsg)
	return nil
}

// abort marks the workflow failed after an engine-internal error so it does
// not stay Running in the store, where the already-running guard would make
// it unrecoverable. Best effort: the original error still goes to the caller.
func (r *run) abort(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.s.store.UpdateWorkflowStatus(ctx, r.wf.ID, types.WorkflowFailed); err != nil {
		r.s.logger.Error("could not mark workflow failed after internal error",
			zap.String("workflow_id", r.wf.ID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	r.emitWorkflowStatus(types.WorkflowFailed)
	r.s.logger.Error("workflow failed on internal error",
		zap.String("workflow_id", r.wf.ID),
		zap.Error(cause))
}

func (r *run) emitStep(stepID string, status types.StepStatus, attempt int,
	duration time.Duration, errMsg string) {

	agentName := ""
	if step := r.wf.Step(stepID); step != nil {
		agentName = step.Agent
	}
	r.s.emitStep(r.wf.ID, stepID, agentName, status, attempt, duration, errMsg)
}

func (r *run) emitWorkflowStatus(status types.WorkflowStatus) {
	r.s.emitWorkflow(r.wf.ID, status, time.Since(r.startedAt))
}
