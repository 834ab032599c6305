package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// MemoryStore is an in-memory Store backed by a mutex-guarded map. It is the
// default backend for development and tests. State does not survive restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*types.Workflow
	closed    bool
	logger    *zap.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		workflows: make(map[string]*types.Workflow),
		logger:    logger.With(zap.String("component", "memory_store")),
	}
}

// Close marks the store closed. Subsequent operations fail with ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.workflows = nil
	return nil
}

// Ping reports whether the store is usable.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// CreateWorkflow stores a deep copy of the workflow.
func (s *MemoryStore) CreateWorkflow(ctx context.Context, w *types.Workflow) error {
	if w == nil || w.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.workflows[w.ID]; ok {
		return ErrAlreadyExists
	}
	s.workflows[w.ID] = w.Clone()
	s.logger.Debug("workflow created",
		zap.String("workflow_id", w.ID),
		zap.Int("steps", len(w.Steps)))
	return nil
}

// GetWorkflow returns a deep copy of the workflow.
func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

// ListWorkflows returns copies matching the filter, newest first.
func (s *MemoryStore) ListWorkflows(ctx context.Context, f Filter) ([]*types.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	matched := make([]*types.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		if f.Matches(w) {
			matched = append(matched, w)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	matched = page(matched, f.Offset, f.Limit)
	out := make([]*types.Workflow, len(matched))
	for i, w := range matched {
		out[i] = w.Clone()
	}
	return out, nil
}

// UpdateWorkflowStatus transitions the workflow's lifecycle status and
// maintains the started/completed timestamps.
func (s *MemoryStore) UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	w, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	applyWorkflowStatus(w, status, time.Now())
	return nil
}

// TransitionStep applies one step state transition under the store lock.
func (s *MemoryStore) TransitionStep(ctx context.Context, workflowID, stepID string,
	to types.StepStatus, result json.RawMessage, errMsg string) error {

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	w, ok := s.workflows[workflowID]
	if !ok {
		return ErrNotFound
	}
	step := w.Step(stepID)
	if step == nil {
		return ErrNotFound
	}
	if err := applyStepTransition(step, to, result, errMsg, time.Now()); err != nil {
		return err
	}
	s.logger.Debug("step transitioned",
		zap.String("workflow_id", workflowID),
		zap.String("step_id", stepID),
		zap.String("status", string(to)))
	return nil
}

// IncrementStepAttempts bumps the attempt counter and returns the new value.
func (s *MemoryStore) IncrementStepAttempts(ctx context.Context, workflowID, stepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	w, ok := s.workflows[workflowID]
	if !ok {
		return 0, ErrNotFound
	}
	step := w.Step(stepID)
	if step == nil {
		return 0, ErrNotFound
	}
	step.Attempts++
	return step.Attempts, nil
}

// ListReadySteps returns copies of all Ready steps in declaration order.
func (s *MemoryStore) ListReadySteps(ctx context.Context, workflowID string) ([]*types.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	w, ok := s.workflows[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	var ready []*types.Step
	for _, step := range w.Steps {
		if step.Status == types.StepReady {
			ready = append(ready, step.Clone())
		}
	}
	return ready, nil
}

// Stats aggregates counts across all workflows and steps.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	stats := newStats()
	for _, w := range s.workflows {
		accumulate(stats, w)
	}
	return stats, nil
}

// page applies offset/limit to an already-sorted slice.
func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// applyWorkflowStatus updates the status and lifecycle timestamps.
func applyWorkflowStatus(w *types.Workflow, status types.WorkflowStatus, now time.Time) {
	w.Status = status
	switch {
	case status == types.WorkflowRunning && w.StartedAt == nil:
		t := now
		w.StartedAt = &t
	case status.IsTerminal() && w.CompletedAt == nil:
		t := now
		w.CompletedAt = &t
	}
}

func newStats() *Stats {
	return &Stats{
		WorkflowStatuses: make(map[types.WorkflowStatus]int64),
		StepStatuses:     make(map[types.StepStatus]int64),
	}
}

func accumulate(stats *Stats, w *types.Workflow) {
	stats.TotalWorkflows++
	stats.WorkflowStatuses[w.Status]++
	if w.Status == types.WorkflowRunning {
		stats.ActiveWorkflows++
	}
	for _, step := range w.Steps {
		stats.StepStatuses[step.Status]++
	}
}
