package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/types"
)

// Registry maps capability names to Invokers. Registration normally happens
// at startup, but the map is lock-guarded so capabilities can be added while
// workflows are running.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Invoker
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]Invoker),
		logger: logger.With(zap.String("component", "agent_registry")),
	}
}

// Register binds a capability name to an invoker, replacing any previous
// binding for the same name.
func (r *Registry) Register(name string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = inv
	r.logger.Debug("agent registered", zap.String("agent", name))
}

// Get returns the invoker bound to the name.
func (r *Registry) Get(name string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.agents[name]
	return inv, ok
}

// Names returns all registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke resolves the capability and executes the task under the given
// timeout. Failures are normalized into the engine's error codes:
//
//   - unregistered name: UNKNOWN_AGENT, not retryable
//   - deadline exceeded: AGENT_TIMEOUT, retryable
//   - anything else:     AGENT_EXECUTION, retryable unless the agent
//     returned a structured error that says otherwise
//
// A timeout of zero invokes without a deadline.
func (r *Registry) Invoke(ctx context.Context, name string, task json.RawMessage,
	timeout time.Duration) (json.RawMessage, error) {

	inv, ok := r.Get(name)
	if !ok {
		return nil, types.NewErrorf(types.ErrUnknownAgent, "unknown agent %q", name).
			WithRetryable(false)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := inv.Invoke(ctx, task)
	if err == nil {
		return result, nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return nil, types.NewErrorf(types.ErrAgentTimeout, "agent %q timed out after %s", name, timeout).
			WithRetryable(true).WithCause(err)
	}
	var structured *types.Error
	if errors.As(err, &structured) {
		return nil, structured
	}
	return nil, types.NewErrorf(types.ErrAgentExecution, "agent %q failed", name).
		WithRetryable(true).WithCause(err)
}

// Metrics returns snapshots for every registered agent that tracks counters,
// keyed by capability name.
func (r *Registry) Metrics() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Metrics)
	for name, inv := range r.agents {
		if m, ok := inv.(metered); ok {
			snap := m.Metrics()
			snap.Name = name
			out[name] = snap
		}
	}
	return out
}
