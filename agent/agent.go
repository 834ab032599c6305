// Package agent defines the capability contract steps execute against and a
// registry that resolves capability names, enforces per-invocation timeouts,
// and normalizes failures into the engine's error taxonomy.
package agent

import (
	"context"
	"encoding/json"
)

// Invoker executes one opaque task payload and returns an opaque result.
// Implementations must honor context cancellation; the registry derives a
// deadline from the configured step timeout before every invocation.
type Invoker interface {
	Invoke(ctx context.Context, task json.RawMessage) (json.RawMessage, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, task json.RawMessage) (json.RawMessage, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
	return f(ctx, task)
}

// Metrics is a point-in-time performance snapshot of one capability.
type Metrics struct {
	Name        string  `json:"name"`
	Executions  int64   `json:"execution_count"`
	Successes   int64   `json:"success_count"`
	SuccessRate float64 `json:"success_rate"`
}

// metered is implemented by agents that track their own execution counters.
// The registry aggregates these for the metrics surface.
type metered interface {
	Metrics() Metrics
}
