package agent

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"
)

// Built-in capabilities covering the three standard workflow stages:
// data_retrieval fetches records, reasoning derives insights, execution
// carries out resulting actions. They produce deterministic mock payloads
// and exist so the engine is usable out of the box; production deployments
// register their own Invokers alongside or instead of these.

// Capability names the built-in agents register under.
const (
	CapabilityDataRetrieval = "data_retrieval"
	CapabilityReasoning     = "reasoning"
	CapabilityExecution     = "execution"
)

// RegisterBuiltins registers the three built-in agents on the registry.
// latency is the simulated work duration per invocation; zero disables it.
func RegisterBuiltins(r *Registry, latency time.Duration) {
	r.Register(CapabilityDataRetrieval, NewDataRetrievalAgent(latency))
	r.Register(CapabilityReasoning, NewReasoningAgent(latency))
	r.Register(CapabilityExecution, NewExecutionAgent(latency))
}

// counters tracks invocation outcomes with atomics so concurrent steps can
// share one agent instance.
type counters struct {
	executions atomic.Int64
	successes  atomic.Int64
}

func (c *counters) snapshot() Metrics {
	exec := c.executions.Load()
	succ := c.successes.Load()
	m := Metrics{Executions: exec, Successes: succ}
	if exec > 0 {
		m.SuccessRate = float64(succ) / float64(exec) * 100
	}
	return m
}

// simulate blocks for the configured latency, honoring cancellation.
func simulate(ctx context.Context, latency time.Duration) error {
	if latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// taskField reads a string field from the task payload, falling back to a
// default when the payload is absent or the field missing.
func taskField(task json.RawMessage, field, fallback string) string {
	if len(task) == 0 {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(task, &m); err != nil {
		return fallback
	}
	if v, ok := m[field].(string); ok && v != "" {
		return v
	}
	return fallback
}

// DataRetrievalAgent simulates fetching records from a configured source.
type DataRetrievalAgent struct {
	counters
	latency time.Duration
}

// NewDataRetrievalAgent creates the built-in retrieval agent.
func NewDataRetrievalAgent(latency time.Duration) *DataRetrievalAgent {
	return &DataRetrievalAgent{latency: latency}
}

// Invoke implements Invoker.
func (a *DataRetrievalAgent) Invoke(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
	a.executions.Add(1)
	if err := simulate(ctx, a.latency); err != nil {
		return nil, err
	}
	result, err := json.Marshal(map[string]any{
		"agent":             CapabilityDataRetrieval,
		"data_source":       taskField(task, "source", "database"),
		"records_retrieved": 1500,
		"data_sample": map[string]int{
			"users":        1200,
			"transactions": 5400,
			"revenue":      125000,
		},
	})
	if err != nil {
		return nil, err
	}
	a.successes.Add(1)
	return result, nil
}

// Metrics returns the agent's counter snapshot.
func (a *DataRetrievalAgent) Metrics() Metrics { return a.snapshot() }

// ReasoningAgent simulates deriving insights and recommendations.
type ReasoningAgent struct {
	counters
	latency time.Duration
}

// NewReasoningAgent creates the built-in reasoning agent.
func NewReasoningAgent(latency time.Duration) *ReasoningAgent {
	return &ReasoningAgent{latency: latency}
}

// Invoke implements Invoker.
func (a *ReasoningAgent) Invoke(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
	a.executions.Add(1)
	if err := simulate(ctx, a.latency); err != nil {
		return nil, err
	}
	result, err := json.Marshal(map[string]any{
		"agent":            CapabilityReasoning,
		"reasoning_type":   taskField(task, "reasoning_type", "analysis"),
		"confidence_score": 0.92,
		"insights": []string{
			"Revenue trend shows 15% growth over last quarter",
			"Customer satisfaction increased by 8%",
			"Operational efficiency improved by 12%",
		},
		"recommendations": []string{
			"Increase marketing budget by 20%",
			"Expand customer support team",
			"Implement new automation tools",
		},
	})
	if err != nil {
		return nil, err
	}
	a.successes.Add(1)
	return result, nil
}

// Metrics returns the agent's counter snapshot.
func (a *ReasoningAgent) Metrics() Metrics { return a.snapshot() }

// ExecutionAgent simulates carrying out the actions a workflow decides on.
type ExecutionAgent struct {
	counters
	latency time.Duration
}

// NewExecutionAgent creates the built-in execution agent.
func NewExecutionAgent(latency time.Duration) *ExecutionAgent {
	return &ExecutionAgent{latency: latency}
}

// Invoke implements Invoker.
func (a *ExecutionAgent) Invoke(ctx context.Context, task json.RawMessage) (json.RawMessage, error) {
	a.executions.Add(1)
	if err := simulate(ctx, a.latency); err != nil {
		return nil, err
	}
	result, err := json.Marshal(map[string]any{
		"agent":       CapabilityExecution,
		"action_type": taskField(task, "action_type", "api_call"),
		"actions_completed": []string{
			"Updated customer database",
			"Sent notification emails",
			"Generated report",
		},
		"affected_records":   1200,
		"notifications_sent": 450,
	})
	if err != nil {
		return nil, err
	}
	a.successes.Add(1)
	return result, nil
}

// Metrics returns the agent's counter snapshot.
func (a *ExecutionAgent) Metrics() Metrics { return a.snapshot() }
