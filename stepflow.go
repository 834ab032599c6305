// Package stepflow provides a top-level convenience entry point for running
// workflows with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/stepflow"
//
//	engine, err := stepflow.New()
//	engine, err := stepflow.New(stepflow.WithStore(st), stepflow.WithAgent("enrich", myAgent))
//
//	wf, err := engine.Run(ctx, spec)
//
// This is a thin wrapper around [orchestrator.Manager] with an in-memory
// store and the built-in agents registered. Services that need a durable
// store, the HTTP API, or metrics should compose the packages directly the
// way cmd/stepflow does.
package stepflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/agent"
	"github.com/BaSui01/stepflow/orchestrator"
	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
)

// Engine runs workflows end to end: create, execute, inspect.
type Engine struct {
	manager *orchestrator.Manager
	agents  *agent.Registry
	store   store.Store
}

// Option configures the engine created by [New].
type Option func(*settings)

type settings struct {
	store        store.Store
	logger       *zap.Logger
	config       scheduler.Config
	extraAgents  map[string]agent.Invoker
	skipBuiltins bool
	latency      time.Duration
}

// WithStore uses st instead of the default in-memory store.
func WithStore(st store.Store) Option {
	return func(s *settings) { s.store = st }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithSchedulerConfig overrides the default scheduling knobs.
func WithSchedulerConfig(cfg scheduler.Config) Option {
	return func(s *settings) { s.config = cfg }
}

// WithAgent registers an additional agent under the given capability name.
func WithAgent(name string, invoker agent.Invoker) Option {
	return func(s *settings) { s.extraAgents[name] = invoker }
}

// WithoutBuiltins skips registering the built-in agents; every capability a
// workflow names must then come from [WithAgent].
func WithoutBuiltins() Option {
	return func(s *settings) { s.skipBuiltins = true }
}

// WithBuiltinLatency sets the simulated work duration of the built-in
// agents. Zero (the default) makes them return immediately.
func WithBuiltinLatency(d time.Duration) Option {
	return func(s *settings) { s.latency = d }
}

// New creates an engine ready to run workflows.
func New(opts ...Option) (*Engine, error) {
	s := settings{
		config:      scheduler.DefaultConfig(),
		extraAgents: make(map[string]agent.Invoker),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.store == nil {
		s.store = store.NewMemoryStore(s.logger)
	}

	registry := agent.NewRegistry(s.logger)
	if !s.skipBuiltins {
		agent.RegisterBuiltins(registry, s.latency)
	}
	for name, invoker := range s.extraAgents {
		registry.Register(name, invoker)
	}

	return &Engine{
		manager: orchestrator.New(s.store, registry, s.config, s.logger),
		agents:  registry,
		store:   s.store,
	}, nil
}

// Run creates a workflow from spec and executes it to a terminal status.
func (e *Engine) Run(ctx context.Context, spec *types.WorkflowSpec) (*types.Workflow, error) {
	wf, err := e.manager.CreateWorkflow(ctx, spec)
	if err != nil {
		return nil, err
	}
	return e.manager.Execute(ctx, wf.ID)
}

// Manager exposes the underlying orchestrator for create/execute/cancel
// control beyond what Run covers.
func (e *Engine) Manager() *orchestrator.Manager {
	return e.manager
}

// Agents exposes the agent registry.
func (e *Engine) Agents() *agent.Registry {
	return e.agents
}

// Close releases the engine and its store.
func (e *Engine) Close() error {
	e.manager.Close()
	return e.store.Close()
}
