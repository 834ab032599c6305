package workflow

import (
	"encoding/json"
)

// Node is a single step inside a dependency graph.
type Node struct {
	// ID is the step identifier, unique within the graph.
	ID string

	// Agent is the capability name bound to this step.
	Agent string

	// Task is the opaque payload handed to the agent.
	Task json.RawMessage

	// Index is the declaration position, used as the deterministic
	// scheduling tie-break.
	Index int

	dependencies []string
	dependents   []string
}

// Dependencies returns the IDs this node depends on.
func (n *Node) Dependencies() []string {
	return append([]string(nil), n.dependencies...)
}

// Dependents returns the IDs that depend on this node.
func (n *Node) Dependents() []string {
	return append([]string(nil), n.dependents...)
}

// Graph is an immutable dependency DAG over a workflow's steps.
// Adjacency is kept in both directions: dependencies for readiness checks,
// dependents for unblocking and cascade skips.
type Graph struct {
	nodes map[string]*Node
	order []string
}

// Node retrieves a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// StepIDs returns all step IDs in declaration order.
func (g *Graph) StepIDs() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the dependency IDs of the given step.
func (g *Graph) Dependencies(id string) []string {
	if n, ok := g.nodes[id]; ok {
		return n.Dependencies()
	}
	return nil
}

// Dependents returns the IDs of steps that directly depend on the given step.
func (g *Graph) Dependents(id string) []string {
	if n, ok := g.nodes[id]; ok {
		return n.Dependents()
	}
	return nil
}

// Roots returns the IDs of steps with no dependencies, in declaration order.
// These form the initial ready set.
func (g *Graph) Roots() []string {
	roots := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if len(g.nodes[id].dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// TransitiveDependents returns every step reachable from the given step by
// following dependent edges, in declaration order. Used for cascade skips:
// when a step fails terminally, all of these can never become ready.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.nodes[cur].dependents {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	if _, ok := g.nodes[id]; !ok {
		return nil
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for _, stepID := range g.order {
		if seen[stepID] {
			out = append(out, stepID)
		}
	}
	return out
}
