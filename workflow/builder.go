package workflow

import (
	"github.com/BaSui01/stepflow/types"
)

// Build validates the step specifications and produces an immutable
// dependency graph. It fails with a typed validation error identifying the
// offending step:
//
//   - DUPLICATE_ID when two steps share an ID,
//   - UNKNOWN_DEPENDENCY when a dependency references no declared step,
//   - CYCLE_DETECTED when the dependency edges contain a cycle or self-loop,
//   - INVALID_SPEC when a step is missing its ID or agent name.
//
// A workflow with zero steps builds an empty graph; it completes immediately
// at execution time.
func Build(steps []types.StepSpec) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*Node, len(steps)),
		order: make([]string, 0, len(steps)),
	}

	for i, spec := range steps {
		if spec.ID == "" {
			return nil, types.NewErrorf(types.ErrInvalidSpec, "step %d has no id", i)
		}
		if spec.Agent == "" {
			return nil, types.NewErrorf(types.ErrInvalidSpec, "step %q has no agent", spec.ID)
		}
		if _, exists := g.nodes[spec.ID]; exists {
			return nil, types.NewErrorf(types.ErrDuplicateID, "duplicate step id: %s", spec.ID)
		}
		g.nodes[spec.ID] = &Node{
			ID:           spec.ID,
			Agent:        spec.Agent,
			Task:         spec.Task,
			Index:        i,
			dependencies: append([]string(nil), spec.Dependencies...),
		}
		g.order = append(g.order, spec.ID)
	}

	// Resolve edges; every dependency must name a declared step.
	for _, id := range g.order {
		node := g.nodes[id]
		for _, depID := range node.dependencies {
			if depID == id {
				return nil, types.NewErrorf(types.ErrCycleDetected,
					"step %q depends on itself", id)
			}
			dep, ok := g.nodes[depID]
			if !ok {
				return nil, types.NewErrorf(types.ErrUnknownDependency,
					"step %q depends on unknown step %q", id, depID)
			}
			dep.dependents = append(dep.dependents, id)
		}
	}

	if cycleID := detectCycle(g); cycleID != "" {
		return nil, types.NewErrorf(types.ErrCycleDetected,
			"cycle detected involving step %q", cycleID)
	}

	return g, nil
}

// detectCycle runs DFS coloring over dependent edges and returns the ID of a
// node on a back edge, or "" when the graph is acyclic. Iteration follows
// declaration order so the reported node is stable for a given input.
func detectCycle(g *Graph) string {
	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))

	var visit func(id string) string
	visit = func(id string) string {
		visited[id] = true
		onStack[id] = true
		for _, next := range g.nodes[id].dependents {
			if !visited[next] {
				if bad := visit(next); bad != "" {
					return bad
				}
			} else if onStack[next] {
				return next
			}
		}
		onStack[id] = false
		return ""
	}

	for _, id := range g.order {
		if !visited[id] {
			if bad := visit(id); bad != "" {
				return bad
			}
		}
	}
	return ""
}
