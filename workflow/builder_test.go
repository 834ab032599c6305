package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stepflow/types"
)

func specs(steps ...types.StepSpec) []types.StepSpec { return steps }

func step(id string, deps ...string) types.StepSpec {
	return types.StepSpec{ID: id, Agent: "noop", Dependencies: deps}
}

// ---------------------------------------------------------------------------
// Build — happy path
// ---------------------------------------------------------------------------

func TestBuild_Linear(t *testing.T) {
	t.Parallel()
	g, err := Build(specs(step("retrieve"), step("analyze", "retrieve"), step("report", "analyze")))
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"retrieve", "analyze", "report"}, g.StepIDs())
	assert.Equal(t, []string{"retrieve"}, g.Roots())
	assert.Equal(t, []string{"analyze"}, g.Dependents("retrieve"))
	assert.Equal(t, []string{"retrieve"}, g.Dependencies("analyze"))
}

func TestBuild_EmptyGraph(t *testing.T) {
	t.Parallel()
	g, err := Build(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.Roots())
}

func TestBuild_Diamond(t *testing.T) {
	t.Parallel()
	// a -> b, a -> c, b -> d, c -> d
	g, err := Build(specs(step("a"), step("b", "a"), step("c", "a"), step("d", "b", "c")))
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, g.Roots())
	assert.ElementsMatch(t, []string{"b", "c"}, g.Dependents("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, g.Dependencies("d"))
}

func TestBuild_NodeIndexFollowsDeclarationOrder(t *testing.T) {
	t.Parallel()
	g, err := Build(specs(step("x"), step("y"), step("z", "x", "y")))
	require.NoError(t, err)
	for i, id := range []string{"x", "y", "z"} {
		n, ok := g.Node(id)
		require.True(t, ok)
		assert.Equal(t, i, n.Index)
	}
}

// ---------------------------------------------------------------------------
// Build — validation failures
// ---------------------------------------------------------------------------

func TestBuild_DuplicateID(t *testing.T) {
	t.Parallel()
	_, err := Build(specs(step("a"), step("a")))
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateID, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "a")
}

func TestBuild_UnknownDependency(t *testing.T) {
	t.Parallel()
	_, err := Build(specs(step("a", "ghost")))
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownDependency, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestBuild_SelfLoop(t *testing.T) {
	t.Parallel()
	_, err := Build(specs(step("a", "a")))
	require.Error(t, err)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(err))
}

func TestBuild_TwoNodeCycle(t *testing.T) {
	t.Parallel()
	_, err := Build(specs(step("a", "b"), step("b", "a")))
	require.Error(t, err)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(err))
}

func TestBuild_LongCycle(t *testing.T) {
	t.Parallel()
	_, err := Build(specs(step("a", "d"), step("b", "a"), step("c", "b"), step("d", "c")))
	require.Error(t, err)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(err))
}

func TestBuild_MissingIDOrAgent(t *testing.T) {
	t.Parallel()

	_, err := Build(specs(types.StepSpec{Agent: "noop"}))
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidSpec, types.GetErrorCode(err))

	_, err = Build(specs(types.StepSpec{ID: "a"}))
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidSpec, types.GetErrorCode(err))
}

// ---------------------------------------------------------------------------
// Graph queries
// ---------------------------------------------------------------------------

func TestGraph_TransitiveDependents(t *testing.T) {
	t.Parallel()
	// a -> b -> c, a -> d; e independent
	g, err := Build(specs(step("a"), step("b", "a"), step("c", "b"), step("d", "a"), step("e")))
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c", "d"}, g.TransitiveDependents("a"))
	assert.Equal(t, []string{"c"}, g.TransitiveDependents("b"))
	assert.Empty(t, g.TransitiveDependents("c"))
	assert.Empty(t, g.TransitiveDependents("e"))
	assert.Nil(t, g.TransitiveDependents("missing"))
}

func TestGraph_AccessorsCopyState(t *testing.T) {
	t.Parallel()
	g, err := Build(specs(step("a"), step("b", "a")))
	require.NoError(t, err)

	deps := g.Dependencies("b")
	deps[0] = "mutated"
	assert.Equal(t, []string{"a"}, g.Dependencies("b"))

	ids := g.StepIDs()
	ids[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, g.StepIDs())
}
