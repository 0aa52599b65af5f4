package dataflow

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasfront/internal/param"
)

func scopeIDs(g *Graph) map[string]bool {
	out := make(map[string]bool)
	g.Walk(func(n Node) bool {
		if n.ScopeID() != "" {
			out[n.ScopeID()] = true
		}
		return true
	})
	return out
}

func assertUniqueScopes(t *testing.T, g *Graph) {
	t.Helper()
	seen := make(map[string]NodeID)
	g.Walk(func(n Node) bool {
		if n.ScopeID() == "" {
			return true
		}
		if prev, ok := seen[n.ScopeID()]; ok {
			t.Fatalf("scope id %q shared by nodes %d and %d", n.ScopeID(), prev, n.ID())
		}
		seen[n.ScopeID()] = n.ID()
		return true
	})
}

func TestScopesLinearChain(t *testing.T) {
	must := mustNode(t)
	g := NewGraph()
	x := must(g.Input("x"))
	w1 := must(g.Weight("weight", 8, 3))
	c1 := must(g.Apply("conv", Conv{KernelSize: 3, Stride: 1, OutChannels: 8}, x, w1))
	r := must(g.Apply("relu", Relu{}, c1))
	w2 := must(g.Weight("weight", 8, 3))
	c2 := must(g.Apply("conv", Conv{KernelSize: 3, Stride: 1, OutChannels: 8}, r, w2))
	require.NoError(t, g.AssignScopes(c2))

	want := map[string]bool{
		"x.0":             true,
		"conv.0":          true,
		"conv.0.weight.0": true,
		"relu.0":          true,
		"conv.1":          true,
		"conv.1.weight.0": true,
	}
	if diff := cmp.Diff(want, scopeIDs(g)); diff != "" {
		t.Fatalf("scope ids (-want +got):\n%s", diff)
	}
	id, ok := g.Lookup("conv.1")
	require.True(t, ok)
	assert.Equal(t, c2, id)
}

func TestScopesParallelBranches(t *testing.T) {
	must := mustNode(t)
	g := NewGraph()
	x := must(g.Input("x"))
	a := must(g.Apply("conv", Conv{KernelSize: 1, Stride: 1, OutChannels: 8}, x))
	b := must(g.Apply("conv", Conv{KernelSize: 3, Stride: 1, OutChannels: 8}, x))
	ra := must(g.Apply("relu", Relu{}, a))
	sum := must(g.Apply("add", Add{}, ra, b))
	require.NoError(t, g.AssignScopes(sum))
	assertUniqueScopes(t, g)

	na, _ := g.Node(a)
	nb, _ := g.Node(b)
	nsum, _ := g.Node(sum)
	nra, _ := g.Node(ra)
	assert.Equal(t, "conv.0", na.ScopeID())
	assert.Equal(t, "conv.1", nb.ScopeID())
	assert.Equal(t, "relu.0", nra.ScopeID())
	assert.Equal(t, "add.0", nsum.ScopeID())
}

func TestScopesSharedBlocks(t *testing.T) {
	must := mustNode(t)
	g := NewGraph()
	x := must(g.Input("x"))
	b1 := must(g.Block("block", []NodeID{x}, convBlock(t, 8)))
	b2 := must(g.Block("block", []NodeID{b1}, convBlock(t, 8)))
	require.NoError(t, g.AssignScopes(b2))
	assertUniqueScopes(t, g)

	want := map[string]bool{
		"x.0":                     true,
		"block.0":                 true,
		"block.0.input.0":         true,
		"block.0.conv.0":          true,
		"block.0.conv.0.weight.0": true,
		"block.0.relu.0":          true,
		"block.1":                 true,
		"block.1.input.0":         true,
		"block.1.conv.0":          true,
		"block.1.conv.0.weight.0": true,
		"block.1.relu.0":          true,
	}
	if diff := cmp.Diff(want, scopeIDs(g)); diff != "" {
		t.Fatalf("scope ids (-want +got):\n%s", diff)
	}
}

func TestScopesNestedRepeats(t *testing.T) {
	must := mustNode(t)
	g := NewGraph()
	x := must(g.Input("x"))
	depth := param.NewIntScalar(1, 4, param.WithSeed(1))
	stage := must(g.Block("stage", []NodeID{x}, func(g *Graph, in []NodeID) (NodeID, error) {
		first, err := g.Block("block", in, convBlock(t, 8))
		if err != nil {
			return NoNode, err
		}
		if err := g.Repeat(first, depth); err != nil {
			return NoNode, err
		}
		return g.Block("block", []NodeID{first}, convBlock(t, 8))
	}))
	require.NoError(t, g.Repeat(stage, 2))
	require.NoError(t, g.AssignScopes(stage))
	assertUniqueScopes(t, g)

	want := map[string]bool{
		"x.0":                             true,
		"stage.0":                         true,
		"stage.0.input.0":                 true,
		"stage.0.block.0":                 true,
		"stage.0.block.0.input.0":         true,
		"stage.0.block.0.conv.0":          true,
		"stage.0.block.0.conv.0.weight.0": true,
		"stage.0.block.0.relu.0":          true,
		"stage.0.block.1":                 true,
		"stage.0.block.1.input.0":         true,
		"stage.0.block.1.conv.0":          true,
		"stage.0.block.1.conv.0.weight.0": true,
		"stage.0.block.1.relu.0":          true,
	}
	if diff := cmp.Diff(want, scopeIDs(g)); diff != "" {
		t.Fatalf("scope ids (-want +got):\n%s", diff)
	}
	assert.Equal(t, "stage.0.block.0.repeats", depth.ID())

	hier := g.Parameters()
	block := hier["stage"].(map[string]any)["0"].(map[string]any)["block"].(map[string]any)["0"].(map[string]any)
	assert.Same(t, depth, block["repeats"])
}

func TestScopesSecondaryInputChain(t *testing.T) {
	must := mustNode(t)
	g := NewGraph()
	x := must(g.Input("x"))
	y := must(g.Input("y"))
	ry := must(g.Apply("relu", Relu{}, y))
	rx := must(g.Apply("relu", Relu{}, x))
	sum := must(g.Apply("add", Add{}, rx, ry))
	require.NoError(t, g.AssignScopes(sum))
	assertUniqueScopes(t, g)

	for _, id := range []NodeID{x, y, rx, ry, sum} {
		n, _ := g.Node(id)
		assert.NotEmpty(t, n.ScopeID(), "node %s was not scoped", n.Name())
	}
}

func TestScopesRandomGraphsAreUnique(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		g, root := randomGraph(t, seed)
		require.NoError(t, g.AssignScopes(root), "seed %d", seed)
		assertUniqueScopes(t, g)
		for _, id := range g.ScopeIDs() {
			nid, ok := g.Lookup(id)
			require.True(t, ok)
			n, _ := g.Node(nid)
			require.Equal(t, id, n.ScopeID())
		}
	}
}
