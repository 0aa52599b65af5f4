package dataflow

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasfront/internal/param"
)

func mustNode(t *testing.T) func(NodeID, error) NodeID {
	t.Helper()
	return func(id NodeID, err error) NodeID {
		t.Helper()
		if err != nil {
			t.Fatalf("build graph: %v", err)
		}
		return id
	}
}

func convBlock(t *testing.T, outChannels any) func(*Graph, []NodeID) (NodeID, error) {
	return func(g *Graph, in []NodeID) (NodeID, error) {
		must := mustNode(t)
		w := must(g.Weight("weight", outChannels, 3))
		c := must(g.Apply("conv", Conv{KernelSize: 3, Stride: 1, OutChannels: outChannels}, in[0], w))
		return g.Apply("relu", Relu{}, c)
	}
}

func TestApplyLinksUsersOnce(t *testing.T) {
	must := mustNode(t)
	g := NewGraph()
	x := must(g.Input("x", 1, 8, 32))
	sum := must(g.Apply("add", Add{}, x, x))
	r := must(g.Apply("relu", Relu{}, sum))

	assert.Equal(t, []NodeID{sum}, g.Users(x))
	assert.Equal(t, []NodeID{r}, g.Users(sum))
	assert.Empty(t, g.Users(r))
}

func TestApplyRejectsBadInput(t *testing.T) {
	must := mustNode(t)
	g := NewGraph()
	x := must(g.Input("x"))

	_, err := g.Apply("conv.1", Relu{}, x)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = g.Apply("add", Add{}, x)
	assert.Error(t, err)

	_, err = g.Apply("relu", Relu{}, NodeID(42))
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestWrapRewiresOperandsToPlaceholders(t *testing.T) {
	must := mustNode(t)
	g := NewGraph()
	x := must(g.Input("x"))
	block := must(g.Block("block", []NodeID{x}, convBlock(t, 16)))

	c, err := g.Node(block)
	require.NoError(t, err)
	comp := c.(*Composite)
	require.Len(t, comp.Inputs, 1)
	ph := comp.Inputs[0]

	assert.Equal(t, []NodeID{block}, g.Users(x))
	require.Len(t, g.Users(ph), 1)
	conv, _ := g.Node(g.Users(ph)[0])
	assert.Equal(t, "conv", conv.Name())
	assert.Equal(t, ph, conv.Operands()[0])
	assert.Contains(t, g.Users(comp.Output), block)

	next := must(g.Apply("relu", Relu{}, block))
	assert.Contains(t, g.Users(block), next)
}

func TestWrapWithoutConsumerIsLinkError(t *testing.T) {
	must := mustNode(t)
	g := NewGraph()
	x := must(g.Input("x"))
	y := must(g.Input("y"))
	r := must(g.Apply("relu", Relu{}, x))

	_, err := g.Wrap("block", []NodeID{y}, r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGraphLink))
	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr))
	assert.Equal(t, y, linkErr.Operand)

	_, err = g.Wrap("block", nil, r)
	assert.ErrorIs(t, err, ErrGraphLink)
}

func randomChain(t *testing.T, g *Graph, rng *rand.Rand, in NodeID, depth int) NodeID {
	must := mustNode(t)
	cur := in
	steps := 1 + rng.Intn(3)
	for i := 0; i < steps; i++ {
		switch rng.Intn(4) {
		case 0:
			cur = must(g.Apply("relu", Relu{}, cur))
		case 1:
			cur = must(g.Apply("add", Add{}, cur, in))
		case 2:
			w := must(g.Weight("weight", 8, 3))
			cur = must(g.Apply("conv", Conv{KernelSize: 3, Stride: 1, OutChannels: 8}, cur, w))
		default:
			if depth >= 2 {
				cur = must(g.Apply("identity", Identity{}, cur))
				continue
			}
			cur = must(g.Block("block", []NodeID{cur}, func(g *Graph, ops []NodeID) (NodeID, error) {
				return randomChain(t, g, rng, ops[0], depth+1), nil
			}))
		}
	}
	return cur
}

func randomGraph(t *testing.T, seed int64) (*Graph, NodeID) {
	must := mustNode(t)
	rng := rand.New(rand.NewSource(seed))
	g := NewGraph()
	x := must(g.Input("x", 1, 8, 64))
	frontier := []NodeID{x}
	for i := 0; i < 6; i++ {
		src := frontier[rng.Intn(len(frontier))]
		frontier = append(frontier, randomChain(t, g, rng, src, 0))
	}
	root := frontier[len(frontier)-1]
	for _, id := range frontier[:len(frontier)-1] {
		if len(g.Users(id)) == 0 {
			root = must(g.Apply("add", Add{}, root, id))
		}
	}
	return g, root
}

func TestUsersContainEachConsumerExactlyOnce(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		g, _ := randomGraph(t, seed)
		g.Walk(func(n Node) bool {
			seen := map[NodeID]bool{}
			for _, o := range n.Operands() {
				if seen[o] {
					continue
				}
				seen[o] = true
				users := g.Users(o)
				require.NotEmpty(t, users, "seed %d: operand %d of %d has no users", seed, o, n.ID())
				count := 0
				for _, u := range users {
					if u == n.ID() {
						count++
					}
				}
				require.Equal(t, 1, count, "seed %d: node %d listed %d times by operand %d", seed, n.ID(), count, o)
			}
			return true
		})
	}
}

func TestInternalConsumersNoLongerUseOuterOperand(t *testing.T) {
	for seed := int64(0); seed < 30; seed++ {
		g, _ := randomGraph(t, seed)
		g.Walk(func(n Node) bool {
			c, ok := n.(*Composite)
			if !ok {
				return true
			}
			inner := g.innerMembers(c)
			for _, operand := range c.Operands() {
				for _, u := range g.Users(operand) {
					assert.False(t, inner[u], "seed %d: internal node %d still uses outer operand %d", seed, u, operand)
				}
			}
			return true
		})
	}
}

func TestInstantiateReplacesParameters(t *testing.T) {
	must := mustNode(t)
	width := param.NewIntScalar(8, 64, param.WithSeed(1))
	require.NoError(t, width.SetCurrent(16))

	g := NewGraph()
	x := must(g.Input("x", 1, 4, 32))
	w := must(g.Weight("weight", width, 4, 3))
	c := must(g.Apply("conv", Conv{KernelSize: 3, Stride: 1, OutChannels: width}, x, w))
	require.NoError(t, g.AssignScopes(c))

	concrete, err := g.Instantiate()
	require.NoError(t, err)
	n, err := concrete.Node(c)
	require.NoError(t, err)
	assert.Equal(t, Conv{KernelSize: 3, Stride: 1, OutChannels: 16}, n.(*Op).Operator)
	wn, _ := concrete.Node(w)
	assert.Equal(t, []any{16, 4, 3}, wn.(*Tensor).Shape)

	hier := g.Parameters()
	conv := hier["conv"].(map[string]any)["0"].(map[string]any)
	assert.Same(t, width, conv["out_channels"])
}

func TestFormatListsNodesInOrder(t *testing.T) {
	must := mustNode(t)
	g := NewGraph()
	x := must(g.Input("x", 1, 8, 32))
	block := must(g.Block("block", []NodeID{x}, convBlock(t, 8)))
	require.NoError(t, g.Repeat(block, 2))
	require.NoError(t, g.AssignScopes(block))

	out := g.Format(block)
	lines := strings.Split(out, "\n")
	require.NotEmpty(t, lines)
	assert.Equal(t, "x.0 = Input[1 8 32]", lines[0])
	assert.Equal(t, "block.0 = Composite(x.0) repeats=2 {", lines[1])
	assert.Contains(t, out, "  block.0.conv.0 = Conv(block.0.input.0, block.0.conv.0.weight.0) kernel_size=3 stride=1 out_channels=8")
	assert.Equal(t, "}", lines[len(lines)-1])
}

func TestSummaryDiff(t *testing.T) {
	must := mustNode(t)
	build := func() *Graph {
		g := NewGraph()
		x := must(g.Input("x"))
		must(g.Apply("relu", Relu{}, x))
		return g
	}
	if diff := cmp.Diff(build().Summary(), build().Summary()); diff != "" {
		t.Fatalf("summary mismatch (-a +b):\n%s", diff)
	}
}
