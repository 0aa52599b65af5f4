package space

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasfront/internal/param"
)

// residualSpace is a stem followed by two branches merged by an add:
//
//	stem -> a -> bn -> relu -> add -> pool -> head
//	stem -> b ---------------> add
func residualSpace(t *testing.T) *Space {
	t.Helper()
	s := New()
	nodes := []*Node{
		{Name: "stem", Kind: Conv1d, Params: map[string]any{
			"out_channels": param.NewIntScalar(8, 65, param.WithSeed(1)),
			"kernel_size":  3,
		}},
		{Name: "a", Kind: Conv1d, Params: map[string]any{
			"out_channels": param.NewIntScalar(8, 65, param.WithSeed(2)),
			"kernel_size":  param.NewCategorical([]any{3, 5}, param.WithSeed(3)),
		}},
		{Name: "b", Kind: Conv1d, Params: map[string]any{
			"out_channels": param.NewIntScalar(8, 65, param.WithSeed(4)),
			"kernel_size":  1,
		}},
		{Name: "bn", Kind: BatchNorm1d},
		{Name: "relu", Kind: ReLU},
		{Name: "add", Kind: Add},
		{Name: "pool", Kind: AvgPool1d, Params: map[string]any{"kernel_size": 2}},
		{Name: "head", Kind: Linear, Params: map[string]any{"out_features": 10}},
	}
	for _, n := range nodes {
		require.NoError(t, s.AddNode(n))
	}
	edges := [][2]string{
		{"stem", "a"}, {"stem", "b"}, {"a", "bn"}, {"bn", "relu"},
		{"relu", "add"}, {"b", "add"}, {"add", "pool"}, {"pool", "head"},
	}
	for _, e := range edges {
		require.NoError(t, s.Connect(e[0], e[1]))
	}
	return s
}

func names(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}

func TestTopologicalSortUsesInsertionOrder(t *testing.T) {
	s := residualSpace(t)
	want := []string{"stem", "a", "b", "bn", "relu", "add", "pool", "head"}
	if diff := cmp.Diff(want, names(s.TopologicalSort())); diff != "" {
		t.Fatalf("topological order (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"relu", "b"}, names(s.Predecessors("add")))
}

func TestConnectRejectsCycles(t *testing.T) {
	s := residualSpace(t)
	assert.ErrorIs(t, s.Connect("head", "stem"), ErrCycle)
	assert.ErrorIs(t, s.Connect("add", "add"), ErrCycle)
	assert.ErrorIs(t, s.Connect("head", "missing"), ErrUnknownNode)
	assert.ErrorIs(t, s.AddNode(&Node{Name: "a", Kind: ReLU}), ErrDuplicateNode)
}

func TestConfigDimsAndSchema(t *testing.T) {
	s := residualSpace(t)
	dims := s.GetConfigDims()
	require.Len(t, dims, 3)
	assert.Len(t, dims["a"], 2)
	assert.Equal(t, "a.out_channels", dims["a"]["out_channels"].ID())

	schema, err := s.Schema()
	require.NoError(t, err)
	want := map[string]any{
		"stem": map[string]any{"out_channels": map[string]any{"min": 8, "max": 65}},
		"a": map[string]any{
			"out_channels": map[string]any{"min": 8, "max": 65},
			"kernel_size":  []any{3, 5},
		},
		"b": map[string]any{"out_channels": map[string]any{"min": 8, "max": 65}},
	}
	if diff := cmp.Diff(want, schema); diff != "" {
		t.Fatalf("schema (-want +got):\n%s", diff)
	}
}

func TestRandomConfigStaysInDomain(t *testing.T) {
	s := residualSpace(t)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		cfg, err := s.RandomConfig(rng)
		require.NoError(t, err)
		require.NoError(t, s.Validate(cfg))
		assert.Len(t, FlattenConfig(cfg), 4)
	}
	// Drawing must not move the parameters.
	assert.Equal(t, 8, s.GetConfigDims()["a"]["out_channels"].Current())
}

func TestFlattenConfigKeys(t *testing.T) {
	cfg := Config{}
	cfg.Set("a", "out_channels", 16)
	cfg.Set("a", "kernel_size", 5)
	cfg.Set("b", "out_channels", 16)
	want := map[string]any{"a_out_channels": 16, "a_kernel_size": 5, "b_out_channels": 16}
	assert.Equal(t, want, FlattenConfig(cfg))
}

func TestInferParametersPropagatesShapes(t *testing.T) {
	s := residualSpace(t)
	cfg := Config{}
	cfg.Set("stem", "out_channels", 32)
	cfg.Set("a", "out_channels", 16)
	cfg.Set("b", "out_channels", 16)

	ctx := NewContext(cfg)
	inst, err := s.InferParameters(Shape{1, 4, 64}, ctx)
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 10}, inst.Output)
	assert.Equal(t, Shape{1, 32, 64}, inst.Outputs["stem"])
	assert.Equal(t, Shape{1, 16, 32}, inst.Outputs["pool"])
	assert.Len(t, inst.Order, 8)

	conv := inst.Modules["a"].(*Conv)
	assert.Equal(t, 32, conv.InChannels)
	assert.Equal(t, 1, conv.Padding)
	assert.Equal(t, 512, inst.Modules["head"].(*LinearModule).InFeatures)

	out, err := inst.Forward(Shape{2, 4, 64})
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 10}, out)
}

func TestInferParametersCollectsFailures(t *testing.T) {
	s := residualSpace(t)
	cfg := Config{}
	cfg.Set("a", "out_channels", 16)
	cfg.Set("b", "out_channels", 24)

	ctx := NewContext(cfg)
	inst, err := s.InferParameters(Shape{1, 4, 64}, ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNodeInstantiation))
	var instErr *InstantiationError
	require.True(t, errors.As(err, &instErr))
	require.Len(t, instErr.Failures, 3)
	assert.Equal(t, "add", instErr.Failures[0].Node)
	assert.Equal(t, 2, instErr.Failures[0].Args)
	assert.Equal(t, "pool", instErr.Failures[1].Node)
	assert.Equal(t, "head", instErr.Failures[2].Node)

	require.NotNil(t, inst)
	assert.Equal(t, []string{"stem", "a", "b", "bn", "relu"}, inst.Order)
	assert.Nil(t, inst.Output)
}

func TestConvOutputLength(t *testing.T) {
	cases := []struct {
		args map[string]any
		in   Shape
		want Shape
	}{
		{map[string]any{"out_channels": 8, "kernel_size": 3}, Shape{1, 4, 20}, Shape{1, 8, 20}},
		{map[string]any{"out_channels": 8, "kernel_size": 3, "stride": 2}, Shape{1, 4, 20}, Shape{1, 8, 10}},
		{map[string]any{"out_channels": 8, "kernel_size": 3, "dilation": 2}, Shape{1, 4, 20}, Shape{1, 8, 20}},
		{map[string]any{"out_channels": 8, "kernel_size": 4, "padding": 0}, Shape{1, 4, 20}, Shape{1, 8, 17}},
	}
	for _, tc := range cases {
		m, err := Conv1d.New(tc.args, []Shape{tc.in})
		require.NoError(t, err)
		got, err := m.Forward([]Shape{tc.in})
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "args %v", tc.args)
	}
	_, err := Conv1d.New(map[string]any{"kernel_size": 3}, []Shape{{1, 4, 20}})
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for k := Conv1d; k <= Linear; k++ {
		got, err := ParseKind(strings.ToUpper(k.String()))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("lstm")
	assert.Error(t, err)
}

func TestBuilderAndCost(t *testing.T) {
	s := residualSpace(t)
	b, err := NewBuilder(s, Shape{1, 4, 64}, WithConstrainer(NewConstrainer(s)))
	require.NoError(t, err)

	params := map[string]any{
		"stem": map[string]any{"out_channels": 8},
		"a":    map[string]any{"out_channels": 16, "kernel_size": 3},
		"b":    map[string]any{"out_channels": 40},
	}
	model, err := b.BuildModel(context.Background(), params)
	require.NoError(t, err)
	inst := model.(*Instance)
	assert.Equal(t, 16, inst.Modules["b"].(*Conv).OutChannels)

	metrics, err := CostEstimator{}.Estimate(context.Background(), inst)
	require.NoError(t, err)
	// stem 8*4*3+8, a 16*8*3+16, b 16*8*1+16, bn 2*16, head 512*10+10.
	assert.Equal(t, float64(104+400+144+32+5130), metrics[MetricWeights])
	assert.Greater(t, metrics[MetricMACs], 0.0)

	_, err = b.BuildModel(context.Background(), map[string]any{"a": map[string]any{"out_channels": 1000}})
	assert.ErrorIs(t, err, param.ErrDomainViolation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.BuildModel(ctx, params)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefinitionBuild(t *testing.T) {
	src := `
input: [1, 4, 64]
seed: 3
nodes:
  - name: stem
    kind: conv1d
    params:
      out_channels: {min: 8, max: 32}
      kernel_size: [3, 5, 7]
  - name: act
    kind: relu
    inputs: [stem]
  - name: head
    kind: linear
    inputs: [act]
    params:
      out_features: 10
`
	def, err := Decode(strings.NewReader(src))
	require.NoError(t, err)
	s, input, err := def.Build()
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 4, 64}, input)
	assert.Equal(t, []string{"stem", "act", "head"}, names(s.TopologicalSort()))

	dims := s.GetConfigDims()
	require.Contains(t, dims, "stem")
	assert.IsType(t, &param.IntScalar{}, dims["stem"]["out_channels"])
	assert.IsType(t, &param.Categorical{}, dims["stem"]["kernel_size"])
	assert.NotContains(t, dims, "head")

	inst, err := s.InferParameters(input, NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 10}, inst.Output)
}
