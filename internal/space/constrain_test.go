package space

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nasfront/internal/param"
)

func TestConstrainOutputChannelsRoundTrip(t *testing.T) {
	s := residualSpace(t)
	c := NewConstrainer(s)

	cfg := Config{}
	cfg.Set("stem", "out_channels", 8)
	cfg.Set("a", "out_channels", 16)
	cfg.Set("b", "out_channels", 32)

	res, err := c.ConstrainOutputChannels(cfg, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Coerced)
	assert.Equal(t, 16, res.Config["a"]["out_channels"])
	assert.Equal(t, 16, res.Config["b"]["out_channels"])
	assert.Equal(t, 8, res.Config["stem"]["out_channels"])
	// The input configuration is left alone.
	assert.Equal(t, 32, cfg["b"]["out_channels"])

	_, err = s.InferParameters(Shape{1, 4, 64}, NewContext(res.Config))
	require.NoError(t, err)

	again, err := c.ConstrainOutputChannels(res.Config, map[string]int{Symbol("b"): 48})
	require.NoError(t, err)
	assert.Equal(t, 48, again.Config["a"]["out_channels"])
	assert.Equal(t, 48, again.Config["b"]["out_channels"])
	assert.Equal(t, 8, again.Config["stem"]["out_channels"])

	inst, err := s.InferParameters(Shape{1, 4, 64}, NewContext(again.Config))
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 48, 64}, inst.Outputs["add"])
}

func TestConstrainUsesCurrentValueWhenUnconfigured(t *testing.T) {
	s := residualSpace(t)
	res, err := NewConstrainer(s).ConstrainOutputChannels(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Config["a"]["out_channels"])
	assert.Equal(t, 8, res.Config["b"]["out_channels"])
}

func TestConstrainClasses(t *testing.T) {
	s := residualSpace(t)
	classes := NewConstrainer(s).Classes()
	require.Len(t, classes, 3)
	assert.Equal(t, []string{Symbol("stem")}, classes[0])
	assert.ElementsMatch(t, []string{
		Symbol("a"), Symbol("b"), Symbol("bn"), Symbol("relu"), Symbol("add"), Symbol("pool"),
	}, classes[1])
	assert.Equal(t, []string{Symbol("head")}, classes[2])
}

// fixedBranchSpace merges a searchable branch with a branch of fixed width.
func fixedBranchSpace(t *testing.T) *Space {
	t.Helper()
	s := New()
	require.NoError(t, s.AddNode(&Node{Name: "in", Kind: Identity}))
	require.NoError(t, s.AddNode(&Node{Name: "a", Kind: Conv1d, Params: map[string]any{
		"out_channels": param.NewIntScalar(8, 64, param.WithSeed(1)),
		"kernel_size":  3,
	}}))
	require.NoError(t, s.AddNode(&Node{Name: "b", Kind: Conv1d, Params: map[string]any{
		"out_channels": 24,
		"kernel_size":  3,
	}}))
	require.NoError(t, s.AddNode(&Node{Name: "add", Kind: Add}))
	for _, e := range [][2]string{{"in", "a"}, {"in", "b"}, {"a", "add"}, {"b", "add"}} {
		require.NoError(t, s.Connect(e[0], e[1]))
	}
	return s
}

func TestConstrainFixedWidthPinsSearchableBranch(t *testing.T) {
	s := fixedBranchSpace(t)
	cfg := Config{}
	cfg.Set("a", "out_channels", 16)
	res, err := NewConstrainer(s).ConstrainOutputChannels(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 24, res.Config["a"]["out_channels"])
}

func TestConstrainUnsatisfiablePolicies(t *testing.T) {
	s := fixedBranchSpace(t)
	setTo := map[string]int{Symbol("a"): 16}

	_, err := NewConstrainer(s).ConstrainOutputChannels(Config{}, setTo)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsatisfiableConstraint))
	var cerr *ConstraintError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, Symbol("a"), cerr.Symbol)
	assert.Equal(t, 16, cerr.Want)
	assert.Equal(t, 24, cerr.Have)

	res, err := NewConstrainer(s, WithPolicy(Coerce)).ConstrainOutputChannels(Config{}, setTo)
	require.NoError(t, err)
	assert.Equal(t, []string{Symbol("a")}, res.Coerced)
	assert.Equal(t, 24, res.Config["a"]["out_channels"])
	require.NoError(t, s.Validate(res.Config))

	_, err = NewConstrainer(s).ConstrainOutputChannels(Config{}, map[string]int{"nope_out_channels": 3})
	assert.ErrorIs(t, err, ErrUnknownNode)

	_, err = NewConstrainer(s).ConstrainOutputChannels(Config{}, map[string]int{Symbol("add"): 128})
	assert.ErrorIs(t, err, ErrUnsatisfiableConstraint)
}

func TestConstrainCoerceKeepsValuesInDomain(t *testing.T) {
	s := New()
	require.NoError(t, s.AddNode(&Node{Name: "in", Kind: Identity}))
	require.NoError(t, s.AddNode(&Node{Name: "a", Kind: Conv1d, Params: map[string]any{
		"out_channels": param.NewIntScalar(8, 16, param.WithSeed(1)),
		"kernel_size":  3,
	}}))
	require.NoError(t, s.AddNode(&Node{Name: "b", Kind: Conv1d, Params: map[string]any{
		"out_channels": 24,
		"kernel_size":  3,
	}}))
	require.NoError(t, s.AddNode(&Node{Name: "add", Kind: Add}))
	for _, e := range [][2]string{{"in", "a"}, {"in", "b"}, {"a", "add"}, {"b", "add"}} {
		require.NoError(t, s.Connect(e[0], e[1]))
	}
	cfg := Config{}
	cfg.Set("a", "out_channels", 12)

	_, err := NewConstrainer(s).ConstrainOutputChannels(cfg, nil)
	require.ErrorIs(t, err, ErrUnsatisfiableConstraint)

	res, err := NewConstrainer(s, WithPolicy(Coerce)).ConstrainOutputChannels(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{Symbol("a")}, res.Coerced)
	assert.Equal(t, 12, res.Config["a"]["out_channels"])
	require.NoError(t, s.Validate(res.Config))

	// Without a configured value the parameter's current value is kept.
	res, err = NewConstrainer(s, WithPolicy(Coerce)).ConstrainOutputChannels(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{Symbol("a")}, res.Coerced)
	require.NoError(t, s.Validate(res.Config))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("coerce")
	require.NoError(t, err)
	assert.Equal(t, Coerce, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Reject, p)
	_, err = ParsePolicy("ignore")
	assert.Error(t, err)
}
