package space

import (
	"fmt"
	"io"
	"math/rand"
	"sort"

	"gopkg.in/yaml.v3"

	"nasfront/internal/expr"
	"nasfront/internal/param"
)

// Definition is the YAML form of a search space. Arguments use the sampler
// wire format: {min, max} is a scalar range, a list is a categorical choice
// and {choices, min, max} is a subset. Anything else is a fixed value.
type Definition struct {
	Input []int            `yaml:"input"`
	Seed  int64            `yaml:"seed,omitempty"`
	Nodes []NodeDefinition `yaml:"nodes"`
}

type NodeDefinition struct {
	Name   string         `yaml:"name"`
	Kind   string         `yaml:"kind"`
	Inputs []string       `yaml:"inputs,omitempty"`
	Params map[string]any `yaml:"params,omitempty"`
}

// Decode reads a definition from r.
func Decode(r io.Reader) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("decode space definition: %w", err)
	}
	return def, nil
}

// Build creates the space described by def. Searchable arguments share one
// generator seeded from def.Seed.
func (def Definition) Build(opts ...Option) (*Space, Shape, error) {
	if len(def.Input) == 0 {
		return nil, nil, fmt.Errorf("space definition: input shape is required")
	}
	rng := rand.New(rand.NewSource(def.Seed))
	s := New(opts...)
	for _, nd := range def.Nodes {
		kind, err := ParseKind(nd.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("node %q: %w", nd.Name, err)
		}
		args := make(map[string]any, len(nd.Params))
		names := make([]string, 0, len(nd.Params))
		for name := range nd.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v, err := ParameterFromSchema(nd.Params[name], rng)
			if err != nil {
				return nil, nil, fmt.Errorf("node %q argument %q: %w", nd.Name, name, err)
			}
			args[name] = v
		}
		if err := s.AddNode(&Node{Name: nd.Name, Kind: kind, Params: args}); err != nil {
			return nil, nil, err
		}
	}
	for _, nd := range def.Nodes {
		for _, in := range nd.Inputs {
			if err := s.Connect(in, nd.Name); err != nil {
				return nil, nil, fmt.Errorf("node %q: %w", nd.Name, err)
			}
		}
	}
	return s, Shape(def.Input), nil
}

// ParameterFromSchema turns one wire-format description into a parameter, or
// returns it unchanged when it describes a fixed value.
func ParameterFromSchema(v any, rng *rand.Rand) (any, error) {
	switch v := v.(type) {
	case []any:
		choices := make([]any, 0, len(v))
		for _, c := range v {
			member, err := ParameterFromSchema(c, rng)
			if err != nil {
				return nil, err
			}
			choices = append(choices, member)
		}
		return param.NewCategorical(choices, param.WithRand(rng)), nil
	case map[string]any:
		lo, hasMin := v["min"]
		hi, hasMax := v["max"]
		raw, hasChoices := v["choices"]
		switch {
		case hasChoices && hasMin && hasMax && len(v) == 3:
			list, ok := raw.([]any)
			if !ok {
				return nil, fmt.Errorf("choices must be a list, got %T", raw)
			}
			min, err := expr.EvalInt(lo)
			if err != nil {
				return nil, err
			}
			max, err := expr.EvalInt(hi)
			if err != nil {
				return nil, err
			}
			return param.NewSubset(list, min, max, param.WithRand(rng)), nil
		case hasMin && hasMax && len(v) == 2:
			if expr.IsInteger(lo) && expr.IsInteger(hi) {
				return param.NewIntScalar(lo, hi, param.WithRand(rng)), nil
			}
			if expr.IsNumber(lo) && expr.IsNumber(hi) {
				return param.NewFloatScalar(lo, hi, param.WithRand(rng)), nil
			}
			return nil, fmt.Errorf("range bounds must be numbers, got %T and %T", lo, hi)
		}
	}
	return v, nil
}
