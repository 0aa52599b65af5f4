package evo

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sort"

	"nasfront/internal/expr"
)

var ErrInvalidSchema = errors.New("invalid parametrization schema")

// Schema is one node of a parsed parametrization. Values that are not a
// Schema are constants and are copied into every configuration.
type Schema interface {
	Random(rng *rand.Rand) any
	Mutations(config any, path Path) []Operator
	matches(value any) bool
}

// SearchSpace is a mapping of named fields.
type SearchSpace struct {
	keys   []string
	fields map[string]any
}

// Choice draws one of its members.
type Choice struct {
	Choices []any
}

// Interval draws uniformly from [Min, Max). It is integer valued when both
// bounds are integers.
type Interval struct {
	Min     float64
	Max     float64
	Integer bool
}

// ChoiceList draws between Min and Max members, with replacement.
type ChoiceList struct {
	Choices []any
	Min     int
	Max     int
}

// ParseSpace parses the wire format of a parametrization. The root must be a
// mapping.
func ParseSpace(wire map[string]any) (*SearchSpace, error) {
	s, err := parseMapping(wire)
	if err != nil {
		return nil, err
	}
	space, ok := s.(*SearchSpace)
	if !ok {
		return nil, fmt.Errorf("%w: root must be a mapping of fields", ErrInvalidSchema)
	}
	return space, nil
}

// Parse turns a wire value into a Schema, or returns it unchanged when it is a
// constant. A list is a Choice, {min, max} an Interval, {choices, min, max} a
// ChoiceList and any other mapping a SearchSpace.
func Parse(wire any) (any, error) {
	switch v := wire.(type) {
	case []any:
		c := &Choice{Choices: make([]any, 0, len(v))}
		for i, item := range v {
			member, err := Parse(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			c.Choices = append(c.Choices, member)
		}
		if len(c.Choices) == 0 {
			return nil, fmt.Errorf("%w: empty choice", ErrInvalidSchema)
		}
		return c, nil
	case map[string]any:
		return parseMapping(v)
	default:
		return wire, nil
	}
}

func parseMapping(m map[string]any) (any, error) {
	lo, hasMin := m["min"]
	hi, hasMax := m["max"]
	raw, hasChoices := m["choices"]
	switch {
	case hasMin && hasMax && len(m) == 2 && expr.IsNumber(lo) && expr.IsNumber(hi):
		min, _ := expr.EvalFloat(lo)
		max, _ := expr.EvalFloat(hi)
		if max < min {
			return nil, fmt.Errorf("%w: interval max %v below min %v", ErrInvalidSchema, hi, lo)
		}
		return &Interval{Min: min, Max: max, Integer: expr.IsInteger(lo) && expr.IsInteger(hi)}, nil
	case hasChoices && hasMin && hasMax && len(m) == 3:
		list, ok := raw.([]any)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("%w: choices must be a non-empty list", ErrInvalidSchema)
		}
		min, err := expr.EvalInt(lo)
		if err != nil {
			return nil, fmt.Errorf("%w: min: %w", ErrInvalidSchema, err)
		}
		max, err := expr.EvalInt(hi)
		if err != nil {
			return nil, fmt.Errorf("%w: max: %w", ErrInvalidSchema, err)
		}
		if min < 0 || max < min {
			return nil, fmt.Errorf("%w: cardinality [%d, %d]", ErrInvalidSchema, min, max)
		}
		cl := &ChoiceList{Min: min, Max: max}
		for i, item := range list {
			member, err := Parse(item)
			if err != nil {
				return nil, fmt.Errorf("choices[%d]: %w", i, err)
			}
			cl.Choices = append(cl.Choices, member)
		}
		return cl, nil
	}
	s := &SearchSpace{fields: make(map[string]any, len(m))}
	for k, v := range m {
		field, err := Parse(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		s.keys = append(s.keys, k)
		s.fields[k] = field
	}
	sort.Strings(s.keys)
	return s, nil
}

// Keys returns the field names in sorted order.
func (s *SearchSpace) Keys() []string {
	return append([]string(nil), s.keys...)
}

func (s *SearchSpace) Field(key string) (any, bool) {
	v, ok := s.fields[key]
	return v, ok
}

// Random draws a complete configuration.
func (s *SearchSpace) Random(rng *rand.Rand) any {
	return s.RandomConfig(rng)
}

func (s *SearchSpace) RandomConfig(rng *rand.Rand) map[string]any {
	out := make(map[string]any, len(s.keys))
	for _, k := range s.keys {
		out[k] = randomValue(rng, s.fields[k])
	}
	return out
}

func (s *SearchSpace) Mutations(config any, path Path) []Operator {
	m, ok := config.(map[string]any)
	if !ok {
		return nil
	}
	var out []Operator
	for _, k := range s.keys {
		field, ok := s.fields[k].(Schema)
		if !ok {
			continue
		}
		v, present := m[k]
		if !present {
			continue
		}
		out = append(out, field.Mutations(v, path.Append(k))...)
	}
	return out
}

// Mutate deep-copies config and applies exactly one mutation chosen uniformly
// from every mutation the schema allows for it.
func (s *SearchSpace) Mutate(rng *rand.Rand, config map[string]any) (map[string]any, Operator, error) {
	child := deepCopy(config).(map[string]any)
	ops := s.Mutations(child, nil)
	if len(ops) == 0 {
		return nil, nil, ErrNoMutationChoice
	}
	op := ops[rng.Intn(len(ops))]
	if err := op.Apply(rng, child); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", Describe(op), err)
	}
	return child, op, nil
}

func (s *SearchSpace) matches(value any) bool {
	m, ok := value.(map[string]any)
	if !ok || len(m) != len(s.keys) {
		return false
	}
	for _, k := range s.keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func (c *Choice) Random(rng *rand.Rand) any {
	return randomValue(rng, c.Choices[rng.Intn(len(c.Choices))])
}

func (c *Choice) Mutations(config any, path Path) []Operator {
	var out []Operator
	if len(c.Choices) > 1 || c.hasSchema() {
		out = append(out, ResampleChoice{Target: path, Choice: c})
	}
	if member, ok := matchingMember(c.Choices, config); ok {
		out = append(out, member.Mutations(config, path)...)
	}
	return out
}

func (c *Choice) hasSchema() bool {
	for _, member := range c.Choices {
		if _, ok := member.(Schema); ok {
			return true
		}
	}
	return false
}

func (c *Choice) matches(value any) bool {
	for _, member := range c.Choices {
		if s, ok := member.(Schema); ok {
			if s.matches(value) {
				return true
			}
			continue
		}
		if reflect.DeepEqual(member, value) {
			return true
		}
	}
	return false
}

func (iv *Interval) Random(rng *rand.Rand) any {
	if iv.Integer {
		lo, hi := int(iv.Min), int(iv.Max)
		if hi <= lo {
			return lo
		}
		return lo + rng.Intn(hi-lo)
	}
	return iv.Min + rng.Float64()*(iv.Max-iv.Min)
}

func (iv *Interval) Mutations(_ any, path Path) []Operator {
	return []Operator{ResampleInterval{Target: path, Interval: iv}}
}

func (iv *Interval) matches(value any) bool {
	if iv.Integer {
		return expr.IsInteger(value)
	}
	return expr.IsNumber(value)
}

func (cl *ChoiceList) Random(rng *rand.Rand) any {
	size := cl.Min
	if cl.Max > cl.Min {
		size += rng.Intn(cl.Max - cl.Min + 1)
	}
	out := make([]any, 0, size)
	for i := 0; i < size; i++ {
		out = append(out, cl.randomMember(rng))
	}
	return out
}

func (cl *ChoiceList) randomMember(rng *rand.Rand) any {
	return randomValue(rng, cl.Choices[rng.Intn(len(cl.Choices))])
}

func (cl *ChoiceList) Mutations(config any, path Path) []Operator {
	members, ok := config.([]any)
	if !ok {
		return nil
	}
	var out []Operator
	if len(members) < cl.Max {
		out = append(out, AddMember{Target: path, List: cl})
	}
	if len(members) > cl.Min {
		out = append(out, DropMember{Target: path})
	}
	for i, member := range members {
		if schema, ok := matchingMember(cl.Choices, member); ok {
			out = append(out, schema.Mutations(member, path.Append(i))...)
		}
	}
	return out
}

func (cl *ChoiceList) matches(value any) bool {
	_, ok := value.([]any)
	return ok
}

// matchingMember returns the first schema member that describes value.
func matchingMember(choices []any, value any) (Schema, bool) {
	for _, member := range choices {
		if s, ok := member.(Schema); ok && s.matches(value) {
			return s, true
		}
	}
	return nil, false
}

func randomValue(rng *rand.Rand, v any) any {
	if s, ok := v.(Schema); ok {
		return s.Random(rng)
	}
	return deepCopy(v)
}
