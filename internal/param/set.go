package param

import (
	"fmt"
	"sort"
	"strings"

	"nasfront/internal/expr"
)

// Parametrized is implemented by objects that own searchable parameters.
type Parametrized interface {
	Params() *Set
}

// Set holds the explicitly registered searchable fields of one object,
// together with the conditions that must hold between them.
type Set struct {
	id         string
	names      []string
	entries    map[string]expr.Expression
	conditions []expr.Expression
}

func NewSet() *Set {
	return &Set{entries: make(map[string]expr.Expression)}
}

// Register records v under name when v is an expression. Concrete values are
// ignored, so callers may pass every constructor field through Register.
func (s *Set) Register(name string, v any) error {
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("invalid parameter name %q", name)
	}
	e, ok := v.(expr.Expression)
	if !ok {
		return nil
	}
	if _, exists := s.entries[name]; !exists {
		s.names = append(s.names, name)
	}
	s.entries[name] = e
	if s.id != "" {
		expr.SetScope(e, s.id, name)
	}
	return nil
}

// Cond adds a boolean expression that Check must find true.
func (s *Set) Cond(condition expr.Expression) {
	s.conditions = append(s.conditions, condition)
}

// Copy returns a set with its own registrations and conditions. The
// registered expressions, and the parameters inside them, are shared.
func (s *Set) Copy() *Set {
	if s == nil {
		return nil
	}
	out := &Set{
		id:         s.id,
		names:      append([]string(nil), s.names...),
		entries:    make(map[string]expr.Expression, len(s.entries)),
		conditions: append([]expr.Expression(nil), s.conditions...),
	}
	for name, e := range s.entries {
		out.entries[name] = e
	}
	return out
}

func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Set) Get(name string) (expr.Expression, bool) {
	e, ok := s.entries[name]
	return e, ok
}

func (s *Set) Len() int {
	return len(s.names)
}

func (s *Set) ID() string {
	return s.id
}

// Sample redraws every parameter registered on this set, including the ones
// nested inside registered expressions. Nested parametrized objects are left
// untouched.
func (s *Set) Sample() error {
	for _, name := range s.names {
		for _, p := range collect(s.entries[name]) {
			if _, err := p.Sample(); err != nil {
				return fmt.Errorf("sample %s: %w", name, err)
			}
		}
	}
	return nil
}

// Check evaluates all conditions.
func (s *Set) Check() error {
	for _, condition := range s.conditions {
		v, err := condition.Evaluate()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrConditionViolated, condition.Format(2), err)
		}
		if !expr.Truthy(v) {
			return fmt.Errorf("%w: %s", ErrConditionViolated, condition.Format(2))
		}
	}
	return nil
}

// SetParams assigns values by registered name. Expression values replace the
// registered entry; concrete values go through the parameter's SetCurrent.
func (s *Set) SetParams(values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		current, ok := s.entries[key]
		if !ok {
			return fmt.Errorf("no parameter %q", key)
		}
		value := values[key]
		if e, ok := value.(expr.Expression); ok {
			s.entries[key] = e
			if s.id != "" {
				expr.SetScope(e, s.id, key)
			}
			continue
		}
		p, ok := current.(Parameter)
		if !ok {
			return fmt.Errorf("field %q is a derived expression and cannot be set", key)
		}
		if err := p.SetCurrent(value); err != nil {
			return err
		}
	}
	return nil
}

// SetCurrent assigns values and then checks conditions.
func (s *Set) SetCurrent(values map[string]any) error {
	if err := s.SetParams(values); err != nil {
		return err
	}
	return s.Check()
}

// Instantiate checks conditions and returns the concrete value of every
// registered field.
func (s *Set) Instantiate() (map[string]any, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(s.names))
	for _, name := range s.names {
		e := s.entries[name]
		var (
			v   any
			err error
		)
		if p, ok := e.(Parameter); ok {
			v, err = p.Instantiate()
		} else {
			v, err = e.Evaluate()
		}
		if err != nil {
			return nil, fmt.Errorf("instantiate %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// SetScope assigns "<id>.<name>" identifiers to the registered fields. A
// parameter registered directly keeps its own field name even when a derived
// expression also refers to it.
func (s *Set) SetScope(id string) {
	s.id = id
	for _, name := range s.names {
		if _, direct := s.entries[name].(Parameter); !direct {
			expr.SetScope(s.entries[name], id, name)
		}
	}
	for _, name := range s.names {
		if p, direct := s.entries[name].(Parameter); direct {
			expr.SetScope(p, id, name)
		}
	}
}

// Flat returns every parameter reachable from the set, keyed by id. Nested
// parametrized objects are visited in reverse breadth-first order.
func (s *Set) Flat() map[string]Parameter {
	out := make(map[string]Parameter)
	visitedSets := map[*Set]bool{s: true}
	queue := []*Set{s}
	for len(queue) > 0 {
		current := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for _, name := range current.names {
			e := current.entries[name]
			for _, p := range collect(e) {
				if _, seen := out[p.ID()]; !seen {
					out[p.ID()] = p
				}
			}
			expr.Walk(e, func(node expr.Expression) bool {
				if nested, ok := node.(Parametrized); ok {
					set := nested.Params()
					if set != nil && !visitedSets[set] {
						visitedSets[set] = true
						queue = append(queue, set)
					}
				}
				return true
			})
		}
	}
	return out
}

// Leaves returns the parameters registered on this set or nested inside its
// registered expressions, without visiting other parametrized objects.
func (s *Set) Leaves() []Parameter {
	var out []Parameter
	for _, name := range s.names {
		out = append(out, collect(s.entries[name])...)
	}
	return out
}

// Parameters folds Flat into a nested map keyed by the id segments.
func (s *Set) Parameters() map[string]any {
	return Hierarchical(s.Flat())
}

func collect(e expr.Expression) []Parameter {
	var out []Parameter
	expr.Walk(e, func(node expr.Expression) bool {
		if p, ok := node.(Parameter); ok {
			out = append(out, p)
			return false
		}
		return true
	})
	return out
}
