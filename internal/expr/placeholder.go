package expr

import "fmt"

// PlaceholderKind describes what kind of value a placeholder stands for.
type PlaceholderKind int

const (
	UndefinedIntKind PlaceholderKind = iota
	UndefinedFloatKind
	DefaultIntKind
	DefaultFloatKind
	IntRangeKind
	FloatRangeKind
	CategoricalKind
)

var placeholderNames = map[PlaceholderKind]string{
	UndefinedIntKind:   "UndefinedInt",
	UndefinedFloatKind: "UndefinedFloat",
	DefaultIntKind:     "DefaultInt",
	DefaultFloatKind:   "DefaultFloat",
	IntRangeKind:       "IntRange",
	FloatRangeKind:     "FloatRange",
	CategoricalKind:    "Categorical",
}

func (k PlaceholderKind) String() string {
	if s, ok := placeholderNames[k]; ok {
		return s
	}
	return "Placeholder"
}

// NotEvaluableError reports the placeholder that stopped an evaluation.
type NotEvaluableError struct {
	Name string
	Kind PlaceholderKind
}

func (e *NotEvaluableError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %s has no value", ErrNotEvaluable, e.Kind)
	}
	return fmt.Sprintf("%s: %s %q has no value", ErrNotEvaluable, e.Kind, e.Name)
}

func (e *NotEvaluableError) Unwrap() error {
	return ErrNotEvaluable
}

// Placeholder is a value that is filled in later, usually by a graph
// builder once shapes are known.
type Placeholder struct {
	Kind  PlaceholderKind
	Label string
	Lower any
	Upper any

	value    any
	hasValue bool
	id       string
}

func UndefinedInt(name string) *Placeholder {
	return &Placeholder{Kind: UndefinedIntKind, Label: name}
}

func UndefinedFloat(name string) *Placeholder {
	return &Placeholder{Kind: UndefinedFloatKind, Label: name}
}

func DefaultInt(v int) *Placeholder {
	return &Placeholder{Kind: DefaultIntKind, value: v, hasValue: true}
}

func DefaultFloat(v float64) *Placeholder {
	return &Placeholder{Kind: DefaultFloatKind, value: v, hasValue: true}
}

func IntRange(lower, upper int, name string) *Placeholder {
	return &Placeholder{Kind: IntRangeKind, Label: name, Lower: lower, Upper: upper}
}

func FloatRange(lower, upper float64, name string) *Placeholder {
	return &Placeholder{Kind: FloatRangeKind, Label: name, Lower: lower, Upper: upper}
}

func CategoricalPlaceholder(name string) *Placeholder {
	return &Placeholder{Kind: CategoricalKind, Label: name}
}

// Set assigns a value to the placeholder.
func (p *Placeholder) Set(v any) {
	p.value = v
	p.hasValue = true
}

// Clear removes the assigned value.
func (p *Placeholder) Clear() {
	p.value = nil
	p.hasValue = false
}

func (p *Placeholder) HasValue() bool {
	return p.hasValue
}

func (p *Placeholder) Evaluate() (any, error) {
	if !p.hasValue {
		return nil, &NotEvaluableError{Name: p.Label, Kind: p.Kind}
	}
	return Eval(p.value)
}

func (p *Placeholder) Format(_ int) string {
	if p.hasValue {
		return fmt.Sprintf("%s(%v)", p.Kind, p.value)
	}
	return p.Kind.String() + "()"
}

func (p *Placeholder) Name() string    { return p.Label }
func (p *Placeholder) ID() string      { return p.id }
func (p *Placeholder) SetID(id string) { p.id = id }

// Choice selects one of Values by the (possibly symbolic) Index.
type Choice struct {
	Values []any
	Index  any
}

func NewChoice(values []any, index any) *Choice {
	return &Choice{Values: values, Index: index}
}

func (c *Choice) Evaluate() (any, error) {
	idx, err := EvalInt(c.Index)
	if err != nil {
		return nil, fmt.Errorf("choice index: %w", err)
	}
	if idx < 0 || idx >= len(c.Values) {
		return nil, fmt.Errorf("choice index %d out of range [0,%d)", idx, len(c.Values))
	}
	return Eval(c.Values[idx])
}

func (c *Choice) Format(indent int) string {
	return fmt.Sprintf("Choice(%v, %s)", c.Values, FormatOperand(c.Index, indent))
}

func (c *Choice) Children() []Child {
	var out []Child
	if e, ok := c.Index.(Expression); ok {
		out = append(out, Child{Key: "index", Expr: e})
	}
	for i, v := range c.Values {
		if e, ok := v.(Expression); ok {
			out = append(out, Child{Key: fmt.Sprintf("%d", i), Expr: e})
		}
	}
	return out
}

// Attr selects a field of a map- or slice-valued expression.
type Attr struct {
	Expr Expression
	Key  any
}

func GetAttr(e Expression, key any) *Attr {
	return &Attr{Expr: e, Key: key}
}

func (a *Attr) Evaluate() (any, error) {
	v, err := a.Expr.Evaluate()
	if err != nil {
		return nil, err
	}
	switch container := v.(type) {
	case map[string]any:
		key, ok := a.Key.(string)
		if !ok {
			return nil, fmt.Errorf("attr key %v must be a string", a.Key)
		}
		field, ok := container[key]
		if !ok {
			return nil, fmt.Errorf("attr %q not found", key)
		}
		return Eval(field)
	case []any:
		idx, ok := a.Key.(int)
		if !ok {
			return nil, fmt.Errorf("attr key %v must be an int", a.Key)
		}
		if idx < 0 || idx >= len(container) {
			return nil, fmt.Errorf("attr index %d out of range", idx)
		}
		return Eval(container[idx])
	default:
		return nil, fmt.Errorf("cannot select %v from %T", a.Key, v)
	}
}

func (a *Attr) Format(indent int) string {
	return fmt.Sprintf("%s[%v]", a.Expr.Format(indent), a.Key)
}

func (a *Attr) Children() []Child {
	return []Child{{Key: "expr", Expr: a.Expr}}
}
