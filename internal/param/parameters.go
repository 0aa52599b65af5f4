// Package param implements searchable parameters and the explicit
// parametrization capability used by graph nodes and search spaces.
package param

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"time"

	"nasfront/internal/expr"
)

var (
	ErrDomainViolation   = errors.New("parameter domain violation")
	ErrConditionViolated = errors.New("parameter condition violated")
)

// DomainError reports a value rejected by a parameter domain. Callers treat it
// as "configuration rejected".
type DomainError struct {
	ID     string
	Value  any
	Reason string
}

func (e *DomainError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: value %v: %s", ErrDomainViolation, e.Value, e.Reason)
	}
	return fmt.Sprintf("%s: %s: value %v: %s", ErrDomainViolation, e.ID, e.Value, e.Reason)
}

func (e *DomainError) Unwrap() error {
	return ErrDomainViolation
}

// Parameter is a searchable leaf expression with a concrete domain.
type Parameter interface {
	expr.Expression
	expr.Identified
	expr.Named
	Sample() (any, error)
	Instantiate() (any, error)
	SetCurrent(v any) error
	Check(v any) error
	Current() any
	Schema() (any, error)
}

// Option configures a parameter at construction.
type Option func(*base)

// WithSeed gives the parameter its own deterministic generator.
func WithSeed(seed int64) Option {
	return func(b *base) {
		b.rng = rand.New(rand.NewSource(seed))
	}
}

// WithRand shares an existing generator.
func WithRand(rng *rand.Rand) Option {
	return func(b *base) {
		if rng != nil {
			b.rng = rng
		}
	}
}

// WithName gives the parameter an explicit name used by scoping.
func WithName(name string) Option {
	return func(b *base) {
		b.name = name
	}
}

type base struct {
	name    string
	id      string
	rng     *rand.Rand
	current any
}

func newBase(opts []Option) base {
	b := base{}
	for _, opt := range opts {
		opt(&b)
	}
	if b.rng == nil {
		b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return b
}

func (b *base) ID() string      { return b.id }
func (b *base) SetID(id string) { b.id = id }
func (b *base) Name() string    { return b.name }
func (b *base) Current() any    { return b.current }

func (b *base) domainError(v any, format string, args ...any) error {
	return &DomainError{ID: b.id, Value: v, Reason: fmt.Sprintf(format, args...)}
}

// IntScalar is an integer drawn from [Min, Max). Bounds may be ints or
// expressions, including other parameters.
type IntScalar struct {
	base
	Min any
	Max any
}

func NewIntScalar(min, max any, opts ...Option) *IntScalar {
	p := &IntScalar{base: newBase(opts), Min: min, Max: max}
	if lo, err := p.evaluateField(p.Min); err == nil {
		p.current = lo
	}
	return p
}

func (p *IntScalar) evaluateField(field any) (int, error) {
	switch f := field.(type) {
	case Parameter:
		v, err := f.Instantiate()
		if err != nil {
			return 0, err
		}
		return expr.EvalInt(v)
	case expr.Expression:
		return expr.EvalInt(f)
	default:
		if !expr.IsInteger(field) {
			return 0, fmt.Errorf("unsupported bound type %T", field)
		}
		return expr.EvalInt(field)
	}
}

// Bounds resolves Min and Max.
func (p *IntScalar) Bounds() (int, int, error) {
	lo, err := p.evaluateField(p.Min)
	if err != nil {
		return 0, 0, fmt.Errorf("min: %w", err)
	}
	hi, err := p.evaluateField(p.Max)
	if err != nil {
		return 0, 0, fmt.Errorf("max: %w", err)
	}
	return lo, hi, nil
}

func (p *IntScalar) Sample() (any, error) {
	lo, hi, err := p.Bounds()
	if err != nil {
		return nil, err
	}
	if hi <= lo {
		p.current = lo
		return lo, nil
	}
	p.current = lo + p.rng.Intn(hi-lo)
	return p.current, nil
}

func (p *IntScalar) Check(v any) error {
	if !expr.IsInteger(v) {
		return p.domainError(v, "must be an integer, got %T", v)
	}
	lo, hi, err := p.Bounds()
	if err != nil {
		return err
	}
	n, _ := expr.EvalInt(v)
	if n < lo || n > hi {
		return p.domainError(v, "must be in range [%d, %d]", lo, hi)
	}
	return nil
}

func (p *IntScalar) SetCurrent(v any) error {
	if err := p.Check(v); err != nil {
		return err
	}
	p.current, _ = expr.EvalInt(v)
	return nil
}

func (p *IntScalar) Instantiate() (any, error) {
	if p.current == nil {
		return nil, &expr.NotEvaluableError{Name: p.id}
	}
	return p.current, nil
}

func (p *IntScalar) Evaluate() (any, error) { return p.Instantiate() }

func (p *IntScalar) Format(_ int) string {
	return fmt.Sprintf("IntScalar(id=%s, min=%v, max=%v, current=%v)", p.id, p.Min, p.Max, p.current)
}

func (p *IntScalar) Children() []expr.Child {
	return boundChildren(p.Min, p.Max)
}

func (p *IntScalar) Schema() (any, error) {
	lo, hi, err := p.Bounds()
	if err != nil {
		return nil, err
	}
	return map[string]any{"min": lo, "max": hi}, nil
}

// FloatScalar is a float drawn uniformly from [Min, Max).
type FloatScalar struct {
	base
	Min any
	Max any
}

func NewFloatScalar(min, max any, opts ...Option) *FloatScalar {
	p := &FloatScalar{base: newBase(opts), Min: min, Max: max}
	if lo, err := expr.EvalFloat(p.Min); err == nil {
		p.current = lo
	}
	return p
}

func (p *FloatScalar) Bounds() (float64, float64, error) {
	lo, err := expr.EvalFloat(p.Min)
	if err != nil {
		return 0, 0, fmt.Errorf("min: %w", err)
	}
	hi, err := expr.EvalFloat(p.Max)
	if err != nil {
		return 0, 0, fmt.Errorf("max: %w", err)
	}
	return lo, hi, nil
}

func (p *FloatScalar) Sample() (any, error) {
	lo, hi, err := p.Bounds()
	if err != nil {
		return nil, err
	}
	p.current = lo + p.rng.Float64()*(hi-lo)
	return p.current, nil
}

func (p *FloatScalar) Check(v any) error {
	if !expr.IsNumber(v) {
		return p.domainError(v, "must be numeric, got %T", v)
	}
	lo, hi, err := p.Bounds()
	if err != nil {
		return err
	}
	f, _ := expr.EvalFloat(v)
	if f < lo || f > hi {
		return p.domainError(v, "must be in range [%g, %g]", lo, hi)
	}
	return nil
}

func (p *FloatScalar) SetCurrent(v any) error {
	if err := p.Check(v); err != nil {
		return err
	}
	p.current, _ = expr.EvalFloat(v)
	return nil
}

func (p *FloatScalar) Instantiate() (any, error) {
	if p.current == nil {
		return nil, &expr.NotEvaluableError{Name: p.id}
	}
	return p.current, nil
}

func (p *FloatScalar) Evaluate() (any, error) { return p.Instantiate() }

func (p *FloatScalar) Format(_ int) string {
	return fmt.Sprintf("FloatScalar(id=%s, min=%v, max=%v, current=%v)", p.id, p.Min, p.Max, p.current)
}

func (p *FloatScalar) Children() []expr.Child {
	return boundChildren(p.Min, p.Max)
}

func (p *FloatScalar) Schema() (any, error) {
	lo, hi, err := p.Bounds()
	if err != nil {
		return nil, err
	}
	return map[string]any{"min": lo, "max": hi}, nil
}

// Categorical draws one of Choices. A choice that is itself a parameter is
// sampled recursively and contributes its drawn value.
type Categorical struct {
	base
	Choices []any
}

func NewCategorical(choices []any, opts ...Option) *Categorical {
	p := &Categorical{base: newBase(opts), Choices: choices}
	if len(choices) > 0 {
		p.current = choices[0]
		if nested, ok := choices[0].(Parameter); ok {
			p.current = nested.Current()
		}
	}
	return p
}

func (p *Categorical) Sample() (any, error) {
	if len(p.Choices) == 0 {
		return nil, p.domainError(nil, "no choices")
	}
	choice := p.Choices[p.rng.Intn(len(p.Choices))]
	value, err := sampleMember(choice)
	if err != nil {
		return nil, err
	}
	p.current = value
	return value, nil
}

func (p *Categorical) Check(v any) error {
	for _, choice := range p.Choices {
		if nested, ok := choice.(Parameter); ok {
			if nested.Check(v) == nil {
				return nil
			}
			continue
		}
		if reflect.DeepEqual(choice, v) || sameNumber(choice, v) {
			return nil
		}
	}
	return p.domainError(v, "not realizable with choices %v", p.Choices)
}

func (p *Categorical) SetCurrent(v any) error {
	if err := p.Check(v); err != nil {
		return err
	}
	p.current = v
	return nil
}

func (p *Categorical) Instantiate() (any, error) {
	return expr.Eval(p.current)
}

func (p *Categorical) Evaluate() (any, error) { return p.Instantiate() }

func (p *Categorical) Format(_ int) string {
	return fmt.Sprintf("Categorical(id=%s, choices=%v, current=%v)", p.id, p.Choices, p.current)
}

func (p *Categorical) Children() []expr.Child {
	var out []expr.Child
	for i, choice := range p.Choices {
		if e, ok := choice.(expr.Expression); ok {
			out = append(out, expr.Child{Key: fmt.Sprintf("%d", i), Expr: e})
		}
	}
	return out
}

func (p *Categorical) Schema() (any, error) {
	return choicesSchema(p.Choices)
}

// Subset draws between Min and Max members of Choices, with replacement.
type Subset struct {
	base
	Choices []any
	Min     int
	Max     int
}

func NewSubset(choices []any, min, max int, opts ...Option) *Subset {
	p := &Subset{base: newBase(opts), Choices: choices, Min: min, Max: max}
	p.current = []any{}
	if min > 0 && len(choices) > 0 {
		initial := make([]any, 0, min)
		for i := 0; i < min; i++ {
			initial = append(initial, choices[0])
		}
		p.current = initial
	}
	return p
}

func (p *Subset) Sample() (any, error) {
	if len(p.Choices) == 0 {
		return nil, p.domainError(nil, "no choices")
	}
	size := p.Min
	if p.Max > p.Min {
		size += p.rng.Intn(p.Max - p.Min + 1)
	}
	out := make([]any, 0, size)
	for i := 0; i < size; i++ {
		value, err := sampleMember(p.Choices[p.rng.Intn(len(p.Choices))])
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	p.current = out
	return out, nil
}

func (p *Subset) Check(v any) error {
	members, ok := v.([]any)
	if !ok {
		return p.domainError(v, "must be a list, got %T", v)
	}
	if len(members) < p.Min || len(members) > p.Max {
		return p.domainError(v, "size %d not in [%d, %d]", len(members), p.Min, p.Max)
	}
	member := &Categorical{base: base{id: p.id}, Choices: p.Choices}
	for _, m := range members {
		if err := member.Check(m); err != nil {
			return err
		}
	}
	return nil
}

func (p *Subset) SetCurrent(v any) error {
	if err := p.Check(v); err != nil {
		return err
	}
	p.current = append([]any(nil), v.([]any)...)
	return nil
}

func (p *Subset) Instantiate() (any, error) {
	members, _ := p.current.([]any)
	out := make([]any, 0, len(members))
	for _, m := range members {
		v, err := expr.Eval(m)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (p *Subset) Evaluate() (any, error) { return p.Instantiate() }

func (p *Subset) Format(_ int) string {
	return fmt.Sprintf("Subset(id=%s, choices=%v, min=%d, max=%d, current=%v)", p.id, p.Choices, p.Min, p.Max, p.current)
}

func (p *Subset) Children() []expr.Child {
	return (&Categorical{Choices: p.Choices}).Children()
}

func (p *Subset) Schema() (any, error) {
	choices, err := choicesSchema(p.Choices)
	if err != nil {
		return nil, err
	}
	return map[string]any{"choices": choices, "min": p.Min, "max": p.Max}, nil
}

func sampleMember(choice any) (any, error) {
	if nested, ok := choice.(Parameter); ok {
		return nested.Sample()
	}
	return choice, nil
}

func sameNumber(a, b any) bool {
	if !expr.IsNumber(a) || !expr.IsNumber(b) {
		return false
	}
	if expr.IsInteger(a) != expr.IsInteger(b) {
		return false
	}
	fa, _ := expr.EvalFloat(a)
	fb, _ := expr.EvalFloat(b)
	return fa == fb
}

func boundChildren(lo, hi any) []expr.Child {
	var out []expr.Child
	if e, ok := lo.(expr.Expression); ok {
		out = append(out, expr.Child{Key: "min", Expr: e})
	}
	if e, ok := hi.(expr.Expression); ok {
		out = append(out, expr.Child{Key: "max", Expr: e})
	}
	return out
}

func choicesSchema(choices []any) ([]any, error) {
	out := make([]any, 0, len(choices))
	for _, choice := range choices {
		if nested, ok := choice.(Parameter); ok {
			s, err := nested.Schema()
			if err != nil {
				return nil, err
			}
			out = append(out, s)
			continue
		}
		v, err := expr.Eval(choice)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
