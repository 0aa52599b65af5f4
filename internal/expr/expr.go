// Package expr implements lazily evaluated symbolic values.
//
// Expressions are built from constants, placeholders, parameters and
// operators. Nothing is computed when an expression is constructed; values
// are resolved on demand by Evaluate, recursively through every operand.
package expr

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrNotEvaluable is returned when evaluation reaches a placeholder that has
// no assigned value.
var ErrNotEvaluable = errors.New("expression not evaluable")

// Expression is a node producing a concrete value on demand.
type Expression interface {
	Evaluate() (any, error)
	Format(indent int) string
}

// Identified is implemented by expressions that carry a scope-qualified id.
type Identified interface {
	ID() string
	SetID(id string)
}

// Named is implemented by expressions with an explicit, user supplied name.
type Named interface {
	Name() string
}

// Child is one labelled operand of a composite expression.
type Child struct {
	Key  string
	Expr Expression
}

// Parent is implemented by expressions that own sub-expressions.
type Parent interface {
	Children() []Child
}

// Const wraps a concrete value.
type Const struct {
	Value any
}

func (c Const) Evaluate() (any, error) {
	return c.Value, nil
}

func (c Const) Format(_ int) string {
	return fmt.Sprint(c.Value)
}

// Eval resolves v if it is an expression and returns it unchanged otherwise.
func Eval(v any) (any, error) {
	if e, ok := v.(Expression); ok {
		return e.Evaluate()
	}
	return v, nil
}

// EvalInt evaluates v and converts the result to an int. Floats are only
// accepted when they hold an integral value.
func EvalInt(v any) (int, error) {
	value, err := Eval(v)
	if err != nil {
		return 0, err
	}
	n, ok := numberOf(value)
	if !ok {
		return 0, fmt.Errorf("value %v of type %T is not numeric", value, value)
	}
	if n.isFloat {
		if n.f >= -math.MinInt || n.f < math.MinInt {
			return 0, fmt.Errorf("value %v overflows int", value)
		}
		if n.f != float64(int(n.f)) {
			return 0, fmt.Errorf("value %v is not integral", value)
		}
		return int(n.f), nil
	}
	return n.i, nil
}

// EvalFloat evaluates v and converts the result to a float64.
func EvalFloat(v any) (float64, error) {
	value, err := Eval(v)
	if err != nil {
		return 0, err
	}
	n, ok := numberOf(value)
	if !ok {
		return 0, fmt.Errorf("value %v of type %T is not numeric", value, value)
	}
	return n.float(), nil
}

// FormatOperand renders v the way operators print their operands.
func FormatOperand(v any, indent int) string {
	if e, ok := v.(Expression); ok {
		return e.Format(indent)
	}
	return fmt.Sprint(v)
}

func indentBlock(s string, indent int) string {
	pad := strings.Repeat(" ", indent)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = pad + line
		}
	}
	return strings.Join(lines, "\n")
}

// Walk visits e and every sub-expression reachable through Parent in
// depth-first pre-order. Returning false from fn skips the children of the
// visited expression.
func Walk(e Expression, fn func(Expression) bool) {
	if e == nil {
		return
	}
	if !fn(e) {
		return
	}
	p, ok := e.(Parent)
	if !ok {
		return
	}
	for _, child := range p.Children() {
		Walk(child.Expr, fn)
	}
}

// SetScope stamps ids onto every identified expression inside e.
//
// Plain operators pass the scope through unchanged, so a parameter used
// anywhere in an arithmetic tree receives "<scope>.<name>". A parameter with
// an explicit name uses that name instead. Identified expressions become the
// scope of their own children, which are keyed by their child label.
func SetScope(e Expression, scope, name string) {
	setScope(e, scope, name)
}

func setScope(e Expression, scope, name string) {
	if e == nil {
		return
	}
	id := ""
	if ident, ok := e.(Identified); ok {
		label := name
		if named, ok := e.(Named); ok && named.Name() != "" {
			label = named.Name()
		}
		id = joinID(scope, label)
		ident.SetID(id)
	}
	p, ok := e.(Parent)
	if !ok {
		return
	}
	for _, child := range p.Children() {
		if id != "" {
			setScope(child.Expr, id, child.Key)
			continue
		}
		setScope(child.Expr, scope, name)
	}
}

func joinID(scope, name string) string {
	switch {
	case scope == "":
		return name
	case name == "":
		return scope
	default:
		return scope + "." + name
	}
}
