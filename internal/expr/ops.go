package expr

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

var errDivisionByZero = errors.New("division by zero")

// BinaryKind enumerates the binary operators.
type BinaryKind int

const (
	OpAdd BinaryKind = iota
	OpSub
	OpMul
	OpTrueDiv
	OpFloorDiv
	OpMod
	OpAnd
	OpOr
	OpLt
	OpLe
	OpGt
	OpGe
	OpEq
	OpNe
)

var binarySymbols = map[BinaryKind]string{
	OpAdd:      "+",
	OpSub:      "-",
	OpMul:      "*",
	OpTrueDiv:  "/",
	OpFloorDiv: "//",
	OpMod:      "mod",
	OpAnd:      "and",
	OpOr:       "or",
	OpLt:       "<",
	OpLe:       "<=",
	OpGt:       ">",
	OpGe:       ">=",
	OpEq:       "==",
	OpNe:       "!=",
}

func (k BinaryKind) String() string {
	if s, ok := binarySymbols[k]; ok {
		return s
	}
	return fmt.Sprintf("binary(%d)", int(k))
}

// BinaryOp applies an operator to two operands. Operands may be expressions
// or plain values.
type BinaryOp struct {
	Kind BinaryKind
	LHS  any
	RHS  any
}

func Add(lhs, rhs any) *BinaryOp      { return &BinaryOp{Kind: OpAdd, LHS: lhs, RHS: rhs} }
func Sub(lhs, rhs any) *BinaryOp      { return &BinaryOp{Kind: OpSub, LHS: lhs, RHS: rhs} }
func Mul(lhs, rhs any) *BinaryOp      { return &BinaryOp{Kind: OpMul, LHS: lhs, RHS: rhs} }
func TrueDiv(lhs, rhs any) *BinaryOp  { return &BinaryOp{Kind: OpTrueDiv, LHS: lhs, RHS: rhs} }
func FloorDiv(lhs, rhs any) *BinaryOp { return &BinaryOp{Kind: OpFloorDiv, LHS: lhs, RHS: rhs} }
func Mod(lhs, rhs any) *BinaryOp      { return &BinaryOp{Kind: OpMod, LHS: lhs, RHS: rhs} }
func And(lhs, rhs any) *BinaryOp      { return &BinaryOp{Kind: OpAnd, LHS: lhs, RHS: rhs} }
func Or(lhs, rhs any) *BinaryOp       { return &BinaryOp{Kind: OpOr, LHS: lhs, RHS: rhs} }
func Lt(lhs, rhs any) *BinaryOp       { return &BinaryOp{Kind: OpLt, LHS: lhs, RHS: rhs} }
func Le(lhs, rhs any) *BinaryOp       { return &BinaryOp{Kind: OpLe, LHS: lhs, RHS: rhs} }
func Gt(lhs, rhs any) *BinaryOp       { return &BinaryOp{Kind: OpGt, LHS: lhs, RHS: rhs} }
func Ge(lhs, rhs any) *BinaryOp       { return &BinaryOp{Kind: OpGe, LHS: lhs, RHS: rhs} }
func Eq(lhs, rhs any) *BinaryOp       { return &BinaryOp{Kind: OpEq, LHS: lhs, RHS: rhs} }
func Ne(lhs, rhs any) *BinaryOp       { return &BinaryOp{Kind: OpNe, LHS: lhs, RHS: rhs} }

func (b *BinaryOp) Evaluate() (any, error) {
	lhs, err := Eval(b.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := Eval(b.RHS)
	if err != nil {
		return nil, err
	}
	switch b.Kind {
	case OpAnd:
		return truthy(lhs) && truthy(rhs), nil
	case OpOr:
		return truthy(lhs) || truthy(rhs), nil
	case OpEq:
		return equalValues(lhs, rhs), nil
	case OpNe:
		return !equalValues(lhs, rhs), nil
	}

	l, ok := numberOf(lhs)
	if !ok {
		return nil, fmt.Errorf("%s: left operand %v (%T) is not numeric", b.Kind, lhs, lhs)
	}
	r, ok := numberOf(rhs)
	if !ok {
		return nil, fmt.Errorf("%s: right operand %v (%T) is not numeric", b.Kind, rhs, rhs)
	}
	return arithmetic(b.Kind, l, r)
}

func (b *BinaryOp) Format(indent int) string {
	return "(" + b.Kind.String() + "\n" +
		indentBlock(FormatOperand(b.LHS, indent), indent) + "\n" +
		indentBlock(FormatOperand(b.RHS, indent), indent) + "\n" +
		")"
}

func (b *BinaryOp) String() string {
	return b.Format(2)
}

func (b *BinaryOp) Children() []Child {
	var out []Child
	if e, ok := b.LHS.(Expression); ok {
		out = append(out, Child{Key: "lhs", Expr: e})
	}
	if e, ok := b.RHS.(Expression); ok {
		out = append(out, Child{Key: "rhs", Expr: e})
	}
	return out
}

// UnaryKind enumerates the unary operators.
type UnaryKind int

const (
	OpNeg UnaryKind = iota
	OpNot
)

func (k UnaryKind) String() string {
	if k == OpNot {
		return "not"
	}
	return "neg"
}

type UnaryOp struct {
	Kind    UnaryKind
	Operand any
}

func Neg(v any) *UnaryOp { return &UnaryOp{Kind: OpNeg, Operand: v} }
func Not(v any) *UnaryOp { return &UnaryOp{Kind: OpNot, Operand: v} }

func (u *UnaryOp) Evaluate() (any, error) {
	v, err := Eval(u.Operand)
	if err != nil {
		return nil, err
	}
	if u.Kind == OpNot {
		return !truthy(v), nil
	}
	n, ok := numberOf(v)
	if !ok {
		return nil, fmt.Errorf("neg: operand %v (%T) is not numeric", v, v)
	}
	if n.isFloat {
		return -n.f, nil
	}
	return -n.i, nil
}

func (u *UnaryOp) Format(indent int) string {
	return "(" + u.Kind.String() + " " + FormatOperand(u.Operand, indent) + ")"
}

func (u *UnaryOp) Children() []Child {
	if e, ok := u.Operand.(Expression); ok {
		return []Child{{Key: "operand", Expr: e}}
	}
	return nil
}

type number struct {
	i       int
	f       float64
	isFloat bool
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func numberOf(v any) (number, bool) {
	switch x := v.(type) {
	case int:
		return number{i: x}, true
	case int8:
		return number{i: int(x)}, true
	case int16:
		return number{i: int(x)}, true
	case int32:
		return number{i: int(x)}, true
	case int64:
		return number{i: int(x)}, true
	case uint:
		return unsignedNumber(uint64(x)), true
	case uint8:
		return number{i: int(x)}, true
	case uint16:
		return number{i: int(x)}, true
	case uint32:
		return number{i: int(x)}, true
	case uint64:
		return unsignedNumber(x), true
	case float32:
		return number{f: float64(x), isFloat: true}, true
	case float64:
		return number{f: x, isFloat: true}, true
	case bool:
		if x {
			return number{i: 1}, true
		}
		return number{}, true
	default:
		return number{}, false
	}
}

// unsignedNumber keeps values above math.MaxInt as floats instead of wrapping
// them negative.
func unsignedNumber(x uint64) number {
	if x > math.MaxInt {
		return number{f: float64(x), isFloat: true}
	}
	return number{i: int(x)}
}

// IsNumber reports whether v is a Go numeric value.
func IsNumber(v any) bool {
	if _, ok := v.(bool); ok {
		return false
	}
	_, ok := numberOf(v)
	return ok
}

// IsInteger reports whether v has a Go integer type.
func IsInteger(v any) bool {
	if _, ok := v.(bool); ok {
		return false
	}
	n, ok := numberOf(v)
	return ok && !n.isFloat
}

func arithmetic(kind BinaryKind, l, r number) (any, error) {
	if kind == OpTrueDiv {
		if r.float() == 0 {
			return nil, errDivisionByZero
		}
		return l.float() / r.float(), nil
	}
	if l.isFloat || r.isFloat {
		return floatArithmetic(kind, l.float(), r.float())
	}
	return intArithmetic(kind, l.i, r.i)
}

func intArithmetic(kind BinaryKind, l, r int) (any, error) {
	switch kind {
	case OpAdd:
		return l + r, nil
	case OpSub:
		return l - r, nil
	case OpMul:
		return l * r, nil
	case OpFloorDiv:
		if r == 0 {
			return nil, errDivisionByZero
		}
		return floorDiv(l, r), nil
	case OpMod:
		if r == 0 {
			return nil, errDivisionByZero
		}
		return floorMod(l, r), nil
	default:
		return compare(kind, l, r)
	}
}

func floatArithmetic(kind BinaryKind, l, r float64) (any, error) {
	switch kind {
	case OpAdd:
		return l + r, nil
	case OpSub:
		return l - r, nil
	case OpMul:
		return l * r, nil
	case OpFloorDiv:
		if r == 0 {
			return nil, errDivisionByZero
		}
		return math.Floor(l / r), nil
	case OpMod:
		if r == 0 {
			return nil, errDivisionByZero
		}
		m := math.Mod(l, r)
		if m != 0 && (m < 0) != (r < 0) {
			m += r
		}
		return m, nil
	default:
		return compare(kind, l, r)
	}
}

func compare[T constraints.Integer | constraints.Float](kind BinaryKind, l, r T) (any, error) {
	switch kind {
	case OpLt:
		return l < r, nil
	case OpLe:
		return l <= r, nil
	case OpGt:
		return l > r, nil
	case OpGe:
		return l >= r, nil
	default:
		return nil, fmt.Errorf("unsupported operator %s", kind)
	}
}

func floorDiv[T constraints.Signed](a, b T) T {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod[T constraints.Signed](a, b T) T {
	m := a % b
	if m != 0 && ((m < 0) != (b < 0)) {
		m += b
	}
	return m
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	if n, ok := numberOf(v); ok {
		return n.float() != 0
	}
	return true
}

func equalValues(a, b any) bool {
	na, okA := numberOf(a)
	nb, okB := numberOf(b)
	if okA && okB {
		return na.float() == nb.float()
	}
	return fmt.Sprintf("%T:%v", a, a) == fmt.Sprintf("%T:%v", b, b)
}

// Truthy reports the boolean interpretation used by conditions.
func Truthy(v any) bool {
	return truthy(v)
}
