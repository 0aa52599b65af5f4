package dataflow

import (
	"fmt"

	"nasfront/internal/expr"
	"nasfront/internal/param"
)

type OpKind int

const (
	KindConv OpKind = iota
	KindLinear
	KindAdd
	KindRelu
	KindLeakyRelu
	KindAvgPool
	KindBroadcast
	KindRequantize
	KindIdentity
)

var opKindNames = map[OpKind]string{
	KindConv:       "Conv",
	KindLinear:     "Linear",
	KindAdd:        "Add",
	KindRelu:       "Relu",
	KindLeakyRelu:  "LeakyRelu",
	KindAvgPool:    "AvgPool",
	KindBroadcast:  "Broadcast",
	KindRequantize: "Requantize",
	KindIdentity:   "Identity",
}

func (k OpKind) String() string {
	if s, ok := opKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Attribute is one named operator field. Values may be concrete or
// expressions.
type Attribute struct {
	Name  string
	Value any
}

// Operator describes how to build one primitive operation. The set of
// implementations is closed.
type Operator interface {
	Kind() OpKind
	Attributes() []Attribute
	operator()
}

type Conv struct {
	KernelSize  any
	Stride      any
	OutChannels any
}

type Linear struct {
	OutFeatures any
}

type Add struct{}

type Relu struct{}

type LeakyRelu struct {
	NegativeSlope any
}

type AvgPool struct {
	Window any
	Stride any
}

type Broadcast struct {
	Axis any
}

type Requantize struct {
	Bits any
}

type Identity struct{}

func (Conv) Kind() OpKind       { return KindConv }
func (Linear) Kind() OpKind     { return KindLinear }
func (Add) Kind() OpKind        { return KindAdd }
func (Relu) Kind() OpKind       { return KindRelu }
func (LeakyRelu) Kind() OpKind  { return KindLeakyRelu }
func (AvgPool) Kind() OpKind    { return KindAvgPool }
func (Broadcast) Kind() OpKind  { return KindBroadcast }
func (Requantize) Kind() OpKind { return KindRequantize }
func (Identity) Kind() OpKind   { return KindIdentity }

func (Conv) operator()       {}
func (Linear) operator()     {}
func (Add) operator()        {}
func (Relu) operator()       {}
func (LeakyRelu) operator()  {}
func (AvgPool) operator()    {}
func (Broadcast) operator()  {}
func (Requantize) operator() {}
func (Identity) operator()   {}

func (o Conv) Attributes() []Attribute {
	return []Attribute{
		{Name: "kernel_size", Value: o.KernelSize},
		{Name: "stride", Value: o.Stride},
		{Name: "out_channels", Value: o.OutChannels},
	}
}

func (o Linear) Attributes() []Attribute {
	return []Attribute{{Name: "out_features", Value: o.OutFeatures}}
}

func (Add) Attributes() []Attribute { return nil }

func (Relu) Attributes() []Attribute { return nil }

func (o LeakyRelu) Attributes() []Attribute {
	return []Attribute{{Name: "negative_slope", Value: o.NegativeSlope}}
}

func (o AvgPool) Attributes() []Attribute {
	return []Attribute{
		{Name: "window", Value: o.Window},
		{Name: "stride", Value: o.Stride},
	}
}

func (o Broadcast) Attributes() []Attribute {
	return []Attribute{{Name: "axis", Value: o.Axis}}
}

func (o Requantize) Attributes() []Attribute {
	return []Attribute{{Name: "bits", Value: o.Bits}}
}

func (Identity) Attributes() []Attribute { return nil }

// arity returns the accepted operand count range of op. A negative max means
// unbounded.
func arity(op Operator) (int, int) {
	switch op.(type) {
	case Conv, Linear:
		return 1, 2
	case Add:
		return 2, -1
	case Broadcast:
		return 1, 2
	default:
		return 1, 1
	}
}

// concreteOperator returns a copy of op with every attribute evaluated.
func concreteOperator(op Operator) (Operator, error) {
	var err error
	eval := func(name string, v any) any {
		if err != nil {
			return nil
		}
		var out any
		if p, ok := v.(param.Parameter); ok {
			out, err = p.Instantiate()
		} else {
			out, err = expr.Eval(v)
		}
		if err != nil {
			err = fmt.Errorf("%s.%s: %w", op.Kind(), name, err)
		}
		return out
	}

	var out Operator
	switch o := op.(type) {
	case Conv:
		out = Conv{
			KernelSize:  eval("kernel_size", o.KernelSize),
			Stride:      eval("stride", o.Stride),
			OutChannels: eval("out_channels", o.OutChannels),
		}
	case Linear:
		out = Linear{OutFeatures: eval("out_features", o.OutFeatures)}
	case LeakyRelu:
		out = LeakyRelu{NegativeSlope: eval("negative_slope", o.NegativeSlope)}
	case AvgPool:
		out = AvgPool{Window: eval("window", o.Window), Stride: eval("stride", o.Stride)}
	case Broadcast:
		out = Broadcast{Axis: eval("axis", o.Axis)}
	case Requantize:
		out = Requantize{Bits: eval("bits", o.Bits)}
	case Add, Relu, Identity:
		out = o
	default:
		return nil, fmt.Errorf("unknown operator %T", op)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
