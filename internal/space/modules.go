package space

import (
	"fmt"
	"strings"

	"nasfront/internal/expr"
)

// Kind names a module constructor.
type Kind int

const (
	Conv1d Kind = iota
	BatchNorm1d
	ReLU
	Add
	Identity
	AvgPool1d
	Linear
)

var kindNames = map[Kind]string{
	Conv1d:      "conv1d",
	BatchNorm1d: "batchnorm1d",
	ReLU:        "relu",
	Add:         "add",
	Identity:    "identity",
	AvgPool1d:   "avgpool1d",
	Linear:      "linear",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts the lower-case module names used in space definitions.
func ParseKind(name string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == normalized {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown module kind %q", name)
}

// ChannelParam is the argument that sets a node's output channels, or "" when
// the kind passes its input channels through.
func (k Kind) ChannelParam() string {
	switch k {
	case Conv1d:
		return "out_channels"
	case Linear:
		return "out_features"
	default:
		return ""
	}
}

// Shape is a tensor shape in batch, channel, length order.
type Shape []int

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Elements is the number of values per shape, batch included.
func (s Shape) Elements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Module is a concrete operator that only propagates shapes.
type Module interface {
	Kind() Kind
	Forward(inputs []Shape) (Shape, error)
}

// New builds the module for k from concrete arguments, inferring the input
// dependent sizes from inputs.
func (k Kind) New(args map[string]any, inputs []Shape) (Module, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%s: no inputs", k)
	}
	in := inputs[0]
	switch k {
	case Conv1d:
		if len(in) != 3 {
			return nil, fmt.Errorf("conv1d: expected NCL input, got %v", in)
		}
		m := &Conv{InChannels: in[1], Stride: 1, Dilation: 1, Padding: -1}
		var err error
		if m.OutChannels, err = intArg(args, "out_channels", 0); err != nil {
			return nil, err
		}
		if m.KernelSize, err = intArg(args, "kernel_size", 1); err != nil {
			return nil, err
		}
		if m.Stride, err = intArg(args, "stride", 1); err != nil {
			return nil, err
		}
		if m.Dilation, err = intArg(args, "dilation", 1); err != nil {
			return nil, err
		}
		if m.Padding, err = intArg(args, "padding", -1); err != nil {
			return nil, err
		}
		if m.Padding < 0 {
			m.Padding = m.Dilation * (m.KernelSize - 1) / 2
		}
		if m.OutChannels <= 0 || m.KernelSize <= 0 || m.Stride <= 0 || m.Dilation <= 0 {
			return nil, fmt.Errorf("conv1d: invalid arguments %+v", *m)
		}
		return m, nil
	case BatchNorm1d:
		if len(in) < 2 {
			return nil, fmt.Errorf("batchnorm1d: expected channel dimension, got %v", in)
		}
		features, err := intArg(args, "num_features", in[1])
		if err != nil {
			return nil, err
		}
		return &BatchNorm{NumFeatures: features}, nil
	case ReLU:
		return passThrough{kind: ReLU}, nil
	case Identity:
		return passThrough{kind: Identity}, nil
	case Add:
		return addModule{}, nil
	case AvgPool1d:
		m := &AvgPool{}
		var err error
		if m.KernelSize, err = intArg(args, "kernel_size", 2); err != nil {
			return nil, err
		}
		if m.Stride, err = intArg(args, "stride", m.KernelSize); err != nil {
			return nil, err
		}
		if m.KernelSize <= 0 || m.Stride <= 0 {
			return nil, fmt.Errorf("avgpool1d: invalid arguments %+v", *m)
		}
		return m, nil
	case Linear:
		if len(in) < 2 {
			return nil, fmt.Errorf("linear: expected batched input, got %v", in)
		}
		out, err := intArg(args, "out_features", 0)
		if err != nil {
			return nil, err
		}
		if out <= 0 {
			return nil, fmt.Errorf("linear: out_features must be positive, got %d", out)
		}
		return &LinearModule{InFeatures: Shape(in[1:]).Elements(), OutFeatures: out}, nil
	default:
		return nil, fmt.Errorf("unknown module kind %d", int(k))
	}
}

func intArg(args map[string]any, name string, fallback int) (int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return fallback, nil
	}
	n, err := expr.EvalInt(v)
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", name, err)
	}
	return n, nil
}

// Conv is a 1-d convolution.
type Conv struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Dilation    int
	Padding     int
}

func (m *Conv) Kind() Kind { return Conv1d }

func (m *Conv) Forward(inputs []Shape) (Shape, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("conv1d: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	if len(in) != 3 || in[1] != m.InChannels {
		return nil, fmt.Errorf("conv1d: input %v does not match %d channels", in, m.InChannels)
	}
	length := (in[2]+2*m.Padding-m.Dilation*(m.KernelSize-1)-1)/m.Stride + 1
	if length <= 0 {
		return nil, fmt.Errorf("conv1d: input length %d too short for kernel %d", in[2], m.KernelSize)
	}
	return Shape{in[0], m.OutChannels, length}, nil
}

type BatchNorm struct {
	NumFeatures int
}

func (m *BatchNorm) Kind() Kind { return BatchNorm1d }

func (m *BatchNorm) Forward(inputs []Shape) (Shape, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("batchnorm1d: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	if len(in) < 2 || in[1] != m.NumFeatures {
		return nil, fmt.Errorf("batchnorm1d: input %v does not match %d features", in, m.NumFeatures)
	}
	return append(Shape(nil), in...), nil
}

type AvgPool struct {
	KernelSize int
	Stride     int
}

func (m *AvgPool) Kind() Kind { return AvgPool1d }

func (m *AvgPool) Forward(inputs []Shape) (Shape, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("avgpool1d: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	if len(in) != 3 || in[2] < m.KernelSize {
		return nil, fmt.Errorf("avgpool1d: input %v shorter than window %d", in, m.KernelSize)
	}
	return Shape{in[0], in[1], (in[2]-m.KernelSize)/m.Stride + 1}, nil
}

// LinearModule flattens everything after the batch dimension.
type LinearModule struct {
	InFeatures  int
	OutFeatures int
}

func (m *LinearModule) Kind() Kind { return Linear }

func (m *LinearModule) Forward(inputs []Shape) (Shape, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("linear: expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	if len(in) < 2 || Shape(in[1:]).Elements() != m.InFeatures {
		return nil, fmt.Errorf("linear: input %v does not match %d features", in, m.InFeatures)
	}
	return Shape{in[0], m.OutFeatures}, nil
}

type passThrough struct {
	kind Kind
}

func (m passThrough) Kind() Kind { return m.kind }

func (m passThrough) Forward(inputs []Shape) (Shape, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%s: expected 1 input, got %d", m.kind, len(inputs))
	}
	return append(Shape(nil), inputs[0]...), nil
}

type addModule struct{}

func (addModule) Kind() Kind { return Add }

func (addModule) Forward(inputs []Shape) (Shape, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("add: no inputs")
	}
	for _, in := range inputs[1:] {
		if !in.Equal(inputs[0]) {
			return nil, fmt.Errorf("add: shape mismatch %v vs %v", inputs[0], in)
		}
	}
	return append(Shape(nil), inputs[0]...), nil
}
