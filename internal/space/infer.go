package space

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"nasfront/internal/expr"
	"nasfront/internal/metrics"
	"nasfront/internal/param"
)

var ErrNodeInstantiation = errors.New("node instantiation failed")

// NodeFailure records why one node could not be instantiated.
type NodeFailure struct {
	Node string
	Args int
	Err  error
}

// InstantiationError collects the per-node failures of one inference pass.
type InstantiationError struct {
	Failures []NodeFailure
}

func (e *InstantiationError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s (%d args): %v", f.Node, f.Args, f.Err)
	}
	return fmt.Sprintf("%s: %s", ErrNodeInstantiation, strings.Join(parts, "; "))
}

func (e *InstantiationError) Unwrap() error {
	return ErrNodeInstantiation
}

// Context carries one inference pass: the configuration to apply, the memoized
// output shapes, the concrete modules by node name and the failures seen.
type Context struct {
	Config   Config
	Outputs  map[string]Shape
	Inputs   map[string][]Shape
	Relabel  map[string]Module
	Failures []NodeFailure
}

func NewContext(cfg Config) *Context {
	if cfg == nil {
		cfg = make(Config)
	}
	return &Context{
		Config:  cfg,
		Outputs: make(map[string]Shape),
		Inputs:  make(map[string][]Shape),
		Relabel: make(map[string]Module),
	}
}

// Instance is a space with every node bound to a concrete module.
type Instance struct {
	Order   []string
	Modules map[string]Module
	Inputs  map[string][]Shape
	Outputs map[string]Shape
	Input   Shape
	Output  Shape
	Config  Config
	space   *Space
}

// Forward recomputes the output shape for a new input shape.
func (i *Instance) Forward(x Shape) (Shape, error) {
	outputs := make(map[string]Shape, len(i.Order))
	var last Shape
	for _, name := range i.Order {
		preds := i.space.Predecessors(name)
		var inputs []Shape
		if len(preds) == 0 {
			inputs = []Shape{x}
		}
		for _, p := range preds {
			inputs = append(inputs, outputs[p.Name])
		}
		m, ok := i.Modules[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeInstantiation, name)
		}
		out, err := m.Forward(inputs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		outputs[name] = out
		last = out
	}
	return last, nil
}

// InferParameters instantiates every node reachable from the sink for input x.
// Predecessor results are memoized in ctx. Failures are logged and collected;
// the returned instance then covers only the nodes that succeeded and the
// error is an *InstantiationError.
func (s *Space) InferParameters(x Shape, ctx *Context) (*Instance, error) {
	if ctx == nil {
		ctx = NewContext(nil)
	}
	order := s.TopologicalSort()
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: empty search space", ErrNodeInstantiation)
	}
	sink := order[len(order)-1]
	failed := make(map[string]bool)
	s.traverse(sink, x, ctx, failed)

	inst := &Instance{
		Modules: make(map[string]Module),
		Inputs:  make(map[string][]Shape),
		Outputs: make(map[string]Shape),
		Input:   append(Shape(nil), x...),
		Output:  ctx.Outputs[sink.Name],
		Config:  ctx.Config.Clone(),
		space:   s,
	}
	for _, n := range order {
		if m, ok := ctx.Relabel[n.Name]; ok {
			inst.Order = append(inst.Order, n.Name)
			inst.Modules[n.Name] = m
			inst.Inputs[n.Name] = ctx.Inputs[n.Name]
			inst.Outputs[n.Name] = ctx.Outputs[n.Name]
		}
	}
	if len(ctx.Failures) > 0 {
		return inst, &InstantiationError{Failures: append([]NodeFailure(nil), ctx.Failures...)}
	}
	return inst, nil
}

func (s *Space) traverse(n *Node, x Shape, ctx *Context, failed map[string]bool) (Shape, bool) {
	if out, ok := ctx.Outputs[n.Name]; ok {
		return out, true
	}
	if failed[n.Name] {
		return nil, false
	}
	preds := s.Predecessors(n.Name)
	var inputs []Shape
	if len(preds) == 0 {
		inputs = []Shape{x}
	}
	for _, p := range preds {
		out, ok := s.traverse(p, x, ctx, failed)
		if !ok {
			s.fail(n, len(preds), fmt.Errorf("input %s unavailable", p.Name), ctx, failed)
			return nil, false
		}
		inputs = append(inputs, out)
	}

	args, err := s.resolve(n, ctx.Config)
	if err != nil {
		s.fail(n, len(inputs), err, ctx, failed)
		return nil, false
	}
	m, err := n.Kind.New(args, inputs)
	if err != nil {
		s.fail(n, len(inputs), err, ctx, failed)
		return nil, false
	}
	out, err := m.Forward(inputs)
	if err != nil {
		s.fail(n, len(inputs), err, ctx, failed)
		return nil, false
	}
	ctx.Relabel[n.Name] = m
	ctx.Inputs[n.Name] = inputs
	ctx.Outputs[n.Name] = out
	return out, true
}

func (s *Space) fail(n *Node, args int, err error, ctx *Context, failed map[string]bool) {
	failed[n.Name] = true
	ctx.Failures = append(ctx.Failures, NodeFailure{Node: n.Name, Args: args, Err: err})
	metrics.NodeFailures.WithLabelValues(n.Kind.String()).Inc()
	s.log.Warn("node instantiation failed",
		zap.String("node", n.Name),
		zap.Int("args", args),
		zap.Error(err))
}

// resolve replaces parameters with the configured value, falling back to the
// parameter's current value.
func (s *Space) resolve(n *Node, cfg Config) (map[string]any, error) {
	out := make(map[string]any, len(n.Params))
	for arg, v := range n.Params {
		if configured, ok := cfg.Get(n.Name, arg); ok {
			out[arg] = configured
			continue
		}
		switch v := v.(type) {
		case param.Parameter:
			out[arg] = v.Current()
		case expr.Expression:
			value, err := v.Evaluate()
			if err != nil {
				return nil, fmt.Errorf("argument %s: %w", arg, err)
			}
			out[arg] = value
		default:
			out[arg] = v
		}
	}
	return out, nil
}
