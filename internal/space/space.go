// Package space holds plain search spaces: a DAG of symbolic operators whose
// arguments may be searchable parameters, together with shape inference, the
// output-channel constraint solver and analytical cost estimation.
package space

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"nasfront/internal/param"
)

var (
	ErrDuplicateNode = errors.New("duplicate node")
	ErrUnknownNode   = errors.New("unknown node")
	ErrCycle         = errors.New("edge would create a cycle")
)

// Node is a symbolic operator: a module kind plus its constructor arguments.
// Arguments are concrete values or param.Parameter values.
type Node struct {
	Name   string
	Kind   Kind
	Params map[string]any
}

// Config assigns concrete values to searchable arguments, keyed by node name
// and argument name.
type Config map[string]map[string]any

// Clone returns a copy that shares no maps with c.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for node, args := range c {
		inner := make(map[string]any, len(args))
		for k, v := range args {
			inner[k] = v
		}
		out[node] = inner
	}
	return out
}

// Set assigns one argument, creating the node entry when needed.
func (c Config) Set(node, arg string, v any) {
	if c[node] == nil {
		c[node] = make(map[string]any)
	}
	c[node][arg] = v
}

// Get returns one argument.
func (c Config) Get(node, arg string) (any, bool) {
	args, ok := c[node]
	if !ok {
		return nil, false
	}
	v, ok := args[arg]
	return v, ok
}

// Space is a DAG of symbolic operators. Node order is insertion order.
type Space struct {
	nodes []*Node
	index map[string]int
	preds map[string][]string
	succs map[string][]string
	log   *zap.Logger
}

type Option func(*Space)

// WithLogger routes inference diagnostics to log.
func WithLogger(log *zap.Logger) Option {
	return func(s *Space) {
		if log != nil {
			s.log = log
		}
	}
}

func New(opts ...Option) *Space {
	s := &Space{
		index: make(map[string]int),
		preds: make(map[string][]string),
		succs: make(map[string][]string),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddNode inserts n. Parameters among its arguments get the id
// "<node>.<argument>".
func (s *Space) AddNode(n *Node) error {
	if n == nil || n.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if _, ok := s.index[n.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
	}
	if n.Params == nil {
		n.Params = make(map[string]any)
	}
	for arg, v := range n.Params {
		if p, ok := v.(param.Parameter); ok && p.ID() == "" {
			p.SetID(n.Name + "." + arg)
		}
	}
	s.index[n.Name] = len(s.nodes)
	s.nodes = append(s.nodes, n)
	return nil
}

// Connect adds the edge u -> v. Duplicate edges are ignored.
func (s *Space) Connect(u, v string) error {
	if _, ok := s.index[u]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, u)
	}
	if _, ok := s.index[v]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, v)
	}
	for _, existing := range s.succs[u] {
		if existing == v {
			return nil
		}
	}
	if u == v || s.reaches(v, u) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, u, v)
	}
	s.succs[u] = append(s.succs[u], v)
	s.preds[v] = append(s.preds[v], u)
	return nil
}

func (s *Space) reaches(from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		for _, next := range s.succs[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (s *Space) Len() int {
	return len(s.nodes)
}

func (s *Space) Node(name string) (*Node, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.nodes[i], true
}

// Nodes returns the nodes in insertion order.
func (s *Space) Nodes() []*Node {
	return append([]*Node(nil), s.nodes...)
}

// Predecessors returns the producers of name in edge insertion order.
func (s *Space) Predecessors(name string) []*Node {
	out := make([]*Node, 0, len(s.preds[name]))
	for _, p := range s.preds[name] {
		out = append(out, s.nodes[s.index[p]])
	}
	return out
}

func (s *Space) Successors(name string) []*Node {
	out := make([]*Node, 0, len(s.succs[name]))
	for _, p := range s.succs[name] {
		out = append(out, s.nodes[s.index[p]])
	}
	return out
}

// TopologicalSort orders the nodes so that every edge points forward. Ready
// nodes are released in insertion order.
func (s *Space) TopologicalSort() []*Node {
	indegree := make([]int, len(s.nodes))
	for i, n := range s.nodes {
		indegree[i] = len(s.preds[n.Name])
	}
	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]*Node, 0, len(s.nodes))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		out = append(out, s.nodes[i])
		for _, next := range s.succs[s.nodes[i].Name] {
			j := s.index[next]
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	return out
}

// GetConfigDims returns the searchable arguments of every node that has any.
func (s *Space) GetConfigDims() map[string]map[string]param.Parameter {
	out := make(map[string]map[string]param.Parameter)
	for _, n := range s.nodes {
		for arg, v := range n.Params {
			p, ok := v.(param.Parameter)
			if !ok {
				continue
			}
			if out[n.Name] == nil {
				out[n.Name] = make(map[string]param.Parameter)
			}
			out[n.Name][arg] = p
		}
	}
	return out
}

// Schema describes every searchable argument in the wire format understood by
// the samplers.
func (s *Space) Schema() (map[string]any, error) {
	out := make(map[string]any)
	for node, dims := range s.GetConfigDims() {
		inner := make(map[string]any, len(dims))
		for arg, p := range dims {
			schema, err := p.Schema()
			if err != nil {
				return nil, fmt.Errorf("schema %s.%s: %w", node, arg, err)
			}
			inner[arg] = schema
		}
		out[node] = inner
	}
	return out, nil
}

// CurrentConfig returns the current value of every searchable argument.
func (s *Space) CurrentConfig() Config {
	cfg := make(Config)
	for node, dims := range s.GetConfigDims() {
		for arg, p := range dims {
			cfg.Set(node, arg, p.Current())
		}
	}
	return cfg
}

// RandomConfig draws a value for every searchable argument from rng without
// touching the parameters' current values.
func (s *Space) RandomConfig(rng *rand.Rand) (Config, error) {
	cfg := make(Config)
	for _, n := range s.nodes {
		args := make([]string, 0, len(n.Params))
		for arg := range n.Params {
			args = append(args, arg)
		}
		sort.Strings(args)
		for _, arg := range args {
			p, ok := n.Params[arg].(param.Parameter)
			if !ok {
				continue
			}
			v, err := draw(rng, p)
			if err != nil {
				return nil, fmt.Errorf("draw %s.%s: %w", n.Name, arg, err)
			}
			cfg.Set(n.Name, arg, v)
		}
	}
	return cfg, nil
}

// Validate checks every value in cfg against the matching parameter domain.
func (s *Space) Validate(cfg Config) error {
	dims := s.GetConfigDims()
	for node, args := range cfg {
		for arg, v := range args {
			p, ok := dims[node][arg]
			if !ok {
				return fmt.Errorf("%w: %s.%s is not searchable", ErrUnknownNode, node, arg)
			}
			if err := p.Check(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlattenConfig joins node and argument names into "<node>_<argument>" keys.
func FlattenConfig(cfg Config) map[string]any {
	out := make(map[string]any)
	for node, args := range cfg {
		for arg, v := range args {
			out[node+"_"+arg] = v
		}
	}
	return out
}

// ConfigFromValues converts a sampler parameter map (node -> argument ->
// value) into a Config.
func ConfigFromValues(values map[string]any) (Config, error) {
	cfg := make(Config, len(values))
	for node, raw := range values {
		args, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("node %q: expected a mapping, got %T", node, raw)
		}
		for arg, v := range args {
			cfg.Set(node, arg, v)
		}
	}
	return cfg, nil
}

// Values is the inverse of ConfigFromValues.
func (c Config) Values() map[string]any {
	out := make(map[string]any, len(c))
	for node, args := range c {
		inner := make(map[string]any, len(args))
		for k, v := range args {
			inner[k] = v
		}
		out[node] = inner
	}
	return out
}

func draw(rng *rand.Rand, p param.Parameter) (any, error) {
	switch p := p.(type) {
	case *param.IntScalar:
		lo, hi, err := p.Bounds()
		if err != nil {
			return nil, err
		}
		if hi <= lo {
			return lo, nil
		}
		return lo + rng.Intn(hi-lo), nil
	case *param.FloatScalar:
		lo, hi, err := p.Bounds()
		if err != nil {
			return nil, err
		}
		return lo + rng.Float64()*(hi-lo), nil
	case *param.Categorical:
		if len(p.Choices) == 0 {
			return nil, fmt.Errorf("%w: %s has no choices", param.ErrDomainViolation, p.ID())
		}
		return drawMember(rng, p.Choices[rng.Intn(len(p.Choices))])
	case *param.Subset:
		if len(p.Choices) == 0 {
			return nil, fmt.Errorf("%w: %s has no choices", param.ErrDomainViolation, p.ID())
		}
		size := p.Min
		if p.Max > p.Min {
			size += rng.Intn(p.Max - p.Min + 1)
		}
		out := make([]any, 0, size)
		for i := 0; i < size; i++ {
			v, err := drawMember(rng, p.Choices[rng.Intn(len(p.Choices))])
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return p.Sample()
	}
}

func drawMember(rng *rand.Rand, choice any) (any, error) {
	if nested, ok := choice.(param.Parameter); ok {
		return draw(rng, nested)
	}
	return choice, nil
}
