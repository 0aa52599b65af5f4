package space

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"

	"nasfront/internal/expr"
	"nasfront/internal/metrics"
)

var ErrUnsatisfiableConstraint = errors.New("unsatisfiable channel constraint")

// Policy decides what happens when the channel equalities contradict each
// other.
type Policy int

const (
	// Reject fails the solve with ErrUnsatisfiableConstraint.
	Reject Policy = iota
	// Coerce keeps the value bound first and reports the overridden symbols.
	Coerce
)

func (p Policy) String() string {
	if p == Coerce {
		return "coerce"
	}
	return "reject"
}

// ParsePolicy accepts "reject" and "coerce".
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "reject":
		return Reject, nil
	case "coerce":
		return Coerce, nil
	default:
		return Reject, fmt.Errorf("unknown constraint policy %q", name)
	}
}

// ConstraintError names the symbol whose equalities disagree.
type ConstraintError struct {
	Symbol string
	Want   int
	Have   int
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s: %s must equal %d but is bound to %d", ErrUnsatisfiableConstraint, e.Symbol, e.Want, e.Have)
}

func (e *ConstraintError) Unwrap() error {
	return ErrUnsatisfiableConstraint
}

// Result is a solved configuration. Coerced lists the symbols whose requested
// value was overridden under the Coerce policy.
type Result struct {
	Config  Config
	Coerced []string
}

// Constrainer makes output channels agree across merge points. Every node has
// a symbol "<node>_out_channels". An add node equates its inputs and its
// output; a channel changing node is free; every other node passes the
// channels of its first input through.
type Constrainer struct {
	space  *Space
	policy Policy
	log    *zap.Logger
}

type ConstrainerOption func(*Constrainer)

func WithPolicy(p Policy) ConstrainerOption {
	return func(c *Constrainer) {
		c.policy = p
	}
}

func WithConstrainerLogger(log *zap.Logger) ConstrainerOption {
	return func(c *Constrainer) {
		if log != nil {
			c.log = log
		}
	}
}

func NewConstrainer(s *Space, opts ...ConstrainerOption) *Constrainer {
	c := &Constrainer{space: s, policy: Reject, log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Symbol names the output channel variable of a node.
func Symbol(node string) string {
	return node + "_out_channels"
}

// ConstrainOutputChannels returns a copy of cfg whose searchable output
// channels satisfy the equalities of the graph. setTo adds caller equalities
// keyed by symbol. Searchable nodes are pinned in topological order: a node in
// an already bound class takes that value, otherwise its configured value binds
// the class.
func (c *Constrainer) ConstrainOutputChannels(cfg Config, setTo map[string]int) (Result, error) {
	res, err := c.solve(cfg, setTo)
	switch {
	case err != nil:
		metrics.SolverOutcomes.WithLabelValues("rejected").Inc()
	case len(res.Coerced) > 0:
		metrics.SolverOutcomes.WithLabelValues("coerced").Inc()
	default:
		metrics.SolverOutcomes.WithLabelValues("solved").Inc()
	}
	return res, err
}

func (c *Constrainer) solve(cfg Config, setTo map[string]int) (Result, error) {
	order := c.space.TopologicalSort()
	uf := c.equalities(order)

	out := Result{Config: cfg.Clone()}
	dims := c.space.GetConfigDims()
	bound := make(map[string]int)
	bind := func(sym string, v int) error {
		root := uf.find(sym)
		have, ok := bound[root]
		if !ok {
			bound[root] = v
			return nil
		}
		if have == v {
			return nil
		}
		if c.policy == Reject {
			return &ConstraintError{Symbol: sym, Want: v, Have: have}
		}
		out.Coerced = append(out.Coerced, sym)
		c.log.Debug("channel constraint coerced",
			zap.String("symbol", sym),
			zap.Int("requested", v),
			zap.Int("kept", have))
		return nil
	}

	// Fixed channel arguments are hard equalities.
	for _, n := range order {
		arg := n.Kind.ChannelParam()
		if arg == "" {
			continue
		}
		if _, searchable := dims[n.Name][arg]; searchable {
			continue
		}
		v, ok := n.Params[arg]
		if !ok {
			continue
		}
		fixed, err := expr.EvalInt(v)
		if err != nil {
			return Result{}, fmt.Errorf("%s.%s: %w", n.Name, arg, err)
		}
		if err := bind(Symbol(n.Name), fixed); err != nil {
			return Result{}, err
		}
	}

	symbols := make([]string, 0, len(setTo))
	for sym := range setTo {
		if !uf.has(sym) {
			return Result{}, fmt.Errorf("%w: unknown symbol %s", ErrUnknownNode, sym)
		}
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		if err := bind(sym, setTo[sym]); err != nil {
			return Result{}, err
		}
	}

	for _, n := range order {
		arg := n.Kind.ChannelParam()
		if arg == "" {
			continue
		}
		p, searchable := dims[n.Name][arg]
		if !searchable {
			continue
		}
		root := uf.find(Symbol(n.Name))
		if v, ok := bound[root]; ok {
			if err := p.Check(v); err != nil {
				if c.policy == Reject {
					return Result{}, fmt.Errorf("%w: %s: %w", ErrUnsatisfiableConstraint, Symbol(n.Name), err)
				}
				// The class value is outside this node's domain. Keep an
				// in-domain value and leave the equality broken.
				kept := p.Current()
				if have, ok := out.Config.Get(n.Name, arg); ok && p.Check(have) == nil {
					kept = have
				}
				if !slices.Contains(out.Coerced, Symbol(n.Name)) {
					out.Coerced = append(out.Coerced, Symbol(n.Name))
				}
				c.log.Debug("channel constraint coerced",
					zap.String("symbol", Symbol(n.Name)),
					zap.Int("requested", v),
					zap.Any("kept", kept))
				out.Config.Set(n.Name, arg, kept)
				continue
			}
			out.Config.Set(n.Name, arg, v)
			continue
		}
		current, ok := out.Config.Get(n.Name, arg)
		if !ok {
			current = p.Current()
		}
		v, err := expr.EvalInt(current)
		if err != nil {
			return Result{}, fmt.Errorf("%s.%s: %w", n.Name, arg, err)
		}
		bound[root] = v
		out.Config.Set(n.Name, arg, v)
	}
	return out, nil
}

// Classes groups the symbols that must share a value. Used by the CLI to show
// the equalities of a space.
func (c *Constrainer) Classes() [][]string {
	uf := c.equalities(c.space.TopologicalSort())
	groups := make(map[string][]string)
	var roots []string
	for _, sym := range uf.order {
		root := uf.find(sym)
		if _, ok := groups[root]; !ok {
			roots = append(roots, root)
		}
		groups[root] = append(groups[root], sym)
	}
	out := make([][]string, 0, len(roots))
	for _, root := range roots {
		out = append(out, groups[root])
	}
	return out
}

func (c *Constrainer) equalities(order []*Node) *unionFind {
	uf := newUnionFind()
	for _, n := range order {
		sym := Symbol(n.Name)
		uf.add(sym)
		preds := c.space.Predecessors(n.Name)
		switch {
		case len(preds) == 0:
		case n.Kind == Add:
			for _, p := range preds {
				uf.union(sym, Symbol(p.Name))
			}
		case n.Kind.ChannelParam() != "":
		default:
			uf.union(sym, Symbol(preds[0].Name))
		}
	}
	return uf
}

type unionFind struct {
	parent map[string]string
	order  []string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) add(x string) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
		u.order = append(u.order, x)
	}
}

func (u *unionFind) has(x string) bool {
	_, ok := u.parent[x]
	return ok
}

func (u *unionFind) find(x string) string {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b string) {
	u.add(a)
	u.add(b)
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}
