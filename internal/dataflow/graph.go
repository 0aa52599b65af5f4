// Package dataflow models one parametrized network description as a DAG of
// operator applications.
//
// Nodes live in an arena owned by Graph and refer to each other by NodeID.
// Every node keeps an ordered operand list and a users index used for
// traversal and rewiring. A Composite closes a subgraph behind one input
// placeholder per external operand, so the block is substitutable as a single
// opaque node. AssignScopes derives hierarchical, human readable ids from the
// composite nesting; those ids key the hierarchical parameter map handed to
// the sampler.
package dataflow

import (
	"errors"
	"fmt"
	"strings"

	"nasfront/internal/param"
)

var (
	ErrGraphLink   = errors.New("graph link error")
	ErrInvalidName = errors.New("invalid node name")
	ErrUnknownNode = errors.New("unknown node")
)

// LinkError reports a malformed block construction. It is a programming
// error, not a runtime condition.
type LinkError struct {
	Block   string
	Operand NodeID
	Reason  string
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s: block %q operand %d: %s", ErrGraphLink, e.Block, e.Operand, e.Reason)
}

func (e *LinkError) Unwrap() error {
	return ErrGraphLink
}

// NodeID addresses a node inside its Graph.
type NodeID int

const NoNode NodeID = -1

// Node is one of *Tensor, *Op or *Composite.
type Node interface {
	ID() NodeID
	Name() string
	ScopeID() string
	Operands() []NodeID
	Users() []NodeID
	Params() *param.Set
	base() *header
}

type header struct {
	id       NodeID
	name     string
	scopeID  string
	operands []NodeID
	users    []NodeID
	params   *param.Set
}

func (h *header) ID() NodeID          { return h.id }
func (h *header) Name() string        { return h.name }
func (h *header) ScopeID() string     { return h.scopeID }
func (h *header) Params() *param.Set  { return h.params }
func (h *header) base() *header       { return h }
func (h *header) Operands() []NodeID  { return append([]NodeID(nil), h.operands...) }
func (h *header) Users() []NodeID     { return append([]NodeID(nil), h.users...) }
func (h *header) addUser(u NodeID)    { h.users = appendUnique(h.users, u) }
func (h *header) removeUser(u NodeID) { h.users = removeID(h.users, u) }

type TensorRole int

const (
	RoleInput TensorRole = iota
	RoleWeight
	RolePlaceholder
)

func (r TensorRole) String() string {
	switch r {
	case RoleWeight:
		return "Weight"
	case RolePlaceholder:
		return "Placeholder"
	default:
		return "Input"
	}
}

// Tensor is a leaf: a graph input, a weight, or a composite's input
// placeholder. Owner is the composite owning a placeholder.
type Tensor struct {
	header
	Shape []any
	Role  TensorRole
	Owner NodeID
}

// Op applies an Operator to its operands.
type Op struct {
	header
	Operator Operator
}

// Composite wraps a subgraph. Inputs holds one placeholder per operand.
type Composite struct {
	header
	Output  NodeID
	Inputs  []NodeID
	Repeats any
}

type Graph struct {
	nodes  []Node
	scopes map[string]NodeID
}

func NewGraph() *Graph {
	return &Graph{scopes: make(map[string]NodeID)}
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the node for id.
func (g *Graph) Node(id NodeID) (Node, error) {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return g.nodes[id], nil
}

func (g *Graph) node(id NodeID) Node {
	return g.nodes[id]
}

// Nodes lists every node id in creation order.
func (g *Graph) Nodes() []NodeID {
	out := make([]NodeID, len(g.nodes))
	for i := range g.nodes {
		out[i] = NodeID(i)
	}
	return out
}

// Walk visits every node in creation order until fn returns false.
func (g *Graph) Walk(fn func(Node) bool) {
	for _, n := range g.nodes {
		if !fn(n) {
			return
		}
	}
}

// Operands returns the operand list of id.
func (g *Graph) Operands(id NodeID) []NodeID {
	return g.node(id).Operands()
}

// Users returns the consumers of id. A composite reports the consumers of
// its output.
func (g *Graph) Users(id NodeID) []NodeID {
	return g.node(g.producer(id)).Users()
}

// Lookup resolves a scope id assigned by AssignScopes.
func (g *Graph) Lookup(scopeID string) (NodeID, bool) {
	id, ok := g.scopes[scopeID]
	return id, ok
}

// Input adds a graph input tensor.
func (g *Graph) Input(name string, shape ...any) (NodeID, error) {
	return g.tensor(name, shape, RoleInput, NoNode)
}

// Weight adds a weight tensor, usually consumed as the second operand of a
// Conv or Linear.
func (g *Graph) Weight(name string, shape ...any) (NodeID, error) {
	return g.tensor(name, shape, RoleWeight, NoNode)
}

func (g *Graph) tensor(name string, shape []any, role TensorRole, owner NodeID) (NodeID, error) {
	if err := validName(name); err != nil {
		return NoNode, err
	}
	t := &Tensor{Shape: shape, Role: role, Owner: owner}
	t.params = param.NewSet()
	for i, dim := range shape {
		if err := t.params.Register(fmt.Sprintf("dim%d", i), dim); err != nil {
			return NoNode, err
		}
	}
	return g.add(t, name, nil), nil
}

// Apply adds an operator application and links it into the users of each
// operand's producer.
func (g *Graph) Apply(name string, op Operator, operands ...NodeID) (NodeID, error) {
	if err := validName(name); err != nil {
		return NoNode, err
	}
	if op == nil {
		return NoNode, fmt.Errorf("apply %q: operator is required", name)
	}
	lo, hi := arity(op)
	if len(operands) < lo || (hi >= 0 && len(operands) > hi) {
		return NoNode, fmt.Errorf("apply %q: %s takes %s operands, got %d", name, op.Kind(), arityText(lo, hi), len(operands))
	}
	if err := g.checkIDs(operands); err != nil {
		return NoNode, fmt.Errorf("apply %q: %w", name, err)
	}
	o := &Op{Operator: op}
	o.params = param.NewSet()
	for _, attr := range op.Attributes() {
		if err := o.params.Register(attr.Name, attr.Value); err != nil {
			return NoNode, err
		}
	}
	id := g.add(o, name, operands)
	g.link(id)
	return id, nil
}

func (g *Graph) add(n Node, name string, operands []NodeID) NodeID {
	h := n.base()
	h.id = NodeID(len(g.nodes))
	h.name = name
	h.operands = append([]NodeID(nil), operands...)
	g.nodes = append(g.nodes, n)
	return h.id
}

func (g *Graph) link(id NodeID) {
	for _, operand := range g.node(id).base().operands {
		g.node(g.producer(operand)).base().addUser(id)
	}
}

// producer resolves composites to the node producing their output.
func (g *Graph) producer(id NodeID) NodeID {
	for {
		c, ok := g.node(id).(*Composite)
		if !ok {
			return id
		}
		id = c.Output
	}
}

func (g *Graph) checkIDs(ids []NodeID) error {
	for _, id := range ids {
		if id < 0 || int(id) >= len(g.nodes) {
			return fmt.Errorf("%w: %d", ErrUnknownNode, id)
		}
	}
	return nil
}

// Parameters returns every parameter reachable from the graph's nodes as a
// hierarchical map keyed by scope id segments.
func (g *Graph) Parameters() map[string]any {
	flat := make(map[string]param.Parameter)
	for _, n := range g.nodes {
		for id, p := range n.Params().Flat() {
			if _, ok := flat[id]; !ok {
				flat[id] = p
			}
		}
	}
	return param.Hierarchical(flat)
}

func validName(name string) error {
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func arityText(lo, hi int) string {
	switch {
	case hi < 0:
		return fmt.Sprintf("at least %d", lo)
	case lo == hi:
		return fmt.Sprintf("%d", lo)
	default:
		return fmt.Sprintf("%d to %d", lo, hi)
	}
}

func appendUnique(ids []NodeID, id NodeID) []NodeID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func containsID(ids []NodeID, id NodeID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
