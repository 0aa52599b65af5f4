package dataflow

import (
	"fmt"

	"nasfront/internal/expr"
	"nasfront/internal/param"
)

// Flatten returns a new graph holding only the concrete nodes reachable from
// root. Composites resolve to the producer of their output and placeholders
// to the producer of the matching composite operand. Nodes are created in
// post-order from root and users are rebuilt by linking, so flattening an
// already flat graph reproduces it exactly.
//
// Each flattened node gets a copy of its source's parameter set. Registering
// on one graph leaves the other alone, but both refer to the same parameter
// objects: sampling or SetCurrent on a parameter shows through in both graphs.
func (g *Graph) Flatten(root NodeID) (*Graph, NodeID, error) {
	if err := g.checkIDs([]NodeID{root}); err != nil {
		return nil, NoNode, err
	}
	bind := make(map[NodeID]NodeID)
	for _, n := range g.nodes {
		if c, ok := n.(*Composite); ok {
			for i, in := range c.Inputs {
				bind[in] = c.operands[i]
			}
		}
	}

	out := NewGraph()
	memo := make(map[NodeID]NodeID)
	var visit func(id NodeID) (NodeID, error)
	visit = func(id NodeID) (NodeID, error) {
		id, err := g.resolveConcrete(id, bind)
		if err != nil {
			return NoNode, err
		}
		if nid, ok := memo[id]; ok {
			return nid, nil
		}
		n := g.node(id)
		operands := make([]NodeID, 0, len(n.base().operands))
		for _, o := range n.base().operands {
			nid, err := visit(o)
			if err != nil {
				return NoNode, err
			}
			operands = append(operands, nid)
		}

		var clone Node
		switch n := n.(type) {
		case *Tensor:
			clone = &Tensor{Shape: n.Shape, Role: n.Role, Owner: NoNode}
		case *Op:
			clone = &Op{Operator: n.Operator}
		default:
			return NoNode, fmt.Errorf("flatten: unexpected node %T", n)
		}
		clone.base().params = n.Params().Copy()
		nid := out.add(clone, n.Name(), operands)
		clone.base().scopeID = n.ScopeID()
		if n.ScopeID() != "" {
			out.scopes[n.ScopeID()] = nid
		}
		out.link(nid)
		memo[id] = nid
		return nid, nil
	}

	newRoot, err := visit(root)
	if err != nil {
		return nil, NoNode, err
	}
	return out, newRoot, nil
}

func (g *Graph) resolveConcrete(id NodeID, bind map[NodeID]NodeID) (NodeID, error) {
	for {
		switch n := g.node(id).(type) {
		case *Composite:
			id = n.Output
		case *Tensor:
			if n.Role != RolePlaceholder {
				return id, nil
			}
			src, ok := bind[id]
			if !ok {
				return NoNode, fmt.Errorf("flatten: placeholder %d is not bound", id)
			}
			id = src
		default:
			return id, nil
		}
	}
}

// HasComposites reports whether any composite or placeholder remains.
func (g *Graph) HasComposites() bool {
	for _, n := range g.nodes {
		switch n := n.(type) {
		case *Composite:
			return true
		case *Tensor:
			if n.Role == RolePlaceholder {
				return true
			}
		}
	}
	return false
}

// Instantiate returns a copy of the graph with every attribute, shape and
// repeat count replaced by its concrete value. Node conditions are checked
// first.
func (g *Graph) Instantiate() (*Graph, error) {
	out := &Graph{
		nodes:  make([]Node, len(g.nodes)),
		scopes: make(map[string]NodeID, len(g.scopes)),
	}
	for k, v := range g.scopes {
		out.scopes[k] = v
	}
	for i, n := range g.nodes {
		if err := n.Params().Check(); err != nil {
			return nil, fmt.Errorf("%s: %w", label(n), err)
		}
		h := n.base()
		nh := header{
			id:       h.id,
			name:     h.name,
			scopeID:  h.scopeID,
			operands: append([]NodeID(nil), h.operands...),
			users:    append([]NodeID(nil), h.users...),
			params:   param.NewSet(),
		}
		switch n := n.(type) {
		case *Tensor:
			shape := make([]any, len(n.Shape))
			for j, dim := range n.Shape {
				v, err := expr.Eval(dim)
				if err != nil {
					return nil, fmt.Errorf("%s: dim %d: %w", label(n), j, err)
				}
				shape[j] = v
			}
			out.nodes[i] = &Tensor{header: nh, Shape: shape, Role: n.Role, Owner: n.Owner}
		case *Op:
			op, err := concreteOperator(n.Operator)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", label(n), err)
			}
			out.nodes[i] = &Op{header: nh, Operator: op}
		case *Composite:
			var repeats any
			if n.Repeats != nil {
				v, err := expr.Eval(n.Repeats)
				if err != nil {
					return nil, fmt.Errorf("%s: repeats: %w", label(n), err)
				}
				repeats = v
			}
			out.nodes[i] = &Composite{
				header:  nh,
				Output:  n.Output,
				Inputs:  append([]NodeID(nil), n.Inputs...),
				Repeats: repeats,
			}
		}
	}
	return out, nil
}

func label(n Node) string {
	if n.ScopeID() != "" {
		return n.ScopeID()
	}
	return fmt.Sprintf("%s#%d", n.Name(), n.ID())
}
