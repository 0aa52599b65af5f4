package dataflow

import (
	"fmt"
	"sort"
	"strings"

	"nasfront/internal/expr"
	"nasfront/internal/param"
)

// NodeSummary is a comparable view of one node.
type NodeSummary struct {
	ID       NodeID   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	ScopeID  string   `json:"scope_id,omitempty" yaml:"scope_id,omitempty"`
	Kind     string   `json:"kind" yaml:"kind"`
	Operands []NodeID `json:"operands,omitempty" yaml:"operands,omitempty"`
	Users    []NodeID `json:"users,omitempty" yaml:"users,omitempty"`
}

// Summary lists every node in creation order.
func (g *Graph) Summary() []NodeSummary {
	out := make([]NodeSummary, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, NodeSummary{
			ID:       n.ID(),
			Name:     n.Name(),
			ScopeID:  n.ScopeID(),
			Kind:     kindOf(n),
			Operands: n.Operands(),
			Users:    n.Users(),
		})
	}
	return out
}

// ScopeIDs returns every assigned scope id, sorted.
func (g *Graph) ScopeIDs() []string {
	out := make([]string, 0, len(g.scopes))
	for id := range g.scopes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Format renders the graph below root as an indented listing in topological
// order. Composite bodies are nested under their header line.
func (g *Graph) Format(root NodeID) string {
	var b strings.Builder
	g.format(&b, root, 0)
	return strings.TrimRight(b.String(), "\n")
}

func (g *Graph) format(b *strings.Builder, root NodeID, depth int) {
	pad := strings.Repeat("  ", depth)
	for _, id := range g.levelOrder(root) {
		n := g.node(id)
		operands := make([]string, 0, len(n.base().operands))
		for _, o := range n.base().operands {
			operands = append(operands, label(g.node(o)))
		}
		switch n := n.(type) {
		case *Tensor:
			fmt.Fprintf(b, "%s%s = %s%s\n", pad, label(n), n.Role, shapeText(n.Shape))
		case *Op:
			fmt.Fprintf(b, "%s%s = %s(%s)%s\n", pad, label(n), n.Operator.Kind(), strings.Join(operands, ", "), attrText(n.Operator.Attributes()))
		case *Composite:
			repeats := ""
			if n.Repeats != nil {
				repeats = " repeats=" + valueText(n.Repeats)
			}
			fmt.Fprintf(b, "%s%s = Composite(%s)%s {\n", pad, label(n), strings.Join(operands, ", "), repeats)
			g.format(b, n.Output, depth+1)
			fmt.Fprintf(b, "%s}\n", pad)
		}
	}
}

// levelOrder lists root's level in post-order through operands.
func (g *Graph) levelOrder(root NodeID) []NodeID {
	var out []NodeID
	seen := make(map[NodeID]bool)
	var visit func(id NodeID)
	visit = func(id NodeID) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, o := range g.node(id).base().operands {
			visit(o)
		}
		out = append(out, id)
	}
	visit(root)
	return out
}

func kindOf(n Node) string {
	switch n := n.(type) {
	case *Tensor:
		return n.Role.String()
	case *Op:
		return n.Operator.Kind().String()
	default:
		return "Composite"
	}
}

func shapeText(shape []any) string {
	if len(shape) == 0 {
		return ""
	}
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = valueText(d)
	}
	return "[" + strings.Join(dims, " ") + "]"
}

func attrText(attrs []Attribute) string {
	var b strings.Builder
	for _, a := range attrs {
		fmt.Fprintf(&b, " %s=%s", a.Name, valueText(a.Value))
	}
	return b.String()
}

func valueText(v any) string {
	if p, ok := v.(param.Parameter); ok {
		return fmt.Sprintf("%v<%s>", p.Current(), p.ID())
	}
	if e, ok := v.(expr.Expression); ok {
		if value, err := e.Evaluate(); err == nil {
			return fmt.Sprint(value)
		}
		return "?"
	}
	return fmt.Sprint(v)
}
