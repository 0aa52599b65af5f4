package dataflow

import (
	"fmt"
	"strconv"

	"nasfront/internal/param"
)

// AssignScopes gives every node reachable from root a hierarchical id of the
// form "<scope-id>.<name>.<counter>" and scopes the node parameters below it
// ("<node-id>.<attr>").
//
// The traversal starts at the true input of root and follows users. Each
// traversal level has a fixed base scope: the enclosing composite's scope, or
// nothing at the top. A composite starts a nested traversal from its input
// placeholders. Leaf operands such as weights are stamped under the node that
// consumes them.
func (g *Graph) AssignScopes(root NodeID) error {
	if err := g.checkIDs([]NodeID{root}); err != nil {
		return err
	}
	g.scopes = make(map[string]NodeID)
	for _, n := range g.nodes {
		n.base().scopeID = ""
	}
	s := &scoper{
		g:        g,
		counters: make(map[string]int),
		visited:  make(map[NodeID]bool),
		claimed:  make(map[param.Parameter]bool),
	}
	start := g.trueInput(root)
	return s.traverse([]NodeID{start}, nil, g.levelMembers(root))
}

type scoper struct {
	g        *Graph
	counters map[string]int
	visited  map[NodeID]bool
	// claimed parameters keep the id of the first node that scoped them.
	claimed map[param.Parameter]bool
}

func (s *scoper) traverse(start []NodeID, base []NodeID, members map[NodeID]bool) error {
	queue := make([]NodeID, 0, len(start))
	for i := len(start) - 1; i >= 0; i-- {
		queue = append(queue, start[i])
		s.visited[start[i]] = true
	}

	for {
		if len(queue) == 0 {
			next := s.nextSource(members)
			if next == NoNode {
				return nil
			}
			s.visited[next] = true
			queue = append(queue, next)
		}
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		scope := s.g.updateScope(id, base)
		if err := s.stamp(id, scope); err != nil {
			return err
		}

		n := s.g.node(id)
		for _, o := range n.base().operands {
			if s.visited[o] || len(s.g.node(o).base().operands) > 0 {
				continue
			}
			s.visited[o] = true
			if err := s.stamp(o, s.g.updateScope(o, scope)); err != nil {
				return err
			}
		}

		if c, ok := n.(*Composite); ok {
			if err := s.traverse(c.Inputs, scope, s.g.innerMembers(c)); err != nil {
				return err
			}
		}

		for _, u := range s.g.Users(id) {
			if s.visited[u] || !members[u] {
				continue
			}
			s.visited[u] = true
			queue = append([]NodeID{u}, queue...)
		}
	}
}

// nextSource picks the lowest unvisited input tensor of the level, so
// secondary inputs and their downstream chains are scoped too.
func (s *scoper) nextSource(members map[NodeID]bool) NodeID {
	next := NoNode
	for id := range members {
		if s.visited[id] {
			continue
		}
		t, ok := s.g.node(id).(*Tensor)
		if !ok || t.Role != RoleInput {
			continue
		}
		if next == NoNode || id < next {
			next = id
		}
	}
	return next
}

func (s *scoper) stamp(id NodeID, scope []NodeID) error {
	h := s.g.node(id).base()
	key := h.name
	if len(scope) > 1 {
		key = s.g.node(scope[len(scope)-2]).base().scopeID + "." + h.name
	}
	counter := s.counters[key]
	s.counters[key] = counter + 1
	h.scopeID = key + "." + strconv.Itoa(counter)
	if prev, exists := s.g.scopes[h.scopeID]; exists && prev != id {
		return fmt.Errorf("scope id %q assigned twice", h.scopeID)
	}
	s.g.scopes[h.scopeID] = id
	if h.params == nil {
		return nil
	}
	leaves := h.params.Leaves()
	kept := make(map[param.Parameter]string)
	for _, p := range leaves {
		if s.claimed[p] {
			kept[p] = p.ID()
		}
	}
	h.params.SetScope(h.scopeID)
	for p, id := range kept {
		p.SetID(id)
	}
	for _, p := range leaves {
		s.claimed[p] = true
	}
	return nil
}

// updateScope prunes base for node and pushes node. The first pruned entry
// also drops every deeper entry, since scopes nest strictly.
func (g *Graph) updateScope(node NodeID, base []NodeID) []NodeID {
	var reach map[NodeID]bool
	keep := len(base)
	for i, s := range base {
		if _, isTensor := g.node(s).(*Tensor); isTensor {
			keep = i
			break
		}
		if containsID(g.Users(s), node) && g.producer(node) != g.producer(s) {
			keep = i
			break
		}
		if reach == nil {
			reach = g.collectUsers(node)
		}
		if !reach[s] {
			keep = i
			break
		}
		if c, ok := g.node(s).(*Composite); ok && containsID(c.operands, node) {
			keep = i
			break
		}
	}
	scope := make([]NodeID, 0, keep+1)
	scope = append(scope, base[:keep]...)
	return append(scope, node)
}

// collectUsers returns every transitive consumer of node. Composites are
// expanded into the consumers of their output.
func (g *Graph) collectUsers(node NodeID) map[NodeID]bool {
	out := make(map[NodeID]bool)
	queue := []NodeID{node}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, u := range g.Users(id) {
			if out[u] {
				continue
			}
			out[u] = true
			queue = append(queue, u)
		}
	}
	return out
}

// trueInput follows first operands back to a node without operands.
func (g *Graph) trueInput(id NodeID) NodeID {
	for {
		ops := g.node(id).base().operands
		if len(ops) == 0 {
			return id
		}
		id = ops[0]
	}
}

// levelMembers collects the nodes at root's nesting level: everything
// reachable through operands without entering composites.
func (g *Graph) levelMembers(root NodeID) map[NodeID]bool {
	members := make(map[NodeID]bool)
	stack := []NodeID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if members[id] {
			continue
		}
		members[id] = true
		stack = append(stack, g.node(id).base().operands...)
	}
	return members
}

func (g *Graph) innerMembers(c *Composite) map[NodeID]bool {
	members := g.levelMembers(c.Output)
	for _, in := range c.Inputs {
		members[in] = true
	}
	return members
}
