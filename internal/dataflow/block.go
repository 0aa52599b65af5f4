package dataflow

import (
	"fmt"

	"nasfront/internal/param"
)

// Wrap closes the subgraph ending at output into a composite over operands.
//
// One placeholder is created per operand. Every internal node that lists an
// operand is rewired to the matching placeholder and removed from the users
// of the operand's producer; the composite takes its place there. Internal
// consumers are found by descending from output through operands and nested
// composites, stopping at the block operands.
func (g *Graph) Wrap(name string, operands []NodeID, output NodeID) (NodeID, error) {
	if err := validName(name); err != nil {
		return NoNode, err
	}
	if err := g.checkIDs(append([]NodeID{output}, operands...)); err != nil {
		return NoNode, fmt.Errorf("wrap %q: %w", name, err)
	}
	if len(operands) == 0 {
		return NoNode, &LinkError{Block: name, Operand: NoNode, Reason: "block has no operands"}
	}
	for _, operand := range operands {
		if operand == output {
			return NoNode, &LinkError{Block: name, Operand: operand, Reason: "operand is the block output"}
		}
	}

	consumers := g.internalConsumers(output, operands)
	for _, operand := range operands {
		if len(consumers[operand]) == 0 {
			return NoNode, &LinkError{Block: name, Operand: operand, Reason: "no internal consumer lists the operand"}
		}
	}

	c := &Composite{Output: output}
	c.params = param.NewSet()
	id := g.add(c, name, operands)
	for range operands {
		ph, err := g.tensor("input", nil, RolePlaceholder, id)
		if err != nil {
			return NoNode, err
		}
		c.Inputs = append(c.Inputs, ph)
	}

	for i, operand := range operands {
		ph := g.node(c.Inputs[i]).base()
		src := g.node(g.producer(operand)).base()
		for _, consumer := range consumers[operand] {
			h := g.node(consumer).base()
			for j, o := range h.operands {
				if o == operand {
					h.operands[j] = ph.id
				}
			}
			src.removeUser(consumer)
			ph.addUser(consumer)
		}
		src.addUser(id)
	}
	g.node(g.producer(output)).base().addUser(id)
	return id, nil
}

// internalConsumers maps each operand to the internal nodes listing it, in
// discovery order.
func (g *Graph) internalConsumers(output NodeID, operands []NodeID) map[NodeID][]NodeID {
	isOperand := make(map[NodeID]bool, len(operands))
	for _, o := range operands {
		isOperand[o] = true
	}
	found := make(map[NodeID][]NodeID)
	visited := make(map[NodeID]bool)
	var descend func(id NodeID)
	descend = func(id NodeID) {
		if visited[id] || isOperand[id] {
			return
		}
		visited[id] = true
		n := g.node(id)
		for _, o := range n.base().operands {
			if isOperand[o] && !containsID(found[o], id) {
				found[o] = append(found[o], id)
			}
		}
		for _, o := range n.base().operands {
			descend(o)
		}
		if c, ok := n.(*Composite); ok {
			descend(c.Output)
		}
	}
	descend(output)
	return found
}

// Block builds body on operands and wraps the result.
func (g *Graph) Block(name string, operands []NodeID, body func(g *Graph, in []NodeID) (NodeID, error)) (NodeID, error) {
	out, err := body(g, operands)
	if err != nil {
		return NoNode, fmt.Errorf("block %q: %w", name, err)
	}
	return g.Wrap(name, operands, out)
}

// Repeat marks a composite as repeated n times. n may be a parameter.
func (g *Graph) Repeat(block NodeID, n any) error {
	if err := g.checkIDs([]NodeID{block}); err != nil {
		return err
	}
	c, ok := g.node(block).(*Composite)
	if !ok {
		return fmt.Errorf("repeat: node %d is not a composite", block)
	}
	c.Repeats = n
	if err := c.params.Register("repeats", n); err != nil {
		return err
	}
	if c.scopeID != "" {
		c.params.SetScope(c.scopeID)
	}
	return nil
}
