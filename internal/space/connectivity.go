package space

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MaxConnectivityNodes bounds the dense DAG of a ConnectivityConstrainer. The
// number of source-to-sink paths doubles with every node.
const MaxConnectivityNodes = 16

var ErrPathIndex = errors.New("path index out of range")

// Edge joins two numbered cells of a connectivity DAG. From is always lower
// than To.
type Edge struct {
	From int
	To   int
}

// Path is a chain of edges from cell 0 to the last cell.
type Path []Edge

// DAG is a cell graph made of the union of some paths. Nodes and Edges are
// sorted.
type DAG struct {
	Nodes []int
	Edges []Edge
}

// Predecessors lists the cells with an edge into node.
func (d DAG) Predecessors(node int) []int {
	var out []int
	for _, e := range d.Edges {
		if e.To == node {
			out = append(out, e.From)
		}
	}
	return out
}

// Build turns d into a Space. node creates the operator of one cell given the
// cells feeding it; edges follow d.
func (d DAG) Build(node func(cell int, preds []int) (*Node, error), opts ...Option) (*Space, error) {
	s := New(opts...)
	names := make(map[int]string, len(d.Nodes))
	for _, cell := range d.Nodes {
		n, err := node(cell, d.Predecessors(cell))
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", cell, err)
		}
		if err := s.AddNode(n); err != nil {
			return nil, fmt.Errorf("cell %d: %w", cell, err)
		}
		names[cell] = n.Name
	}
	for _, e := range d.Edges {
		if err := s.Connect(names[e.From], names[e.To]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ConnectivityConstrainer restricts cell topologies to the union of at most
// maxParallelPaths source-to-sink paths through a dense DAG of maxNodes cells.
type ConnectivityConstrainer struct {
	maxParallelPaths int
	maxNodes         int
	shareDAG         bool
	paths            []Path
	log              *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
	dag *DAG
}

type ConnectivityOption func(*ConnectivityConstrainer)

// WithSharedDAG makes every draw return the first DAG drawn until ResetDAG.
func WithSharedDAG() ConnectivityOption {
	return func(c *ConnectivityConstrainer) {
		c.shareDAG = true
	}
}

func WithConnectivitySeed(seed int64) ConnectivityOption {
	return func(c *ConnectivityConstrainer) {
		c.rng = rand.New(rand.NewSource(seed))
	}
}

func WithConnectivityLogger(log *zap.Logger) ConnectivityOption {
	return func(c *ConnectivityConstrainer) {
		if log != nil {
			c.log = log
		}
	}
}

func NewConnectivityConstrainer(maxParallelPaths, maxNodes int, opts ...ConnectivityOption) (*ConnectivityConstrainer, error) {
	if maxParallelPaths <= 0 {
		return nil, fmt.Errorf("max parallel paths must be > 0")
	}
	if maxNodes <= 0 || maxNodes > MaxConnectivityNodes {
		return nil, fmt.Errorf("max nodes must be in [1, %d]", MaxConnectivityNodes)
	}
	c := &ConnectivityConstrainer{
		maxParallelPaths: maxParallelPaths,
		maxNodes:         maxNodes,
		log:              zap.NewNop(),
		rng:              rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.paths = densePaths(maxNodes)
	return c, nil
}

// densePaths enumerates the simple paths from 0 to n-1 of the DAG holding
// every edge i -> j with i < j, depth first with successors in ascending
// order. A single cell has one empty path.
func densePaths(n int) []Path {
	if n == 1 {
		return []Path{{}}
	}
	var out []Path
	var walk func(from int, prefix Path)
	walk = func(from int, prefix Path) {
		for to := from + 1; to < n; to++ {
			next := append(prefix[:len(prefix):len(prefix)], Edge{From: from, To: to})
			if to == n-1 {
				out = append(out, next)
				continue
			}
			walk(to, next)
		}
	}
	walk(0, nil)
	return out
}

func (c *ConnectivityConstrainer) MaxParallelPaths() int { return c.maxParallelPaths }
func (c *ConnectivityConstrainer) MaxNodes() int         { return c.maxNodes }

// Paths returns every source-to-sink path. Callers must not modify it.
func (c *ConnectivityConstrainer) Paths() []Path {
	return c.paths
}

func (c *ConnectivityConstrainer) Path(i int) (Path, error) {
	if i < 0 || i >= len(c.paths) {
		return nil, fmt.Errorf("%w: %d of %d", ErrPathIndex, i, len(c.paths))
	}
	return c.paths[i], nil
}

// RandomDAG draws maxParallelPaths path indices with replacement and returns
// their union.
func (c *ConnectivityConstrainer) RandomDAG() DAG {
	if c.maxNodes == 1 {
		return DAG{Nodes: []int{0}}
	}
	c.mu.Lock()
	indices := make([]int, c.maxParallelPaths)
	for i := range indices {
		indices[i] = c.rng.Intn(len(c.paths))
	}
	c.mu.Unlock()
	dag, _ := c.DAG(indices)
	return dag
}

// DAG returns the union of the paths at indices. With a shared DAG the first
// union built is returned until ResetDAG.
func (c *ConnectivityConstrainer) DAG(indices []int) (DAG, error) {
	if len(indices) != c.maxParallelPaths {
		return DAG{}, fmt.Errorf("expected %d path indices, got %d", c.maxParallelPaths, len(indices))
	}
	edges := make(map[Edge]struct{})
	nodes := make(map[int]struct{})
	for _, i := range indices {
		p, err := c.Path(i)
		if err != nil {
			return DAG{}, err
		}
		for _, e := range p {
			edges[e] = struct{}{}
			nodes[e.From] = struct{}{}
			nodes[e.To] = struct{}{}
		}
	}
	dag := DAG{
		Nodes: make([]int, 0, len(nodes)),
		Edges: make([]Edge, 0, len(edges)),
	}
	for n := range nodes {
		dag.Nodes = append(dag.Nodes, n)
	}
	sort.Ints(dag.Nodes)
	for e := range edges {
		dag.Edges = append(dag.Edges, e)
	}
	sort.Slice(dag.Edges, func(i, j int) bool {
		if dag.Edges[i].From != dag.Edges[j].From {
			return dag.Edges[i].From < dag.Edges[j].From
		}
		return dag.Edges[i].To < dag.Edges[j].To
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shareDAG && c.dag != nil {
		return *c.dag, nil
	}
	c.dag = &dag
	c.log.Debug("connectivity dag drawn",
		zap.Ints("paths", indices),
		zap.Int("nodes", len(dag.Nodes)),
		zap.Int("edges", len(dag.Edges)))
	return dag, nil
}

// ResetDAG forgets the shared DAG.
func (c *ConnectivityConstrainer) ResetDAG() {
	c.mu.Lock()
	c.dag = nil
	c.mu.Unlock()
}

// EachPathCombination calls fn with every multiset of maxParallelPaths path
// indices in lexicographic order until fn returns false. The slice is reused
// between calls.
func (c *ConnectivityConstrainer) EachPathCombination(fn func(indices []int) bool) {
	k, n := c.maxParallelPaths, len(c.paths)
	indices := make([]int, k)
	for {
		if !fn(indices) {
			return
		}
		i := k - 1
		for i >= 0 && indices[i] == n-1 {
			i--
		}
		if i < 0 {
			return
		}
		indices[i]++
		for j := i + 1; j < k; j++ {
			indices[j] = indices[i]
		}
	}
}
