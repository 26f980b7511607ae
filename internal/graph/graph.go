package graph

import (
	"fmt"
	"math"
)

// Edge is a directed model edge. Exactly one endpoint is a variable and one
// is a factor.
type Edge struct {
	Src Node
	Dst Node
}

// Variable returns the variable endpoint of the edge.
func (e Edge) Variable() *Variable {
	if v, ok := e.Src.(*Variable); ok {
		return v
	}
	return e.Dst.(*Variable)
}

// Factor returns the factor endpoint of the edge.
func (e Edge) Factor() *Factor {
	if f, ok := e.Src.(*Factor); ok {
		return f
	}
	return e.Dst.(*Factor)
}

// Builder assembles a model incrementally. Nodes and edges are validated as
// they are added; Build performs the global checks (acyclicity) and freezes
// the result.
type Builder struct {
	nodes []Node
	byID  map[string]Node
	edges []Edge
	seen  map[[2]string]bool
}

// NewBuilder returns an empty model builder.
func NewBuilder() *Builder {
	return &Builder{
		byID: make(map[string]Node),
		seen: make(map[[2]string]bool),
	}
}

// AddVariable adds a variable node with the given shape (element count).
func (b *Builder) AddVariable(id string, shape int) (*Variable, error) {
	cid, err := CanonicalID(id)
	if err != nil {
		return nil, err
	}
	if shape < 1 {
		return nil, fmt.Errorf("variable %s: shape must be >= 1, got %d", cid, shape)
	}
	if _, dup := b.byID[cid]; dup {
		return nil, fmt.Errorf("duplicate node id: %s", cid)
	}
	v := &Variable{name: cid, shape: shape, tau: math.NaN()}
	b.nodes = append(b.nodes, v)
	b.byID[cid] = v
	return v, nil
}

// AddVariableWithTau adds a variable node with a known second moment.
func (b *Builder) AddVariableWithTau(id string, shape int, tau float64) (*Variable, error) {
	v, err := b.AddVariable(id, shape)
	if err != nil {
		return nil, err
	}
	v.SetTau(tau)
	return v, nil
}

// AddFactor adds a factor node carrying the given implementation.
func (b *Builder) AddFactor(id string, op Op) (*Factor, error) {
	cid, err := CanonicalID(id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("factor %s: nil op", cid)
	}
	if _, dup := b.byID[cid]; dup {
		return nil, fmt.Errorf("duplicate node id: %s", cid)
	}
	f := &Factor{name: cid, op: op}
	b.nodes = append(b.nodes, f)
	b.byID[cid] = f
	return f, nil
}

// Connect adds a directed edge srcID -> dstID. Both nodes must exist, the
// edge must connect a factor and a variable, and duplicates are rejected.
func (b *Builder) Connect(srcID, dstID string) error {
	src, ok := b.byID[srcID]
	if !ok {
		return fmt.Errorf("connect %s -> %s: source node not found", srcID, dstID)
	}
	dst, ok := b.byID[dstID]
	if !ok {
		return fmt.Errorf("connect %s -> %s: destination node not found", srcID, dstID)
	}
	if src.Kind() == dst.Kind() {
		return fmt.Errorf("connect %s -> %s: edge must join a factor and a variable", srcID, dstID)
	}
	key := [2]string{src.ID(), dst.ID()}
	if b.seen[key] {
		return fmt.Errorf("duplicate edge: %s -> %s", srcID, dstID)
	}
	b.seen[key] = true
	b.edges = append(b.edges, Edge{Src: src, Dst: dst})
	return nil
}

// Build validates the assembled graph and returns an immutable model.
//
// The forward ordering is computed with Kahn's algorithm; among ready nodes
// the one added to the builder first wins, so the ordering is a pure function
// of the build sequence.
func (b *Builder) Build() (*Model, error) {
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("model has no nodes")
	}

	indegree := make(map[string]int, len(b.nodes))
	out := make(map[string][]Node, len(b.nodes))
	for _, n := range b.nodes {
		indegree[n.ID()] = 0
	}
	for _, e := range b.edges {
		indegree[e.Dst.ID()]++
		out[e.Src.ID()] = append(out[e.Src.ID()], e.Dst)
	}

	order := make([]Node, 0, len(b.nodes))
	placed := make(map[string]bool, len(b.nodes))
	for len(order) < len(b.nodes) {
		next := -1
		for i, n := range b.nodes {
			if !placed[n.ID()] && indegree[n.ID()] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, fmt.Errorf("model graph contains a cycle")
		}
		n := b.nodes[next]
		placed[n.ID()] = true
		order = append(order, n)
		for _, m := range out[n.ID()] {
			indegree[m.ID()]--
		}
	}

	var variables []*Variable
	for _, n := range order {
		if v, ok := n.(*Variable); ok {
			variables = append(variables, v)
		}
	}

	byID := make(map[string]Node, len(b.nodes))
	for _, n := range b.nodes {
		byID[n.ID()] = n
	}

	return &Model{
		order:     order,
		edges:     append([]Edge(nil), b.edges...),
		variables: variables,
		byID:      byID,
	}, nil
}

// Model is an immutable factor graph: a DAG of variables and factors with a
// deterministic topological forward ordering.
type Model struct {
	order     []Node
	edges     []Edge
	variables []*Variable
	byID      map[string]Node
}

// ForwardOrdering returns the topological order over all nodes. Every edge
// points from an earlier to a later node. The returned slice is a copy.
func (m *Model) ForwardOrdering() []Node {
	return append([]Node(nil), m.order...)
}

// Edges returns the model's directed edges in insertion order. The returned
// slice is a copy.
func (m *Model) Edges() []Edge {
	return append([]Edge(nil), m.edges...)
}

// Variables returns the variable nodes in forward order.
func (m *Model) Variables() []*Variable {
	return append([]*Variable(nil), m.variables...)
}

// VariableIDs returns the ids of all variable nodes in forward order.
func (m *Model) VariableIDs() []string {
	ids := make([]string, len(m.variables))
	for i, v := range m.variables {
		ids[i] = v.ID()
	}
	return ids
}

// Node looks up a node by id.
func (m *Model) Node(id string) (Node, bool) {
	n, ok := m.byID[id]
	return n, ok
}

// Variable looks up a variable node by id.
func (m *Model) Variable(id string) (*Variable, bool) {
	n, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	v, ok := n.(*Variable)
	return v, ok
}

// FactorIO resolves a factor's input and output variables from the model
// edges. The factors supported by the algorithms have at most one variable
// per side; more than one is an error.
func (m *Model) FactorIO(f *Factor) (in, out *Variable, err error) {
	for _, e := range m.edges {
		switch {
		case e.Src.ID() == f.ID():
			if out != nil {
				return nil, nil, fmt.Errorf("factor %s: more than one output variable", f.ID())
			}
			out = e.Variable()
		case e.Dst.ID() == f.ID():
			if in != nil {
				return nil, nil, fmt.Errorf("factor %s: more than one input variable", f.ID())
			}
			in = e.Variable()
		}
	}
	return in, out, nil
}

// NumNodes returns the node count.
func (m *Model) NumNodes() int { return len(m.order) }

// NumEdges returns the model edge count (before message-graph doubling).
func (m *Model) NumEdges() int { return len(m.edges) }
