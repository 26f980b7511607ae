package mp

import (
	"github.com/gamp-dev/gamp/internal/graph"
)

// noDamping is the sentinel for an unconfigured damping factor.
const noDamping = -1.0

// edgeRecord is one directed message-graph edge. Records live in the arena
// slice and are addressed by their index (the edge handle); the set of
// records is frozen at construction.
type edgeRecord struct {
	src graph.Node
	dst graph.Node
	dir Direction

	// Static metadata inherited from the adjacent variable.
	variable *graph.Variable
	tau      float64
	hasTau   bool
	shape    int

	// Message payload.
	a float64
	b []float64

	// Bookkeeping.
	nIter        int
	damping      float64
	objective    float64
	hasObjective bool
}

// nodeRecord holds mutable per-node state: the posterior written by the
// update pass and the cached objective contribution.
type nodeRecord struct {
	posterior    Posterior
	hasPosterior bool
	objective    float64
	hasObjective bool
}

type edgeKey struct {
	src string
	dst string
}

// MessageGraph is the arena-backed doubled-edge graph derived from a model
// DAG. It holds exactly two directed edges per model edge (fwd and bwd) and
// exposes no API to add or remove edges after construction.
type MessageGraph struct {
	keys  Keys
	order []graph.Node

	edges    []edgeRecord
	index    map[edgeKey]int
	incoming map[string][]int

	nodes     map[string]*nodeRecord
	variables []*graph.Variable
}

// newMessageGraph builds the doubled-edge graph. For every model edge it
// creates the fwd twin first and the bwd twin in a second pass, mirroring
// the ordering the sweeps rely on; every selected message field is seeded by
// the initializer with the adjacent variable's id and shape.
func newMessageGraph(model *graph.Model, keys Keys, init Initializer) *MessageGraph {
	modelEdges := model.Edges()
	g := &MessageGraph{
		keys:      keys,
		order:     model.ForwardOrdering(),
		edges:     make([]edgeRecord, 0, 2*len(modelEdges)),
		index:     make(map[edgeKey]int, 2*len(modelEdges)),
		incoming:  make(map[string][]int),
		nodes:     make(map[string]*nodeRecord, model.NumNodes()),
		variables: model.Variables(),
	}

	for _, n := range g.order {
		g.nodes[n.ID()] = &nodeRecord{}
	}

	for _, e := range modelEdges {
		g.addEdge(e.Src, e.Dst, DirForward, e.Variable(), init)
	}
	for _, e := range modelEdges {
		g.addEdge(e.Dst, e.Src, DirBackward, e.Variable(), init)
	}
	return g
}

func (g *MessageGraph) addEdge(src, dst graph.Node, dir Direction, v *graph.Variable, init Initializer) {
	rec := edgeRecord{
		src:      src,
		dst:      dst,
		dir:      dir,
		variable: v,
		shape:    v.Shape(),
		damping:  noDamping,
	}
	rec.tau, rec.hasTau = v.Tau()
	if g.keys.HasA() {
		rec.a = init.InitScalar(FieldA, v.ID(), dir)
	}
	if g.keys.HasB() {
		rec.b = init.InitVector(FieldB, v.Shape(), v.ID(), dir)
	}
	h := len(g.edges)
	g.edges = append(g.edges, rec)
	g.index[edgeKey{src.ID(), dst.ID()}] = h
	g.incoming[dst.ID()] = append(g.incoming[dst.ID()], h)
}

// Keys returns the message fields this graph carries.
func (g *MessageGraph) Keys() Keys { return g.keys }

// NumEdges returns the doubled edge count.
func (g *MessageGraph) NumEdges() int { return len(g.edges) }

// Variables returns the variable nodes of the underlying model.
func (g *MessageGraph) Variables() []*graph.Variable {
	return append([]*graph.Variable(nil), g.variables...)
}

// arrows snapshots all stored messages flowing into the node, fwd twins
// first, preserving model edge order within each direction.
func (g *MessageGraph) arrows(node graph.Node) []Arrow {
	handles := g.incoming[node.ID()]
	in := make([]Arrow, 0, len(handles))
	for _, h := range handles {
		rec := &g.edges[h]
		in = append(in, Arrow{
			Source: rec.src,
			Target: rec.dst,
			Dir:    rec.dir,
			A:      rec.a,
			B:      rec.b,
			Tau:    rec.tau,
			HasTau: rec.hasTau,
			Shape:  rec.shape,
			NIter:  rec.nIter,
		})
	}
	return in
}

// edgeFor resolves a directed edge by its endpoints.
func (g *MessageGraph) edgeFor(srcID, dstID string) (*edgeRecord, error) {
	h, ok := g.index[edgeKey{srcID, dstID}]
	if !ok {
		return nil, newConfigError(ErrCodeUnknownEdge, "no message edge %s -> %s", srcID, dstID)
	}
	return &g.edges[h], nil
}

// configureDamping applies one damping rule: every incoming edge into the
// named variable whose direction tag matches is set to the rule's value.
func (g *MessageGraph) configureDamping(rule DampingRule) error {
	if rule.Value < 0 || rule.Value > 1 {
		return newConfigError(ErrCodeDampingRange, "damping %v for %s must be in [0,1]", rule.Value, rule.VariableID)
	}
	if !rule.Dir.Valid() {
		return newConfigError(ErrCodeDampingTarget, "unknown direction %q for %s", rule.Dir, rule.VariableID)
	}
	var target *graph.Variable
	for _, v := range g.variables {
		if v.ID() == rule.VariableID {
			target = v
			break
		}
	}
	if target == nil {
		return newConfigError(ErrCodeDampingTarget, "variable %s not found", rule.VariableID)
	}
	for _, h := range g.incoming[target.ID()] {
		rec := &g.edges[h]
		if rec.dir == rule.Dir {
			rec.damping = rule.Value
		}
	}
	return nil
}

// damp blends each proposal with the stored value of its target edge,
// in place:
//
//	v <- damping*v_old + (1-damping)*v_new
//
// Edges with no configured damping pass through untouched. Applied uniformly
// to every selected field.
func (g *MessageGraph) damp(batch []Proposal) error {
	for i := range batch {
		p := &batch[i]
		rec, err := g.edgeFor(p.Source.ID(), p.Target.ID())
		if err != nil {
			return err
		}
		if rec.damping == noDamping {
			continue
		}
		d := rec.damping
		if g.keys.HasA() {
			p.A = d*rec.a + (1-d)*p.A
		}
		if g.keys.HasB() {
			for j := range p.B {
				p.B[j] = d*rec.b[j] + (1-d)*p.B[j]
			}
		}
	}
	return nil
}

// commit overwrites the payload of each proposal's target edge and counts
// the update. This is the only place edge payload state changes.
func (g *MessageGraph) commit(batch []Proposal) error {
	for i := range batch {
		p := &batch[i]
		rec, err := g.edgeFor(p.Source.ID(), p.Target.ID())
		if err != nil {
			return err
		}
		rec.nIter++
		if g.keys.HasA() {
			rec.a = p.A
		}
		if g.keys.HasB() {
			rec.b = append(rec.b[:0], p.B...)
		}
	}
	return nil
}

func (g *MessageGraph) setPosterior(id string, p Posterior) {
	rec := g.nodes[id]
	if rec == nil {
		rec = &nodeRecord{}
		g.nodes[id] = rec
	}
	rec.posterior = p
	rec.hasPosterior = true
}

func (g *MessageGraph) setNodeObjective(id string, a float64) {
	rec := g.nodes[id]
	if rec == nil {
		rec = &nodeRecord{}
		g.nodes[id] = rec
	}
	rec.objective = a
	rec.hasObjective = true
}
