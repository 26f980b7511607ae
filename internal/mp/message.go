package mp

import "github.com/gamp-dev/gamp/internal/graph"

// Direction tags a message-graph edge relative to the model edge it doubles.
type Direction string

const (
	// DirForward follows the model edge orientation.
	DirForward Direction = "fwd"
	// DirBackward reverses it.
	DirBackward Direction = "bwd"
)

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == DirForward {
		return DirBackward
	}
	return DirForward
}

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirForward || d == DirBackward
}

// Message field names, passed to initializers.
const (
	// FieldA is the scalar precision-like field.
	FieldA = "a"
	// FieldB is the vector location-like field.
	FieldB = "b"
)

// Keys selects which message fields edges carry. The precision field is
// mandatory; the location field is optional (state evolution runs without
// it, expectation propagation needs it).
type Keys int

const (
	KeyA Keys = 1 << iota
	KeyB
)

// HasA reports whether the scalar precision field is selected.
func (k Keys) HasA() bool { return k&KeyA != 0 }

// HasB reports whether the vector location field is selected.
func (k Keys) HasB() bool { return k&KeyB != 0 }

// Arrow is one stored incoming message presented to an Updater: the edge
// endpoints, direction tag, current field values and bookkeeping.
//
// B is a view into engine-owned storage; delegates must treat it as
// read-only and return fresh slices in their proposals.
type Arrow struct {
	Source graph.Node
	Target graph.Node
	Dir    Direction

	A      float64
	B      []float64
	Tau    float64
	HasTau bool
	Shape  int
	NIter  int
}

// Proposal is a replacement message produced by a sweep delegate for one
// outgoing edge of the swept node. Source must be the swept node and
// (Source, Target) must name an existing edge of the sweep's direction.
type Proposal struct {
	Source graph.Node
	Target graph.Node

	A float64
	B []float64
}

// Posterior is the variable-level state written by the update pass.
// R is nil for algorithms that track variances only.
type Posterior struct {
	R []float64
	V float64
}

// Updater supplies the numerical content of a concrete message-passing
// algorithm. The engine calls it during sweeps; it never mutates engine
// state directly.
//
// The incoming slice holds all currently stored messages into the node,
// both direction tags: factor updates need the opposite-direction message
// to form cavity distributions. The sweep direction constrains which
// outgoing edges the returned proposals may target.
type Updater interface {
	// Forward produces replacement messages for the node's outgoing
	// fwd-tagged edges.
	Forward(node graph.Node, in []Arrow) ([]Proposal, error)

	// Backward produces replacement messages for the node's outgoing
	// bwd-tagged edges.
	Backward(node graph.Node, in []Arrow) ([]Proposal, error)

	// Update refreshes the variable's posterior from its incoming messages.
	Update(v *graph.Variable, in []Arrow) (Posterior, error)

	// NodeObjective returns the node's contribution to the model objective
	// given a set of incoming messages. The engine also applies it to a
	// variable with a single opposing edge pair to obtain per-edge
	// contributions.
	NodeObjective(node graph.Node, in []Arrow) (float64, error)
}

// Callback decides termination after each completed iteration. It may read
// any engine accessor; returning true stops the run as converged.
type Callback func(e *Engine, iter, maxIter int) bool
