package mp

import "fmt"

// UpdateObjective recomputes the model-level objective (variational free
// energy estimate) from the current message-graph state:
//
//  1. every node gets a contribution A from its stored incoming messages,
//  2. every model edge gets a contribution computed from the pair of
//     opposing directed edges between its endpoints, applied to the
//     adjacent variable and written identically to both twins,
//  3. total = sum of node contributions minus the per-edge contributions,
//     counting each physical edge once via its fwd twin.
//
// It is a pure read of message state: nothing mutates besides the cached A
// attributes. The total is also retained for the Objective accessor.
func (e *Engine) UpdateObjective() (float64, error) {
	if e.mg == nil {
		return 0, newConfigError(ErrCodeUninitialized, "objective requires an initialized message graph")
	}

	var aNodes float64
	for _, node := range e.mg.order {
		in := e.mg.arrows(node)
		a, err := e.updater.NodeObjective(node, in)
		if err != nil {
			return 0, fmt.Errorf("node objective %s: %w", node.ID(), err)
		}
		e.mg.setNodeObjective(node.ID(), a)
		aNodes += a
	}

	var aEdges float64
	for h := range e.mg.edges {
		fwd := &e.mg.edges[h]
		if fwd.dir != DirForward {
			continue
		}
		bwd, err := e.mg.edgeFor(fwd.dst.ID(), fwd.src.ID())
		if err != nil {
			return 0, err
		}
		pair := []Arrow{
			{Source: fwd.src, Target: fwd.dst, Dir: fwd.dir, A: fwd.a, B: fwd.b,
				Tau: fwd.tau, HasTau: fwd.hasTau, Shape: fwd.shape, NIter: fwd.nIter},
			{Source: bwd.src, Target: bwd.dst, Dir: bwd.dir, A: bwd.a, B: bwd.b,
				Tau: bwd.tau, HasTau: bwd.hasTau, Shape: bwd.shape, NIter: bwd.nIter},
		}
		a, err := e.updater.NodeObjective(fwd.variable, pair)
		if err != nil {
			return 0, fmt.Errorf("edge objective %s -> %s: %w", fwd.src.ID(), fwd.dst.ID(), err)
		}
		fwd.objective = a
		fwd.hasObjective = true
		bwd.objective = a
		bwd.hasObjective = true
		aEdges += a
	}

	e.aModel = aNodes - aEdges
	e.hasObjective = true
	return e.aModel, nil
}

// Objective returns the last computed model objective, if any.
func (e *Engine) Objective() (float64, bool) {
	return e.aModel, e.hasObjective
}
