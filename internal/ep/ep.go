// Package ep implements expectation propagation on a factor-graph model.
//
// Messages carry the natural parameters (a, b) of scalar-precision Gaussian
// beliefs. Variables emit cavity messages (sum of all incoming naturals minus
// the opposing edge); factors compute moment-matched posteriors through the
// capability interfaces in internal/factors and convert them back to
// naturals.
package ep

import (
	"fmt"
	"math"

	"github.com/gamp-dev/gamp/internal/factors"
	"github.com/gamp-dev/gamp/internal/graph"
	"github.com/gamp-dev/gamp/internal/mp"
)

// Keys are the message fields expectation propagation requires.
const Keys = mp.KeyA | mp.KeyB

// Updater is the expectation-propagation implementation of the engine's
// update contract. It is stateless; all state lives in the message graph.
type Updater struct{}

// New returns an expectation-propagation updater.
func New() *Updater { return &Updater{} }

// NewEngine builds a message-passing engine running expectation propagation
// over the model.
func NewEngine(model *graph.Model, opts ...mp.Option) (*mp.Engine, error) {
	return mp.New(model, New(), Keys, opts...)
}

// sides splits a factor's incoming arrows into the input (fwd-tagged) and
// output (bwd-tagged) sides. The factors supported here have at most one
// variable per side.
func sides(node graph.Node, in []mp.Arrow) (input, output *mp.Arrow, err error) {
	for i := range in {
		a := &in[i]
		switch a.Dir {
		case mp.DirForward:
			if input != nil {
				return nil, nil, fmt.Errorf("factor %s: more than one input variable", node.ID())
			}
			input = a
		case mp.DirBackward:
			if output != nil {
				return nil, nil, fmt.Errorf("factor %s: more than one output variable", node.ID())
			}
			output = a
		}
	}
	return input, output, nil
}

// variableCavity sums all incoming naturals except the arrow opposing the
// outgoing edge to exclude.
func variableCavity(in []mp.Arrow, exclude *mp.Arrow) (float64, []float64) {
	var a float64
	b := make([]float64, exclude.Shape)
	for i := range in {
		arr := &in[i]
		if arr == exclude {
			continue
		}
		a += arr.A
		for j := range arr.B {
			b[j] += arr.B[j]
		}
	}
	return a, b
}

// variableProposals emits one cavity message per outgoing dir-tagged edge of
// the variable. The opposing incoming arrow of each outgoing edge shares its
// endpoints in reverse.
func variableProposals(v graph.Node, in []mp.Arrow, dir mp.Direction) []mp.Proposal {
	var batch []mp.Proposal
	for i := range in {
		opposite := &in[i]
		if opposite.Dir != dir.Reverse() {
			continue
		}
		a, b := variableCavity(in, opposite)
		batch = append(batch, mp.Proposal{Source: v, Target: opposite.Source, A: a, B: b})
	}
	return batch
}

// toNatural converts a moment-matched posterior back to the natural message
// a = 1/v - a_cav, b = r/v - b_cav.
func toNatural(f, target graph.Node, r []float64, v float64, cav *mp.Arrow) (mp.Proposal, error) {
	if v <= 0 {
		return mp.Proposal{}, fmt.Errorf("factor %s: posterior variance %v is not positive", f.ID(), v)
	}
	b := make([]float64, len(r))
	for i := range r {
		b[i] = r[i]/v - cav.B[i]
	}
	return mp.Proposal{Source: f, Target: target, A: 1/v - cav.A, B: b}, nil
}

func (u *Updater) Forward(node graph.Node, in []mp.Arrow) ([]mp.Proposal, error) {
	if node.Kind() == graph.KindVariable {
		return variableProposals(node, in, mp.DirForward), nil
	}
	f := node.(*graph.Factor)
	input, output, err := sides(node, in)
	if err != nil {
		return nil, err
	}
	if output == nil {
		// Likelihood: no output edge to refresh.
		return nil, nil
	}

	var r []float64
	var v float64
	switch op := f.Op().(type) {
	case factors.ChannelPosterior:
		if input == nil {
			return nil, fmt.Errorf("factor %s: channel without input variable", node.ID())
		}
		r, v, err = op.ForwardPosterior(input.A, input.B, output.A, output.B)
	case factors.PriorPosterior:
		r, v, err = op.Posterior(output.A, output.B)
	default:
		return nil, fmt.Errorf("factor %s: op %s does not support expectation propagation",
			node.ID(), f.Op().Label())
	}
	if err != nil {
		return nil, err
	}
	p, err := toNatural(node, output.Source, r, v, output)
	if err != nil {
		return nil, err
	}
	return []mp.Proposal{p}, nil
}

func (u *Updater) Backward(node graph.Node, in []mp.Arrow) ([]mp.Proposal, error) {
	if node.Kind() == graph.KindVariable {
		return variableProposals(node, in, mp.DirBackward), nil
	}
	f := node.(*graph.Factor)
	input, output, err := sides(node, in)
	if err != nil {
		return nil, err
	}
	if input == nil {
		// Prior: no input edge to refresh.
		return nil, nil
	}

	var r []float64
	var v float64
	switch op := f.Op().(type) {
	case factors.ChannelPosterior:
		if output == nil {
			return nil, fmt.Errorf("factor %s: channel without output variable", node.ID())
		}
		r, v, err = op.BackwardPosterior(input.A, input.B, output.A, output.B)
	case factors.LikelihoodPosterior:
		r, v, err = op.BackwardPosterior(input.A, input.B)
	default:
		return nil, fmt.Errorf("factor %s: op %s does not support expectation propagation",
			node.ID(), f.Op().Label())
	}
	if err != nil {
		return nil, err
	}
	p, err := toNatural(node, input.Source, r, v, input)
	if err != nil {
		return nil, err
	}
	return []mp.Proposal{p}, nil
}

// Update moment-matches the variable's full posterior from all incoming
// messages.
func (u *Updater) Update(v *graph.Variable, in []mp.Arrow) (mp.Posterior, error) {
	var a float64
	b := make([]float64, v.Shape())
	for i := range in {
		arr := &in[i]
		a += arr.A
		for j := range arr.B {
			b[j] += arr.B[j]
		}
	}
	if a <= 0 {
		return mp.Posterior{}, fmt.Errorf("variable %s: posterior precision %v is not positive", v.ID(), a)
	}
	r := make([]float64, len(b))
	for i := range b {
		r[i] = b[i] / a
	}
	return mp.Posterior{R: r, V: 1 / a}, nil
}

// NodeObjective returns the node's log-partition contribution to the free
// energy. For variables (and the engine's per-edge pair calls) this is the
// Gaussian log partition of the summed naturals; for factors it is the op's
// log partition at the current incoming beliefs.
func (u *Updater) NodeObjective(node graph.Node, in []mp.Arrow) (float64, error) {
	if node.Kind() == graph.KindVariable {
		return gaussianLogPartition(node.ID(), in)
	}
	f := node.(*graph.Factor)
	input, output, err := sides(node, in)
	if err != nil {
		return 0, err
	}
	switch op := f.Op().(type) {
	case factors.ChannelPosterior:
		if input == nil || output == nil {
			return 0, fmt.Errorf("factor %s: channel needs both sides", node.ID())
		}
		return op.LogPartition(input.A, input.B, output.A, output.B)
	case factors.PriorPosterior:
		if output == nil {
			return 0, fmt.Errorf("factor %s: prior needs an output side", node.ID())
		}
		return op.LogPartition(output.A, output.B)
	case factors.LikelihoodPosterior:
		if input == nil {
			return 0, fmt.Errorf("factor %s: likelihood needs an input side", node.ID())
		}
		return op.LogPartition(input.A, input.B)
	default:
		return 0, fmt.Errorf("factor %s: op %s does not support expectation propagation",
			node.ID(), f.Op().Label())
	}
}

// gaussianLogPartition is A(a, b) = mean(0.5 b^2/a) + 0.5 log(2 pi / a) for
// the summed incoming naturals.
func gaussianLogPartition(id string, in []mp.Arrow) (float64, error) {
	if len(in) == 0 {
		return 0, fmt.Errorf("variable %s: no incoming messages", id)
	}
	var a float64
	b := make([]float64, in[0].Shape)
	for i := range in {
		arr := &in[i]
		a += arr.A
		for j := range arr.B {
			b[j] += arr.B[j]
		}
	}
	if a <= 0 {
		return 0, fmt.Errorf("variable %s: log partition undefined for precision %v", id, a)
	}
	var sum float64
	for _, x := range b {
		sum += 0.5 * x * x / a
	}
	return sum/float64(len(b)) + 0.5*math.Log(2*math.Pi/a), nil
}
