// Package se implements state evolution on a factor-graph model.
//
// State evolution tracks the asymptotic precision of each message rather
// than an instance-level belief: edges carry only the scalar field a, and
// factor updates go through the error functions in internal/factors. Every
// variable needs a second moment tau, either set explicitly or propagated
// from the priors with PropagateSecondMoments.
package se

import (
	"fmt"
	"math"

	"github.com/gamp-dev/gamp/internal/factors"
	"github.com/gamp-dev/gamp/internal/graph"
	"github.com/gamp-dev/gamp/internal/mp"
)

// Keys are the message fields state evolution requires.
const Keys = mp.KeyA

// Updater is the state-evolution implementation of the engine's update
// contract.
type Updater struct{}

// New returns a state-evolution updater.
func New() *Updater { return &Updater{} }

// NewEngine builds a message-passing engine running state evolution over the
// model.
func NewEngine(model *graph.Model, opts ...mp.Option) (*mp.Engine, error) {
	return mp.New(model, New(), Keys, opts...)
}

// PropagateSecondMoments walks the model in topological order and fills in
// each variable's tau from the factor second moments: priors seed their
// output variable, channels push the input variable's tau through. Variables
// with an explicit tau keep it. Must run before the engine initializes its
// message graph.
func PropagateSecondMoments(model *graph.Model) error {
	for _, node := range model.ForwardOrdering() {
		f, ok := node.(*graph.Factor)
		if !ok {
			continue
		}
		in, out, err := model.FactorIO(f)
		if err != nil {
			return err
		}
		if out == nil {
			continue
		}
		if _, has := out.Tau(); has {
			continue
		}
		switch op := f.Op().(type) {
		case factors.PriorMoment:
			out.SetTau(op.SecondMoment())
		case factors.ChannelMoment:
			if in == nil {
				return fmt.Errorf("factor %s: channel without input variable", f.ID())
			}
			tauZ, has := in.Tau()
			if !has {
				return fmt.Errorf("variable %s: no second moment to propagate through %s", in.ID(), f.ID())
			}
			out.SetTau(op.SecondMoment(tauZ))
		default:
			return fmt.Errorf("factor %s: op %s exposes no second moment", f.ID(), f.Op().Label())
		}
	}
	return nil
}

// sides splits a factor's incoming arrows by direction tag, mirroring the
// expectation-propagation layout: the fwd arrow is the input side, the bwd
// arrow the output side.
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

// tau extracts the arrow's variable second moment, required by every factor
// update.
func tau(node graph.Node, a *mp.Arrow) (float64, error) {
	if !a.HasTau {
		return 0, fmt.Errorf("factor %s: variable %s has no second moment, required for state evolution",
			node.ID(), a.Source.ID())
	}
	return a.Tau, nil
}

// variableProposals emits one cavity precision per outgoing dir-tagged edge.
func variableProposals(v graph.Node, in []mp.Arrow, dir mp.Direction) []mp.Proposal {
	var batch []mp.Proposal
	for i := range in {
		opposite := &in[i]
		if opposite.Dir != dir.Reverse() {
			continue
		}
		var a float64
		for j := range in {
			if &in[j] != opposite {
				a += in[j].A
			}
		}
		batch = append(batch, mp.Proposal{Source: v, Target: opposite.Source, A: a})
	}
	return batch
}

// toPrecision converts an error-function value v back to the message
// precision 1/v - a_cav.
func toPrecision(f, target graph.Node, v float64, cav *mp.Arrow) (mp.Proposal, error) {
	if v <= 0 {
		return mp.Proposal{}, fmt.Errorf("factor %s: error function value %v is not positive", f.ID(), v)
	}
	return mp.Proposal{Source: f, Target: target, A: 1/v - cav.A}, nil
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
		return nil, nil
	}

	var v float64
	switch op := f.Op().(type) {
	case factors.ChannelSE:
		if input == nil {
			return nil, fmt.Errorf("factor %s: channel without input variable", node.ID())
		}
		tauZ, terr := tau(node, input)
		if terr != nil {
			return nil, terr
		}
		v, err = op.ForwardError(input.A, output.A, tauZ)
	case factors.PriorSE:
		v, err = op.ForwardError(output.A)
	default:
		return nil, fmt.Errorf("factor %s: op %s does not support state evolution",
			node.ID(), f.Op().Label())
	}
	if err != nil {
		return nil, err
	}
	p, err := toPrecision(node, output.Source, v, output)
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
		return nil, nil
	}
	tauZ, err := tau(node, input)
	if err != nil {
		return nil, err
	}

	var v float64
	switch op := f.Op().(type) {
	case factors.ChannelSE:
		if output == nil {
			return nil, fmt.Errorf("factor %s: channel without output variable", node.ID())
		}
		v, err = op.BackwardError(input.A, output.A, tauZ)
	case factors.LikelihoodSE:
		v, err = op.BackwardError(input.A, tauZ)
	default:
		return nil, fmt.Errorf("factor %s: op %s does not support state evolution",
			node.ID(), f.Op().Label())
	}
	if err != nil {
		return nil, err
	}
	p, err := toPrecision(node, input.Source, v, input)
	if err != nil {
		return nil, err
	}
	return []mp.Proposal{p}, nil
}

// Update tracks the asymptotic posterior variance 1/sum(a). The mean is not
// modeled by state evolution.
func (u *Updater) Update(v *graph.Variable, in []mp.Arrow) (mp.Posterior, error) {
	var a float64
	for i := range in {
		a += in[i].A
	}
	if a <= 0 {
		return mp.Posterior{}, fmt.Errorf("variable %s: posterior precision %v is not positive", v.ID(), a)
	}
	return mp.Posterior{V: 1 / a}, nil
}

// NodeObjective returns the node's averaged free-energy contribution. For
// variables (and per-edge pair calls) it is the Gaussian log partition
// averaged over the beliefs measure at the variable's second moment.
func (u *Updater) NodeObjective(node graph.Node, in []mp.Arrow) (float64, error) {
	if node.Kind() == graph.KindVariable {
		return variableFreeEnergy(node, in)
	}
	f := node.(*graph.Factor)
	input, output, err := sides(node, in)
	if err != nil {
		return 0, err
	}
	switch op := f.Op().(type) {
	case factors.ChannelSE:
		if input == nil || output == nil {
			return 0, fmt.Errorf("factor %s: channel needs both sides", node.ID())
		}
		tauZ, terr := tau(node, input)
		if terr != nil {
			return 0, terr
		}
		return op.FreeEnergy(input.A, output.A, tauZ)
	case factors.PriorSE:
		if output == nil {
			return 0, fmt.Errorf("factor %s: prior needs an output side", node.ID())
		}
		return op.FreeEnergy(output.A)
	case factors.LikelihoodSE:
		if input == nil {
			return 0, fmt.Errorf("factor %s: likelihood needs an input side", node.ID())
		}
		tauZ, terr := tau(node, input)
		if terr != nil {
			return 0, terr
		}
		return op.FreeEnergy(input.A, tauZ)
	default:
		return 0, fmt.Errorf("factor %s: op %s does not support state evolution",
			node.ID(), f.Op().Label())
	}
}

// variableFreeEnergy is E[A(a, b)] = 0.5 (a tau + 1) + 0.5 log(2 pi / a)
// for the summed incoming precisions, averaged over the beliefs measure
// b ~ N(a x*, a).
func variableFreeEnergy(node graph.Node, in []mp.Arrow) (float64, error) {
	if len(in) == 0 {
		return 0, fmt.Errorf("variable %s: no incoming messages", node.ID())
	}
	var a float64
	for i := range in {
		a += in[i].A
	}
	if a <= 0 {
		return 0, fmt.Errorf("variable %s: free energy undefined for precision %v", node.ID(), a)
	}
	if !in[0].HasTau {
		return 0, fmt.Errorf("variable %s: second moment required for state evolution", node.ID())
	}
	t := in[0].Tau
	return 0.5*(a*t+1) + 0.5*math.Log(2*math.Pi/a), nil
}
