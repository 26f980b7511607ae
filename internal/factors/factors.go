// Package factors provides concrete factor implementations for the
// message-passing algorithms: priors, channels and likelihoods over Gaussian
// beliefs.
//
// The graph layer treats factor ops as opaque. Algorithms discover what an op
// can do by asserting the capability interfaces below at runtime; the factor's
// role (prior, channel, likelihood) follows from the graph topology, not from
// a tag. A factor with no input edge acts as a prior, one with no output edge
// as a likelihood, anything else as a channel.
package factors

import (
	"errors"
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/gamp-dev/gamp/internal/graph"
)

// ErrNonPositivePrecision reports a posterior precision that is not strictly
// positive, which makes the Gaussian belief improper.
var ErrNonPositivePrecision = errors.New("non-positive posterior precision")

// errPrecision wraps ErrNonPositivePrecision with the offending value.
func errPrecision(label string, a float64) error {
	return fmt.Errorf("%s: a=%v: %w", label, a, ErrNonPositivePrecision)
}

// PriorPosterior computes expectation-propagation posteriors for a factor
// with no input variable. ax, bx are the natural parameters of the incoming
// belief on the output variable.
type PriorPosterior interface {
	Posterior(ax float64, bx []float64) (rx []float64, vx float64, err error)
	LogPartition(ax float64, bx []float64) (float64, error)
}

// ChannelPosterior computes expectation-propagation posteriors for a factor
// with one input variable z and one output variable x.
type ChannelPosterior interface {
	ForwardPosterior(az float64, bz []float64, ax float64, bx []float64) (rx []float64, vx float64, err error)
	BackwardPosterior(az float64, bz []float64, ax float64, bx []float64) (rz []float64, vz float64, err error)
	LogPartition(az float64, bz []float64, ax float64, bx []float64) (float64, error)
}

// LikelihoodPosterior computes expectation-propagation posteriors for a
// factor with one input variable and an observation instead of an output.
type LikelihoodPosterior interface {
	BackwardPosterior(az float64, bz []float64) (rz []float64, vz float64, err error)
	LogPartition(az float64, bz []float64) (float64, error)
}

// PriorSE exposes the state-evolution error function and free energy of a
// prior.
type PriorSE interface {
	ForwardError(ax float64) (float64, error)
	FreeEnergy(ax float64) (float64, error)
}

// ChannelSE exposes the state-evolution error functions and free energy of a
// channel. tauZ is the second moment of the input variable.
type ChannelSE interface {
	ForwardError(az, ax, tauZ float64) (float64, error)
	BackwardError(az, ax, tauZ float64) (float64, error)
	FreeEnergy(az, ax, tauZ float64) (float64, error)
}

// LikelihoodSE exposes the state-evolution error function and free energy of
// a likelihood, averaged over the beliefs measure.
type LikelihoodSE interface {
	BackwardError(az, tauZ float64) (float64, error)
	FreeEnergy(az, tauZ float64) (float64, error)
}

// PriorMoment reports the second moment of the prior's output variable.
type PriorMoment interface {
	SecondMoment() float64
}

// ChannelMoment propagates the second moment through a channel.
type ChannelMoment interface {
	SecondMoment(tauZ float64) float64
}

// PriorSampler draws a sample of the prior's output variable.
type PriorSampler interface {
	Sample(rng *rand.Rand, n int) []float64
}

// ChannelSampler pushes a sample of the input variable through the channel.
type ChannelSampler interface {
	Sample(rng *rand.Rand, z []float64) []float64
}

// LikelihoodSampler generates the observation produced by a sample of the
// likelihood's input variable.
type LikelihoodSampler interface {
	Sample(rng *rand.Rand, x []float64) []float64
}

// Observer is a likelihood that may carry an observation. WithObservation
// returns a copy bound to y, used to turn a generative model into the
// inference model over the same graph.
type Observer interface {
	Observation() ([]float64, bool)
	WithObservation(y []float64) graph.Op
}
