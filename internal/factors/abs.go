package factors

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/gamp-dev/gamp/internal/graph"
	"github.com/gamp-dev/gamp/internal/integrate"
)

// AbsLikelihood is the deterministic factor y = |x| with observation y.
// Y is nil on a generative model; WithObservation binds it for inference.
type AbsLikelihood struct {
	Y []float64
}

// NewAbsLikelihood builds an unobserved abs likelihood.
func NewAbsLikelihood() *AbsLikelihood { return &AbsLikelihood{} }

func (l *AbsLikelihood) Label() string { return "abs_likelihood" }

func (l *AbsLikelihood) Observation() ([]float64, bool) {
	return l.Y, l.Y != nil
}

func (l *AbsLikelihood) WithObservation(y []float64) graph.Op {
	return &AbsLikelihood{Y: append([]float64(nil), y...)}
}

func (l *AbsLikelihood) observed() error {
	if l.Y == nil {
		return fmt.Errorf("%s: no observation bound", l.Label())
	}
	return nil
}

// log2cosh computes log(2 cosh(t)) without overflowing for large |t|.
func log2cosh(t float64) float64 {
	at := math.Abs(t)
	return at + math.Log1p(math.Exp(-2*at))
}

// absVariance is the per-component posterior variance. 1/cosh^2 overflows
// for large arguments, so it is written through tanh.
func absVariance(bz, y float64) float64 {
	th := math.Tanh(bz * y)
	return y * y * (1 - th*th)
}

func (l *AbsLikelihood) BackwardPosterior(az float64, bz []float64) ([]float64, float64, error) {
	if err := l.observed(); err != nil {
		return nil, 0, err
	}
	rz := make([]float64, len(bz))
	var vSum float64
	for i, b := range bz {
		y := l.Y[i]
		rz[i] = y * math.Tanh(b*y)
		vSum += absVariance(b, y)
	}
	return rz, vSum / float64(len(bz)), nil
}

func (l *AbsLikelihood) LogPartition(az float64, bz []float64) (float64, error) {
	if err := l.observed(); err != nil {
		return 0, err
	}
	var sum float64
	for i, b := range bz {
		y := l.Y[i]
		sum += -0.5*az*y*y + log2cosh(b*y)
	}
	return sum / float64(len(bz)), nil
}

// beliefsMeasure averages f(bz, y) over the state-evolution measure of the
// scalar belief bz and observation y at incoming precision az. f must be
// even in y.
func (l *AbsLikelihood) beliefsMeasure(az, tauZ float64, f func(bz, y float64) float64) (float64, error) {
	if az <= 0 {
		return 0, errPrecision(l.Label(), az)
	}
	aEff := az * (az*tauZ - 1)
	sEff := 0.0
	if aEff > 0 {
		sEff = math.Sqrt(aEff)
	}
	scaled := func(xiB, xiY float64) float64 {
		bz := sEff * xiB
		y := bz/az + xiY/math.Sqrt(az)
		return f(bz, y)
	}
	return integrate.Gaussian2D(scaled, 0, 1, 0, 1, 0), nil
}

func (l *AbsLikelihood) BackwardError(az, tauZ float64) (float64, error) {
	return l.beliefsMeasure(az, tauZ, absVariance)
}

func (l *AbsLikelihood) FreeEnergy(az, tauZ float64) (float64, error) {
	return l.beliefsMeasure(az, tauZ, func(bz, y float64) float64 {
		return -0.5*az*y*y + log2cosh(bz*y)
	})
}

func (l *AbsLikelihood) Sample(_ *rand.Rand, x []float64) []float64 {
	y := make([]float64, len(x))
	for i := range x {
		y[i] = math.Abs(x[i])
	}
	return y
}
