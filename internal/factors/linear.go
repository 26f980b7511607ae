package factors

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Ensemble describes a random matrix ensemble through its spectral
// transforms, enough to run state evolution on a linear channel without
// instantiating a matrix.
type Ensemble interface {
	// Alpha is the aspect ratio rows/cols.
	Alpha() float64

	// MeanSpectrum is the mean eigenvalue of W^T W.
	MeanSpectrum() float64

	// EtaTransform evaluates the eta transform at gamma.
	EtaTransform(gamma float64) float64

	// ShannonTransform evaluates the Shannon transform at gamma.
	ShannonTransform(gamma float64) float64

	// Generate draws one matrix with n columns.
	Generate(rng *rand.Rand, n int) *mat.Dense
}

// MarchenkoPastur is the iid Gaussian ensemble W in R^{m x n} with entries
// N(0, 1/n) and aspect ratio alpha = m/n.
type MarchenkoPastur struct {
	alpha float64
}

// NewMarchenkoPastur builds the ensemble; alpha must be positive.
func NewMarchenkoPastur(alpha float64) (*MarchenkoPastur, error) {
	if alpha <= 0 {
		return nil, fmt.Errorf("marchenko-pastur: alpha %v must be positive", alpha)
	}
	return &MarchenkoPastur{alpha: alpha}, nil
}

func (e *MarchenkoPastur) Alpha() float64 { return e.alpha }

func (e *MarchenkoPastur) MeanSpectrum() float64 { return e.alpha }

// fTransform is the auxiliary quantity 2x shared by the eta and Shannon
// transforms, with x the smaller root of the Stieltjes fixed point.
func (e *MarchenkoPastur) fTransform(gamma float64) float64 {
	a := 1 + gamma*(1+e.alpha)
	x := a - math.Sqrt(a*a-4*gamma*gamma*e.alpha)
	return 2 * x
}

func (e *MarchenkoPastur) EtaTransform(gamma float64) float64 {
	return 1 - e.fTransform(gamma)/(4*gamma)
}

func (e *MarchenkoPastur) ShannonTransform(gamma float64) float64 {
	f := e.fTransform(gamma)
	return e.alpha*math.Log(1+gamma-f/4) + math.Log(1+e.alpha*gamma-f/4) - f/(4*gamma)
}

func (e *MarchenkoPastur) Generate(rng *rand.Rand, n int) *mat.Dense {
	m := int(math.Round(e.alpha * float64(n)))
	if m < 1 {
		m = 1
	}
	noise := distuv.Normal{Mu: 0, Sigma: 1 / math.Sqrt(float64(n)), Src: rng}
	w := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			w.Set(i, j, noise.Rand())
		}
	}
	return w
}

// AnalyticalLinearChannel is the factor x = W z for a random W known only
// through its ensemble. It supports state evolution (error functions and
// free energy in terms of the ensemble's spectral transforms) and sampling;
// expectation propagation needs an instantiated matrix and is not provided.
type AnalyticalLinearChannel struct {
	ens Ensemble
}

// NewAnalyticalLinearChannel wraps an ensemble as a channel factor.
func NewAnalyticalLinearChannel(ens Ensemble) (*AnalyticalLinearChannel, error) {
	if ens == nil {
		return nil, fmt.Errorf("analytical linear channel: nil ensemble")
	}
	return &AnalyticalLinearChannel{ens: ens}, nil
}

func (c *AnalyticalLinearChannel) Label() string { return "analytical_linear_channel" }

func (c *AnalyticalLinearChannel) SecondMoment(tauZ float64) float64 {
	return tauZ * c.ens.MeanSpectrum() / c.ens.Alpha()
}

// nEff is the effective number of parameters.
func (c *AnalyticalLinearChannel) nEff(az, ax float64) float64 {
	return 1 - c.ens.EtaTransform(ax/az)
}

func (c *AnalyticalLinearChannel) check(az, ax float64) error {
	if az <= 0 {
		return errPrecision(c.Label(), az)
	}
	if ax <= 0 {
		return errPrecision(c.Label(), ax)
	}
	return nil
}

func (c *AnalyticalLinearChannel) BackwardError(az, ax, tauZ float64) (float64, error) {
	if err := c.check(az, ax); err != nil {
		return 0, err
	}
	return (1 - c.nEff(az, ax)) / az, nil
}

func (c *AnalyticalLinearChannel) ForwardError(az, ax, tauZ float64) (float64, error) {
	if err := c.check(az, ax); err != nil {
		return 0, err
	}
	return c.nEff(az, ax) / (c.ens.Alpha() * ax), nil
}

// mutualInformation is I(az, ax, tau) in the replica-symmetric formula.
func (c *AnalyticalLinearChannel) mutualInformation(az, ax, tauZ float64) float64 {
	return 0.5*math.Log(az*tauZ) + 0.5*c.ens.ShannonTransform(ax/az)
}

func (c *AnalyticalLinearChannel) FreeEnergy(az, ax, tauZ float64) (float64, error) {
	if err := c.check(az, ax); err != nil {
		return 0, err
	}
	tauX := c.SecondMoment(tauZ)
	alpha := c.ens.Alpha()
	i := c.mutualInformation(az, ax, tauZ)
	return 0.5*(az*tauZ+alpha*ax*tauX) - i + 0.5*math.Log(2*math.Pi*tauZ/math.E), nil
}

func (c *AnalyticalLinearChannel) Sample(rng *rand.Rand, z []float64) []float64 {
	w := c.ens.Generate(rng, len(z))
	m, _ := w.Dims()
	var x mat.VecDense
	x.MulVec(w, mat.NewVecDense(len(z), z))
	out := make([]float64, m)
	for i := 0; i < m; i++ {
		out[i] = x.AtVec(i)
	}
	return out
}
