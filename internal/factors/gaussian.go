package factors

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/gamp-dev/gamp/internal/graph"
)

// GaussianPrior is the factor x ~ N(mean, variance) with no input variable.
type GaussianPrior struct {
	Mean float64
	Var  float64
}

// NewGaussianPrior builds a Gaussian prior; variance must be positive.
func NewGaussianPrior(mean, variance float64) (*GaussianPrior, error) {
	if variance <= 0 {
		return nil, fmt.Errorf("gaussian prior: variance %v must be positive", variance)
	}
	return &GaussianPrior{Mean: mean, Var: variance}, nil
}

func (p *GaussianPrior) Label() string { return "gaussian_prior" }

// natural returns the prior's natural parameters.
func (p *GaussianPrior) natural() (a0, b0 float64) {
	return 1 / p.Var, p.Mean / p.Var
}

func (p *GaussianPrior) Posterior(ax float64, bx []float64) ([]float64, float64, error) {
	a0, b0 := p.natural()
	a := a0 + ax
	if a <= 0 {
		return nil, 0, errPrecision(p.Label(), a)
	}
	rx := make([]float64, len(bx))
	for i, b := range bx {
		rx[i] = (b0 + b) / a
	}
	return rx, 1 / a, nil
}

func (p *GaussianPrior) LogPartition(ax float64, bx []float64) (float64, error) {
	a0, b0 := p.natural()
	a := a0 + ax
	if a <= 0 {
		return 0, errPrecision(p.Label(), a)
	}
	var sum float64
	for _, b := range bx {
		bb := b0 + b
		sum += 0.5 * (bb*bb/a - b0*b0/a0 + math.Log(a0/a))
	}
	return sum / float64(len(bx)), nil
}

func (p *GaussianPrior) ForwardError(ax float64) (float64, error) {
	a0, _ := p.natural()
	a := a0 + ax
	if a <= 0 {
		return 0, errPrecision(p.Label(), a)
	}
	return 1 / a, nil
}

// FreeEnergy averages the log partition over the state-evolution beliefs
// measure bx ~ N(ax x*, ax) with x* drawn from the prior.
func (p *GaussianPrior) FreeEnergy(ax float64) (float64, error) {
	a0, b0 := p.natural()
	a := a0 + ax
	if a <= 0 {
		return 0, errPrecision(p.Label(), a)
	}
	tau0 := p.SecondMoment()
	eb2 := b0*b0 + 2*b0*ax*p.Mean + ax*ax*tau0 + ax
	return 0.5 * (eb2/a - b0*b0/a0 + math.Log(a0/a)), nil
}

func (p *GaussianPrior) SecondMoment() float64 {
	return p.Mean*p.Mean + p.Var
}

func (p *GaussianPrior) Sample(rng *rand.Rand, n int) []float64 {
	noise := distuv.Normal{Mu: p.Mean, Sigma: math.Sqrt(p.Var), Src: rng}
	x := make([]float64, n)
	for i := range x {
		x[i] = noise.Rand()
	}
	return x
}

// GaussianChannel is the additive-noise factor x = z + N(0, variance).
type GaussianChannel struct {
	Var float64
}

// NewGaussianChannel builds an additive Gaussian channel; variance must be
// positive.
func NewGaussianChannel(variance float64) (*GaussianChannel, error) {
	if variance <= 0 {
		return nil, fmt.Errorf("gaussian channel: variance %v must be positive", variance)
	}
	return &GaussianChannel{Var: variance}, nil
}

func (c *GaussianChannel) Label() string { return "gaussian_channel" }

// solve inverts the 2x2 joint precision over (z, x):
//
//	[az+an  -an ]
//	[-an    ax+an]
//
// returning the covariance entries and determinant.
func (c *GaussianChannel) solve(az, ax float64) (czz, cxx, czx, det float64, err error) {
	an := 1 / c.Var
	pzz := az + an
	pxx := ax + an
	det = pzz*pxx - an*an
	if det <= 0 {
		return 0, 0, 0, 0, errPrecision(c.Label(), det)
	}
	return pxx / det, pzz / det, an / det, det, nil
}

func (c *GaussianChannel) ForwardPosterior(az float64, bz []float64, ax float64, bx []float64) ([]float64, float64, error) {
	_, cxx, czx, _, err := c.solve(az, ax)
	if err != nil {
		return nil, 0, err
	}
	rx := make([]float64, len(bx))
	for i := range bx {
		rx[i] = czx*bz[i] + cxx*bx[i]
	}
	return rx, cxx, nil
}

func (c *GaussianChannel) BackwardPosterior(az float64, bz []float64, ax float64, bx []float64) ([]float64, float64, error) {
	czz, _, czx, _, err := c.solve(az, ax)
	if err != nil {
		return nil, 0, err
	}
	rz := make([]float64, len(bz))
	for i := range bz {
		rz[i] = czz*bz[i] + czx*bx[i]
	}
	return rz, czz, nil
}

func (c *GaussianChannel) LogPartition(az float64, bz []float64, ax float64, bx []float64) (float64, error) {
	czz, cxx, czx, det, err := c.solve(az, ax)
	if err != nil {
		return 0, err
	}
	an := 1 / c.Var
	var sum float64
	for i := range bz {
		quad := czz*bz[i]*bz[i] + 2*czx*bz[i]*bx[i] + cxx*bx[i]*bx[i]
		sum += 0.5 * quad
	}
	return sum/float64(len(bz)) + 0.5*math.Log(2*math.Pi*an/det), nil
}

func (c *GaussianChannel) SecondMoment(tauZ float64) float64 {
	return tauZ + c.Var
}

func (c *GaussianChannel) ForwardError(az, ax, tauZ float64) (float64, error) {
	_, cxx, _, _, err := c.solve(az, ax)
	return cxx, err
}

func (c *GaussianChannel) BackwardError(az, ax, tauZ float64) (float64, error) {
	czz, _, _, _, err := c.solve(az, ax)
	return czz, err
}

// FreeEnergy averages the log partition over the state-evolution beliefs
// measure with bz ~ N(az z*, az), bx ~ N(ax x*, ax) and x* = z* + noise.
func (c *GaussianChannel) FreeEnergy(az, ax, tauZ float64) (float64, error) {
	czz, cxx, czx, det, err := c.solve(az, ax)
	if err != nil {
		return 0, err
	}
	an := 1 / c.Var
	tauX := c.SecondMoment(tauZ)
	ebz2 := az*az*tauZ + az
	ebx2 := ax*ax*tauX + ax
	ebzbx := az * ax * tauZ
	quad := czz*ebz2 + 2*czx*ebzbx + cxx*ebx2
	return 0.5*quad + 0.5*math.Log(2*math.Pi*an/det), nil
}

func (c *GaussianChannel) Sample(rng *rand.Rand, z []float64) []float64 {
	noise := distuv.Normal{Mu: 0, Sigma: math.Sqrt(c.Var), Src: rng}
	x := make([]float64, len(z))
	for i := range z {
		x[i] = z[i] + noise.Rand()
	}
	return x
}

// GaussianLikelihood is the factor y = x + N(0, variance) with observation y.
// Y is nil on a generative model; WithObservation binds it for inference.
type GaussianLikelihood struct {
	Var float64
	Y   []float64
}

// NewGaussianLikelihood builds an unobserved Gaussian likelihood; variance
// must be positive.
func NewGaussianLikelihood(variance float64) (*GaussianLikelihood, error) {
	if variance <= 0 {
		return nil, fmt.Errorf("gaussian likelihood: variance %v must be positive", variance)
	}
	return &GaussianLikelihood{Var: variance}, nil
}

func (l *GaussianLikelihood) Label() string { return "gaussian_likelihood" }

func (l *GaussianLikelihood) Observation() ([]float64, bool) {
	return l.Y, l.Y != nil
}

func (l *GaussianLikelihood) WithObservation(y []float64) graph.Op {
	return &GaussianLikelihood{Var: l.Var, Y: append([]float64(nil), y...)}
}

func (l *GaussianLikelihood) observed() error {
	if l.Y == nil {
		return fmt.Errorf("%s: no observation bound", l.Label())
	}
	return nil
}

func (l *GaussianLikelihood) BackwardPosterior(az float64, bz []float64) ([]float64, float64, error) {
	if err := l.observed(); err != nil {
		return nil, 0, err
	}
	an := 1 / l.Var
	a := az + an
	if a <= 0 {
		return nil, 0, errPrecision(l.Label(), a)
	}
	rz := make([]float64, len(bz))
	for i := range bz {
		rz[i] = (bz[i] + an*l.Y[i]) / a
	}
	return rz, 1 / a, nil
}

func (l *GaussianLikelihood) LogPartition(az float64, bz []float64) (float64, error) {
	if err := l.observed(); err != nil {
		return 0, err
	}
	an := 1 / l.Var
	a := az + an
	if a <= 0 {
		return 0, errPrecision(l.Label(), a)
	}
	var sum float64
	for i := range bz {
		b := bz[i] + an*l.Y[i]
		sum += 0.5 * (b*b/a - an*l.Y[i]*l.Y[i])
	}
	return sum/float64(len(bz)) + 0.5*math.Log(an/a), nil
}

func (l *GaussianLikelihood) BackwardError(az, tauZ float64) (float64, error) {
	an := 1 / l.Var
	a := az + an
	if a <= 0 {
		return 0, errPrecision(l.Label(), a)
	}
	return 1 / a, nil
}

// FreeEnergy averages the log partition over the state-evolution beliefs
// measure, with y generated from the likelihood itself.
func (l *GaussianLikelihood) FreeEnergy(az, tauZ float64) (float64, error) {
	an := 1 / l.Var
	a := az + an
	if a <= 0 {
		return 0, errPrecision(l.Label(), a)
	}
	eb2 := a*a*tauZ + a
	ey2 := tauZ + l.Var
	return 0.5*math.Log(an/a) + eb2/(2*a) - 0.5*an*ey2, nil
}

func (l *GaussianLikelihood) Sample(rng *rand.Rand, x []float64) []float64 {
	noise := distuv.Normal{Mu: 0, Sigma: math.Sqrt(l.Var), Src: rng}
	y := make([]float64, len(x))
	for i := range x {
		y[i] = x[i] + noise.Rand()
	}
	return y
}
