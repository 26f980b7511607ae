package factors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

// gradient computes a central finite difference of f at x.
func gradient(f func(float64) float64, x float64) float64 {
	const h = 1e-6
	return (f(x+h) - f(x-h)) / (2 * h)
}

func TestGaussianPrior_Posterior(t *testing.T) {
	p, err := NewGaussianPrior(1.0, 2.0)
	require.NoError(t, err)

	ax := 0.5
	bx := []float64{0.3, -0.7, 1.1}
	rx, vx, err := p.Posterior(ax, bx)
	require.NoError(t, err)

	a := 1/2.0 + ax
	assert.InDelta(t, 1/a, vx, 1e-12)
	for i, b := range bx {
		assert.InDelta(t, (1.0/2.0+b)/a, rx[i], 1e-12)
	}
}

func TestGaussianPrior_LogPartitionGradient(t *testing.T) {
	// The log partition generates the posterior moments:
	// dA/db_i = r_i/n and dA/da = -(1/2n) sum(r_i^2 + v).
	p, err := NewGaussianPrior(0.5, 1.5)
	require.NoError(t, err)

	ax := 0.8
	bx := []float64{0.2, -0.4}
	n := float64(len(bx))
	rx, vx, err := p.Posterior(ax, bx)
	require.NoError(t, err)

	for i := range bx {
		i := i
		g := gradient(func(b float64) float64 {
			shifted := append([]float64(nil), bx...)
			shifted[i] = b
			a, err := p.LogPartition(ax, shifted)
			require.NoError(t, err)
			return a
		}, bx[i])
		assert.InDelta(t, rx[i]/n, g, 1e-6)
	}

	ga := gradient(func(a float64) float64 {
		v, err := p.LogPartition(a, bx)
		require.NoError(t, err)
		return v
	}, ax)
	var want float64
	for _, r := range rx {
		want -= (r*r + vx) / (2 * n)
	}
	assert.InDelta(t, want, ga, 1e-6)
}

func TestGaussianPrior_ZeroBelief(t *testing.T) {
	p, err := NewGaussianPrior(1.0, 0.5)
	require.NoError(t, err)

	a, err := p.LogPartition(0, []float64{0, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0, a, 1e-12, "normalized prior has zero log partition at zero belief")

	fe, err := p.FreeEnergy(0)
	require.NoError(t, err)
	assert.InDelta(t, 0, fe, 1e-12)

	assert.InDelta(t, 1.0+0.5, p.SecondMoment(), 1e-12)
}

func TestGaussianPrior_Errors(t *testing.T) {
	_, err := NewGaussianPrior(0, -1)
	assert.Error(t, err)

	p, err := NewGaussianPrior(0, 1)
	require.NoError(t, err)
	_, _, err = p.Posterior(-2.0, []float64{0})
	assert.True(t, errors.Is(err, ErrNonPositivePrecision))
}

func TestGaussianPrior_SampleMoments(t *testing.T) {
	p, err := NewGaussianPrior(2.0, 0.25)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	x := p.Sample(rng, 20000)
	require.Len(t, x, 20000)

	var mean float64
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	assert.InDelta(t, 2.0, mean, 0.05)
}

func TestGaussianChannel_PosteriorConsistency(t *testing.T) {
	c, err := NewGaussianChannel(0.5)
	require.NoError(t, err)

	az, ax := 1.2, 0.7
	bz := []float64{0.3, -1.0}
	bx := []float64{0.8, 0.1}

	rz, vz, err := c.BackwardPosterior(az, bz, ax, bx)
	require.NoError(t, err)
	rx, vx, err := c.ForwardPosterior(az, bz, ax, bx)
	require.NoError(t, err)

	// The covariance inverts the joint precision over (z, x).
	an := 1 / 0.5
	det := (az+an)*(ax+an) - an*an
	assert.InDelta(t, (ax+an)/det, vz, 1e-12)
	assert.InDelta(t, (az+an)/det, vx, 1e-12)

	// Posterior means solve the linear system P r = b.
	for i := range bz {
		assert.InDelta(t, bz[i], (az+an)*rz[i]-an*rx[i], 1e-10)
		assert.InDelta(t, bx[i], -an*rz[i]+(ax+an)*rx[i], 1e-10)
	}

	// SE error functions match the belief-independent variances.
	fe, err := c.ForwardError(az, ax, 1.0)
	require.NoError(t, err)
	assert.Equal(t, vx, fe)
	be, err := c.BackwardError(az, ax, 1.0)
	require.NoError(t, err)
	assert.Equal(t, vz, be)
}

func TestGaussianChannel_LogPartitionGradient(t *testing.T) {
	c, err := NewGaussianChannel(1.5)
	require.NoError(t, err)

	az, ax := 0.9, 1.4
	bz := []float64{0.2, -0.6}
	bx := []float64{-0.1, 0.5}
	n := float64(len(bz))

	rz, _, err := c.BackwardPosterior(az, bz, ax, bx)
	require.NoError(t, err)
	rx, _, err := c.ForwardPosterior(az, bz, ax, bx)
	require.NoError(t, err)

	for i := range bz {
		i := i
		gz := gradient(func(b float64) float64 {
			shifted := append([]float64(nil), bz...)
			shifted[i] = b
			a, err := c.LogPartition(az, shifted, ax, bx)
			require.NoError(t, err)
			return a
		}, bz[i])
		assert.InDelta(t, rz[i]/n, gz, 1e-6)

		gx := gradient(func(b float64) float64 {
			shifted := append([]float64(nil), bx...)
			shifted[i] = b
			a, err := c.LogPartition(az, bz, ax, shifted)
			require.NoError(t, err)
			return a
		}, bx[i])
		assert.InDelta(t, rx[i]/n, gx, 1e-6)
	}
}

func TestGaussianChannel_SecondMoment(t *testing.T) {
	c, err := NewGaussianChannel(0.3)
	require.NoError(t, err)
	assert.InDelta(t, 1.3, c.SecondMoment(1.0), 1e-12)
}

func TestGaussianChannel_Sample(t *testing.T) {
	c, err := NewGaussianChannel(0.01)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	z := []float64{1, 2, 3}
	x := c.Sample(rng, z)
	require.Len(t, x, 3)
	for i := range z {
		assert.InDelta(t, z[i], x[i], 1.0, "small noise stays near the input")
	}
}

func TestGaussianLikelihood_Posterior(t *testing.T) {
	l, err := NewGaussianLikelihood(0.5)
	require.NoError(t, err)

	_, _, err = l.BackwardPosterior(1.0, []float64{0})
	require.Error(t, err, "unobserved likelihood cannot run inference")

	obs := l.WithObservation([]float64{1.0, -2.0}).(*GaussianLikelihood)
	az := 0.8
	bz := []float64{0.1, 0.4}
	rz, vz, err := obs.BackwardPosterior(az, bz)
	require.NoError(t, err)

	an := 2.0
	a := az + an
	assert.InDelta(t, 1/a, vz, 1e-12)
	assert.InDelta(t, (0.1+an*1.0)/a, rz[0], 1e-12)
	assert.InDelta(t, (0.4+an*-2.0)/a, rz[1], 1e-12)
}

func TestGaussianLikelihood_LogPartitionGradient(t *testing.T) {
	l, err := NewGaussianLikelihood(0.7)
	require.NoError(t, err)
	obs := l.WithObservation([]float64{0.6, -1.2}).(*GaussianLikelihood)

	az := 1.1
	bz := []float64{0.3, -0.2}
	n := float64(len(bz))
	rz, _, err := obs.BackwardPosterior(az, bz)
	require.NoError(t, err)

	for i := range bz {
		i := i
		g := gradient(func(b float64) float64 {
			shifted := append([]float64(nil), bz...)
			shifted[i] = b
			a, err := obs.LogPartition(az, shifted)
			require.NoError(t, err)
			return a
		}, bz[i])
		assert.InDelta(t, rz[i]/n, g, 1e-6)
	}
}

func TestGaussianLikelihood_FreeEnergyAtZeroBelief(t *testing.T) {
	l, err := NewGaussianLikelihood(0.4)
	require.NoError(t, err)

	fe, err := l.BackwardError(0, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, fe, 1e-12, "no incoming belief leaves the noise variance")

	a, err := l.FreeEnergy(0, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0, a, 1e-12, "normalized likelihood at zero belief")
}

func TestGaussianLikelihood_Observation(t *testing.T) {
	l, err := NewGaussianLikelihood(1.0)
	require.NoError(t, err)

	_, ok := l.Observation()
	assert.False(t, ok)

	y := []float64{1, 2}
	obs := l.WithObservation(y).(*GaussianLikelihood)
	y[0] = 99
	got, ok := obs.Observation()
	require.True(t, ok)
	assert.Equal(t, 1.0, got[0], "observation must be copied, not aliased")

	sampled := obs.Sample(rand.New(rand.NewSource(5)), []float64{0, 0})
	assert.Len(t, sampled, 2)
}
