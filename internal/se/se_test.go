package se

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamp-dev/gamp/internal/factors"
	"github.com/gamp-dev/gamp/internal/graph"
	"github.com/gamp-dev/gamp/internal/mp"
)

func priorLikelihoodModel(t *testing.T, priorVar, noiseVar float64) *graph.Model {
	t.Helper()
	prior, err := factors.NewGaussianPrior(0, priorVar)
	require.NoError(t, err)
	lk, err := factors.NewGaussianLikelihood(noiseVar)
	require.NoError(t, err)

	b := graph.NewBuilder()
	_, err = b.AddFactor("p", prior)
	require.NoError(t, err)
	_, err = b.AddVariable("z", 100)
	require.NoError(t, err)
	_, err = b.AddFactor("lk", lk)
	require.NoError(t, err)
	require.NoError(t, b.Connect("p", "z"))
	require.NoError(t, b.Connect("z", "lk"))
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func TestPropagateSecondMoments(t *testing.T) {
	prior, err := factors.NewGaussianPrior(0.5, 1.0)
	require.NoError(t, err)
	ch, err := factors.NewGaussianChannel(0.3)
	require.NoError(t, err)
	lk, err := factors.NewGaussianLikelihood(0.1)
	require.NoError(t, err)

	b := graph.NewBuilder()
	_, err = b.AddFactor("p", prior)
	require.NoError(t, err)
	_, err = b.AddVariable("z", 10)
	require.NoError(t, err)
	_, err = b.AddFactor("ch", ch)
	require.NoError(t, err)
	_, err = b.AddVariable("x", 10)
	require.NoError(t, err)
	_, err = b.AddFactor("lk", lk)
	require.NoError(t, err)
	for _, e := range [][2]string{{"p", "z"}, {"z", "ch"}, {"ch", "x"}, {"x", "lk"}} {
		require.NoError(t, b.Connect(e[0], e[1]))
	}
	m, err := b.Build()
	require.NoError(t, err)

	require.NoError(t, PropagateSecondMoments(m))

	z, ok := m.Variable("z")
	require.True(t, ok)
	tauZ, has := z.Tau()
	require.True(t, has)
	assert.InDelta(t, 0.5*0.5+1.0, tauZ, 1e-12)

	x, ok := m.Variable("x")
	require.True(t, ok)
	tauX, has := x.Tau()
	require.True(t, has)
	assert.InDelta(t, tauZ+0.3, tauX, 1e-12)
}

func TestPropagateSecondMoments_KeepsExplicitTau(t *testing.T) {
	prior, err := factors.NewGaussianPrior(0, 1)
	require.NoError(t, err)

	b := graph.NewBuilder()
	_, err = b.AddFactor("p", prior)
	require.NoError(t, err)
	_, err = b.AddVariableWithTau("z", 5, 7.5)
	require.NoError(t, err)
	require.NoError(t, b.Connect("p", "z"))
	m, err := b.Build()
	require.NoError(t, err)

	require.NoError(t, PropagateSecondMoments(m))
	z, ok := m.Variable("z")
	require.True(t, ok)
	tau, has := z.Tau()
	require.True(t, has)
	assert.Equal(t, 7.5, tau)
}

func TestSE_ConjugateVarianceMatchesPosterior(t *testing.T) {
	m := priorLikelihoodModel(t, 1.0, 0.5)
	require.NoError(t, PropagateSecondMoments(m))

	e, err := NewEngine(m)
	require.NoError(t, err)
	state, err := e.Iterate(mp.IterateOptions{
		MaxIter:  50,
		Callback: mp.EarlyStopping(1e-12, 1e-14),
	})
	require.NoError(t, err)
	assert.Equal(t, mp.StateConverged, state)

	// For the conjugate pair, state evolution reproduces the exact
	// posterior variance 1/(1/priorVar + 1/noiseVar).
	d, err := e.VariableData("z")
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, d.V, 1e-10)
	assert.Empty(t, d.R, "state evolution does not track means")
}

func TestSE_FreeEnergyMatchesExpectedLogEvidence(t *testing.T) {
	m := priorLikelihoodModel(t, 1.0, 0.5)
	require.NoError(t, PropagateSecondMoments(m))

	e, err := NewEngine(m)
	require.NoError(t, err)
	_, err = e.Iterate(mp.IterateOptions{
		MaxIter:  50,
		Callback: mp.EarlyStopping(1e-12, 1e-14),
	})
	require.NoError(t, err)

	got, err := e.UpdateObjective()
	require.NoError(t, err)

	// E[log p(y)] for y ~ N(0, priorVar + noiseVar), per component.
	sigma2 := 1.5
	want := -0.5 - 0.5*math.Log(2*math.Pi*sigma2)
	assert.InDelta(t, want, got, 1e-9)
}

func TestSE_MarchenkoPasturChannel(t *testing.T) {
	prior, err := factors.NewGaussianPrior(0, 1)
	require.NoError(t, err)
	ens, err := factors.NewMarchenkoPastur(2.0)
	require.NoError(t, err)
	ch, err := factors.NewAnalyticalLinearChannel(ens)
	require.NoError(t, err)
	lk, err := factors.NewGaussianLikelihood(0.01)
	require.NoError(t, err)

	b := graph.NewBuilder()
	_, err = b.AddFactor("p", prior)
	require.NoError(t, err)
	_, err = b.AddVariable("z", 200)
	require.NoError(t, err)
	_, err = b.AddFactor("W", ch)
	require.NoError(t, err)
	_, err = b.AddVariable("x", 400)
	require.NoError(t, err)
	_, err = b.AddFactor("lk", lk)
	require.NoError(t, err)
	for _, e := range [][2]string{{"p", "z"}, {"z", "W"}, {"W", "x"}, {"x", "lk"}} {
		require.NoError(t, b.Connect(e[0], e[1]))
	}
	m, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, PropagateSecondMoments(m))

	e, err := NewEngine(m)
	require.NoError(t, err)
	state, err := e.Iterate(mp.IterateOptions{
		MaxIter:     200,
		Initializer: mp.ConstantInit{A: 1.0},
		Callback:    mp.EarlyStopping(1e-10, 1e-14),
	})
	require.NoError(t, err)
	assert.Equal(t, mp.StateConverged, state)

	// Oversampled (alpha = 2) with tiny noise: the signal is essentially
	// recovered.
	dz, err := e.VariableData("z")
	require.NoError(t, err)
	assert.Greater(t, dz.V, 0.0)
	assert.Less(t, dz.V, 0.05)

	dx, err := e.VariableData("x")
	require.NoError(t, err)
	assert.Greater(t, dx.V, 0.0)
	assert.Less(t, dx.V, 0.01)
}

func TestSE_MissingTauFails(t *testing.T) {
	m := priorLikelihoodModel(t, 1.0, 0.5)
	// No second-moment propagation.

	e, err := NewEngine(m)
	require.NoError(t, err)
	state, err := e.Iterate(mp.IterateOptions{MaxIter: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second moment")
	assert.Equal(t, mp.StateFailed, state)
}

func TestSE_CavityMessages(t *testing.T) {
	u := New()
	m := priorLikelihoodModel(t, 1.0, 1.0)
	require.NoError(t, PropagateSecondMoments(m))

	z, ok := m.Variable("z")
	require.True(t, ok)
	p, ok := m.Node("p")
	require.True(t, ok)
	lk, ok := m.Node("lk")
	require.True(t, ok)

	in := []mp.Arrow{
		{Source: p, Target: z, Dir: mp.DirForward, A: 1.5, Tau: 1, HasTau: true, Shape: 100},
		{Source: lk, Target: z, Dir: mp.DirBackward, A: 0.5, Tau: 1, HasTau: true, Shape: 100},
	}

	fwd, err := u.Forward(z, in)
	require.NoError(t, err)
	require.Len(t, fwd, 1)
	assert.Equal(t, 1.5, fwd[0].A)
	assert.Nil(t, fwd[0].B)

	post, err := u.Update(z, in)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, post.V, 1e-12)
}
