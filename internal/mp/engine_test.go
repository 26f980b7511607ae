package mp

import (
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamp-dev/gamp/internal/graph"
	"github.com/gamp-dev/gamp/internal/testutil"
)

type stubOp struct{ label string }

func (s stubOp) Label() string { return s.label }

// chainModel builds p -> z -> ch -> x -> lk: one prior, one channel, one
// likelihood, two variables of the given shape.
func chainModel(t *testing.T, shape int) *graph.Model {
	t.Helper()
	b := graph.NewBuilder()
	_, err := b.AddFactor("p", stubOp{"prior"})
	require.NoError(t, err)
	_, err = b.AddVariable("z", shape)
	require.NoError(t, err)
	_, err = b.AddFactor("ch", stubOp{"channel"})
	require.NoError(t, err)
	_, err = b.AddVariable("x", shape)
	require.NoError(t, err)
	_, err = b.AddFactor("lk", stubOp{"likelihood"})
	require.NoError(t, err)
	for _, e := range [][2]string{{"p", "z"}, {"z", "ch"}, {"ch", "x"}, {"x", "lk"}} {
		require.NoError(t, b.Connect(e[0], e[1]))
	}
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

// outTargets derives the swept node's outgoing dir-tagged edges from its
// incoming arrows: the bwd twin of an outgoing fwd edge flows back in, and
// vice versa.
func outTargets(in []Arrow, dir Direction) []graph.Node {
	var targets []graph.Node
	for _, a := range in {
		if a.Dir == dir.Reverse() {
			targets = append(targets, a.Source)
		}
	}
	return targets
}

// countingUpdater proposes a strictly increasing sequence of values, so
// committed state changes every iteration unless damping freezes it. Two
// instances driven identically produce identical sequences.
type countingUpdater struct {
	n float64
}

func (u *countingUpdater) propose(node graph.Node, in []Arrow, dir Direction) []Proposal {
	var batch []Proposal
	for _, target := range outTargets(in, dir) {
		u.n++
		b := make([]float64, shapeOf(in))
		for i := range b {
			b[i] = u.n
		}
		batch = append(batch, Proposal{Source: node, Target: target, A: u.n, B: b})
	}
	return batch
}

func shapeOf(in []Arrow) int {
	for _, a := range in {
		return a.Shape
	}
	return 1
}

func (u *countingUpdater) Forward(node graph.Node, in []Arrow) ([]Proposal, error) {
	return u.propose(node, in, DirForward), nil
}

func (u *countingUpdater) Backward(node graph.Node, in []Arrow) ([]Proposal, error) {
	return u.propose(node, in, DirBackward), nil
}

func (u *countingUpdater) Update(v *graph.Variable, in []Arrow) (Posterior, error) {
	var a float64
	r := make([]float64, v.Shape())
	for _, arr := range in {
		a += arr.A
		for i := range arr.B {
			r[i] += arr.B[i]
		}
	}
	return Posterior{R: r, V: a}, nil
}

func (u *countingUpdater) NodeObjective(_ graph.Node, in []Arrow) (float64, error) {
	a := 1.0
	for _, arr := range in {
		a += arr.A
	}
	return a, nil
}

// constUpdater proposes the same values forever: a fixed point after the
// first iteration.
type constUpdater struct {
	a float64
	b float64
}

func (u constUpdater) propose(node graph.Node, in []Arrow, dir Direction) []Proposal {
	var batch []Proposal
	for _, target := range outTargets(in, dir) {
		b := make([]float64, shapeOf(in))
		for i := range b {
			b[i] = u.b
		}
		batch = append(batch, Proposal{Source: node, Target: target, A: u.a, B: b})
	}
	return batch
}

func (u constUpdater) Forward(node graph.Node, in []Arrow) ([]Proposal, error) {
	return u.propose(node, in, DirForward), nil
}

func (u constUpdater) Backward(node graph.Node, in []Arrow) ([]Proposal, error) {
	return u.propose(node, in, DirBackward), nil
}

func (u constUpdater) Update(v *graph.Variable, in []Arrow) (Posterior, error) {
	var a float64
	r := make([]float64, v.Shape())
	for _, arr := range in {
		a += arr.A
		for i := range arr.B {
			r[i] += arr.B[i]
		}
	}
	return Posterior{R: r, V: a}, nil
}

func (u constUpdater) NodeObjective(graph.Node, []Arrow) (float64, error) {
	return 1.0, nil
}

// poisonUpdater wraps an updater and corrupts the named forward edge.
type poisonUpdater struct {
	inner  Updater
	source string
	target string
	value  float64
}

func (u *poisonUpdater) Forward(node graph.Node, in []Arrow) ([]Proposal, error) {
	batch, err := u.inner.Forward(node, in)
	if err != nil {
		return nil, err
	}
	for i := range batch {
		if batch[i].Source.ID() == u.source && batch[i].Target.ID() == u.target {
			batch[i].A = u.value
		}
	}
	return batch, nil
}

func (u *poisonUpdater) Backward(node graph.Node, in []Arrow) ([]Proposal, error) {
	return u.inner.Backward(node, in)
}

func (u *poisonUpdater) Update(v *graph.Variable, in []Arrow) (Posterior, error) {
	return u.inner.Update(v, in)
}

func (u *poisonUpdater) NodeObjective(n graph.Node, in []Arrow) (float64, error) {
	return u.inner.NodeObjective(n, in)
}

func newEngine(t *testing.T, m *graph.Model, u Updater) *Engine {
	t.Helper()
	logger, _ := testutil.NewCaptureLogger()
	e, err := New(m, u, KeyA|KeyB, WithLogger(logger))
	require.NoError(t, err)
	return e
}

func stopAt(index int) Callback {
	return func(_ *Engine, iter, _ int) bool { return iter == index }
}

func edgeData(t *testing.T, e *Engine, xid, fid string, dir Direction) EdgeData {
	t.Helper()
	for _, d := range e.EdgesData() {
		if d.XID == xid && d.FID == fid && d.Dir == dir {
			return d
		}
	}
	t.Fatalf("edge x=%s f=%s dir=%s not found", xid, fid, dir)
	return EdgeData{}
}

func TestNew_Validation(t *testing.T) {
	m := chainModel(t, 2)

	_, err := New(nil, &countingUpdater{}, KeyA)
	assert.True(t, IsConfigError(err))

	_, err = New(m, nil, KeyA)
	assert.True(t, IsConfigError(err))

	_, err = New(m, &countingUpdater{}, KeyB)
	assert.True(t, IsConfigError(err), "precision field is mandatory")
}

func TestInitialize_DoublesEdges(t *testing.T) {
	m := chainModel(t, 3)
	e := newEngine(t, m, &countingUpdater{})

	require.NoError(t, e.Initialize(ConstantInit{}))
	assert.Equal(t, 2*m.NumEdges(), e.MessageGraph().NumEdges())

	for _, d := range e.EdgesData() {
		assert.Equal(t, 0, d.NIter, "fresh edge %s/%s must have n_iter=0", d.XID, d.FID)
		assert.False(t, d.HasDamping, "fresh edge must have no damping")
		assert.Zero(t, d.A)
		assert.Len(t, d.B, 3)
	}
}

func TestIterate_NIterIncrementsOncePerEdge(t *testing.T) {
	m := chainModel(t, 1)
	e := newEngine(t, m, &countingUpdater{})

	state, err := e.Iterate(IterateOptions{MaxIter: 1})
	require.NoError(t, err)
	assert.Equal(t, StateMaxIterReached, state)
	assert.Equal(t, 1, e.NIter())

	for _, d := range e.EdgesData() {
		assert.Equal(t, 1, d.NIter, "edge %s/%s/%s updated exactly once", d.XID, d.FID, d.Dir)
	}

	_, err = e.Iterate(IterateOptions{MaxIter: 1, WarmStart: true})
	require.NoError(t, err)
	for _, d := range e.EdgesData() {
		assert.Equal(t, 2, d.NIter)
	}
}

func TestChain_FiveIterations(t *testing.T) {
	// Fixed-iteration callback: stop only when the per-call index is 4,
	// giving exactly 5 completed iterations (indices 0..4).
	m := chainModel(t, 1)
	e := newEngine(t, m, &countingUpdater{})

	state, err := e.Iterate(IterateOptions{MaxIter: 100, Callback: stopAt(4)})
	require.NoError(t, err)
	assert.Equal(t, StateConverged, state)
	assert.Equal(t, 5, e.NIter())
}

func TestDamping_ZeroEquivalentToNone(t *testing.T) {
	m := chainModel(t, 2)

	plain := newEngine(t, m, &countingUpdater{})
	_, err := plain.Iterate(IterateOptions{MaxIter: 3})
	require.NoError(t, err)

	damped := newEngine(t, m, &countingUpdater{})
	spec := UniformDamping(0.0)
	_, err = damped.Iterate(IterateOptions{MaxIter: 3, Damping: &spec})
	require.NoError(t, err)

	plainEdges := plain.EdgesData()
	dampedEdges := damped.EdgesData()
	require.Equal(t, len(plainEdges), len(dampedEdges))
	for i := range plainEdges {
		assert.Equal(t, plainEdges[i].A, dampedEdges[i].A, "damping 0.0 must be bit-for-bit a no-op")
		assert.Equal(t, plainEdges[i].B, dampedEdges[i].B)
	}
}

func TestDamping_OneFreezesEdges(t *testing.T) {
	m := chainModel(t, 2)
	e := newEngine(t, m, &countingUpdater{})

	spec := UniformDamping(1.0)
	_, err := e.Iterate(IterateOptions{MaxIter: 4, Damping: &spec})
	require.NoError(t, err)

	for _, d := range e.EdgesData() {
		assert.Zero(t, d.A, "fully damped edge keeps its initial value")
		for _, x := range d.B {
			assert.Zero(t, x)
		}
		assert.Equal(t, 4, d.NIter, "damping freezes values, not update counting")
	}
}

func TestConfigureDamping_Errors(t *testing.T) {
	m := chainModel(t, 1)
	e := newEngine(t, m, &countingUpdater{})

	err := e.ConfigureDamping(UniformDamping(0.5))
	require.Error(t, err, "damping before initialization is a configuration error")

	require.NoError(t, e.Initialize(nil))

	err = e.ConfigureDamping(RuleDamping(DampingRule{VariableID: "nope", Dir: DirForward, Value: 0.5}))
	require.Error(t, err)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeDampingTarget, ce.Code)

	err = e.ConfigureDamping(RuleDamping(DampingRule{VariableID: "z", Dir: DirForward, Value: 1.5}))
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeDampingRange, ce.Code)

	// Rule damping only touches the named variable/direction.
	require.NoError(t, e.ConfigureDamping(RuleDamping(DampingRule{VariableID: "z", Dir: DirForward, Value: 0.25})))
	d := edgeData(t, e, "z", "p", DirForward)
	require.True(t, d.HasDamping)
	assert.Equal(t, 0.25, d.Damping)
	assert.False(t, edgeData(t, e, "z", "ch", DirBackward).HasDamping)
	assert.False(t, edgeData(t, e, "x", "ch", DirForward).HasDamping)
}

func TestDiagnostics_NaNAbortsBeforeCommit(t *testing.T) {
	m := chainModel(t, 1)
	inner := &countingUpdater{}
	u := &poisonUpdater{inner: inner, source: "ch", target: "x", value: math.NaN()}

	logger, capture := testutil.NewCaptureLogger()
	e, err := New(m, u, KeyA|KeyB, WithLogger(logger))
	require.NoError(t, err)

	state, err := e.Iterate(IterateOptions{MaxIter: 10})
	require.Error(t, err)
	assert.True(t, IsDivergenceError(err))
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, StateFailed, e.State())
	assert.Equal(t, 0, e.NIter(), "no iteration completed")

	var de *DivergenceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "ch", de.SourceID)
	assert.Equal(t, "x", de.TargetID)
	assert.Equal(t, FieldA, de.Field)
	assert.NotEmpty(t, de.Incoming, "diagnostic must snapshot the incoming messages")

	// The offending edge was never committed; earlier nodes in the same
	// sweep were. No backward sweep ran.
	assert.Equal(t, 0, edgeData(t, e, "x", "ch", DirForward).NIter)
	assert.Equal(t, 1, edgeData(t, e, "z", "p", DirForward).NIter)
	assert.Equal(t, 1, edgeData(t, e, "z", "ch", DirForward).NIter)
	assert.Equal(t, 0, edgeData(t, e, "z", "ch", DirBackward).NIter)
	assert.Equal(t, 0, edgeData(t, e, "x", "lk", DirBackward).NIter)

	assert.Equal(t, 1, capture.Count(slog.LevelError))
}

func TestDiagnostics_NegativePrecisionWarnsAndContinues(t *testing.T) {
	m := chainModel(t, 1)
	u := constUpdater{a: -0.5, b: 0}

	logger, capture := testutil.NewCaptureLogger()
	e, err := New(m, u, KeyA|KeyB, WithLogger(logger))
	require.NoError(t, err)

	state, err := e.Iterate(IterateOptions{MaxIter: 2})
	require.NoError(t, err, "negative precision is suspicious, not fatal")
	assert.Equal(t, StateMaxIterReached, state)
	assert.Equal(t, 2, e.NIter())
	assert.Greater(t, capture.Count(slog.LevelWarn), 0)
}

func TestSweep_RejectsUnknownEdgeProposal(t *testing.T) {
	m := chainModel(t, 1)
	u := &misdirectedUpdater{}
	e := newEngine(t, m, u)

	state, err := e.Iterate(IterateOptions{MaxIter: 1})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Equal(t, StateFailed, state)
}

// misdirectedUpdater proposes a message for a bwd edge during the forward
// sweep.
type misdirectedUpdater struct{ constUpdater }

func (u *misdirectedUpdater) Forward(node graph.Node, in []Arrow) ([]Proposal, error) {
	for _, a := range in {
		if a.Dir == DirForward {
			// Reverse edge of an incoming fwd arrow is bwd-tagged.
			return []Proposal{{Source: node, Target: a.Source, A: 1}}, nil
		}
	}
	return nil, nil
}

func TestWarmStart_Misuse(t *testing.T) {
	m := chainModel(t, 1)
	e := newEngine(t, m, &countingUpdater{})

	_, err := e.Iterate(IterateOptions{MaxIter: 5, WarmStart: true})
	require.Error(t, err)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeWarmStart, ce.Code)
	assert.Equal(t, 0, e.NIter(), "no sweep may run before the misuse is caught")
}

func TestWarmStart_MonotonicCounters(t *testing.T) {
	m := chainModel(t, 1)
	e := newEngine(t, m, &countingUpdater{})

	_, err := e.Iterate(IterateOptions{MaxIter: 3})
	require.NoError(t, err)
	require.Equal(t, 3, e.NIter())

	_, err = e.Iterate(IterateOptions{MaxIter: 2, WarmStart: true})
	require.NoError(t, err)
	assert.Equal(t, 5, e.NIter(), "warm start continues the global counter")

	_, err = e.Iterate(IterateOptions{MaxIter: 2, WarmStart: true})
	require.NoError(t, err)
	assert.Equal(t, 7, e.NIter())

	for _, d := range e.EdgesData() {
		assert.Equal(t, 7, d.NIter, "warm start must not reset edge counters")
	}

	// A cold start resets both counters.
	_, err = e.Iterate(IterateOptions{MaxIter: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, e.NIter())
}

func TestObjective_SymmetricEdgePairs(t *testing.T) {
	m := chainModel(t, 1)
	e := newEngine(t, m, &countingUpdater{})

	_, err := e.Iterate(IterateOptions{MaxIter: 2})
	require.NoError(t, err)

	total, err := e.UpdateObjective()
	require.NoError(t, err)

	got, ok := e.Objective()
	require.True(t, ok)
	assert.Equal(t, total, got)

	// Opposing twins carry the identical contribution.
	type pairKey struct{ x, f string }
	byPair := make(map[pairKey][]EdgeData)
	for _, d := range e.EdgesData() {
		require.True(t, d.HasObjective)
		k := pairKey{d.XID, d.FID}
		byPair[k] = append(byPair[k], d)
	}
	require.Len(t, byPair, m.NumEdges())
	for k, pair := range byPair {
		require.Len(t, pair, 2, "pair %v", k)
		assert.Equal(t, pair[0].Objective, pair[1].Objective, "pair %v", k)
	}

	// Total = node contributions minus one contribution per model edge.
	var nodeSum, edgeSum float64
	for _, d := range e.NodesData() {
		require.True(t, d.HasObjective)
		nodeSum += d.Objective
	}
	for _, d := range e.EdgesData() {
		if d.Dir == DirForward {
			edgeSum += d.Objective
		}
	}
	assert.InDelta(t, nodeSum-edgeSum, total, 1e-12)
}

func TestObjective_RequiresInitialization(t *testing.T) {
	m := chainModel(t, 1)
	e := newEngine(t, m, &countingUpdater{})

	_, err := e.UpdateObjective()
	assert.True(t, IsConfigError(err))

	_, ok := e.Objective()
	assert.False(t, ok)
}

func TestReset_TransplantMatchesDonor(t *testing.T) {
	m := chainModel(t, 2)

	a := newEngine(t, m, &countingUpdater{})
	_, err := a.Iterate(IterateOptions{MaxIter: 3})
	require.NoError(t, err)

	b := newEngine(t, m, &countingUpdater{})
	require.NoError(t, b.Reset(a.MessageGraph()))

	want := a.VariablesData()
	got := b.VariablesData()
	require.Equal(t, len(want), len(got))
	for id, w := range want {
		g, ok := got[id]
		require.True(t, ok, "variable %s", id)
		assert.Equal(t, w.R, g.R, "variable %s", id)
		assert.Equal(t, w.V, g.V, "variable %s", id)
	}

	// The transplanted engine can warm start from the donor state.
	_, err = b.Iterate(IterateOptions{MaxIter: 1, WarmStart: true})
	require.NoError(t, err)

	require.Error(t, b.Reset(nil))
}

func TestAccessors_ReturnCopies(t *testing.T) {
	m := chainModel(t, 2)
	e := newEngine(t, m, &countingUpdater{})
	_, err := e.Iterate(IterateOptions{MaxIter: 1})
	require.NoError(t, err)

	edges := e.EdgesData()
	require.NotEmpty(t, edges)
	if len(edges[0].B) > 0 {
		edges[0].B[0] = 1e9
	}
	fresh := e.EdgesData()
	assert.NotEqual(t, 1e9, fresh[0].B[0], "edge data must be a copy")

	d, err := e.VariableData("z")
	require.NoError(t, err)
	require.NotEmpty(t, d.R)
	d.R[0] = 1e9
	d2, err := e.VariableData("z")
	require.NoError(t, err)
	assert.NotEqual(t, 1e9, d2.R[0], "variable data must be a copy")

	_, err = e.VariableData("missing")
	assert.Error(t, err)

	sub := e.VariablesData("x")
	assert.Len(t, sub, 1)

	nodes := e.NodesData()
	require.Len(t, nodes, m.NumNodes())
	kinds := map[string]int{}
	for _, n := range nodes {
		kinds[n.Type]++
		assert.Equal(t, e.NIter(), n.NIter)
	}
	assert.Equal(t, 2, kinds["variable"])
	assert.Equal(t, 3, kinds["factor"])
}
