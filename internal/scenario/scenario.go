// Package scenario runs teacher-student experiments: a generative (teacher)
// model samples ground truth and observations, a student model over the same
// graph infers the signals back, and the run is scored against the truth.
package scenario

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"

	"github.com/gamp-dev/gamp/internal/ep"
	"github.com/gamp-dev/gamp/internal/factors"
	"github.com/gamp-dev/gamp/internal/graph"
	"github.com/gamp-dev/gamp/internal/metrics"
	"github.com/gamp-dev/gamp/internal/mp"
	"github.com/gamp-dev/gamp/internal/se"
)

// AlgoResult summarizes one algorithm's run over the student model.
type AlgoResult struct {
	State     mp.State
	NIter     int
	Objective float64

	// V is the final posterior variance per inferred variable.
	V map[string]float64
}

// Result is one completed teacher-student run.
type Result struct {
	RunID string
	Name  string
	Seed  uint64

	EP AlgoResult
	SE AlgoResult

	XTrue map[string][]float64
	XPred map[string][]float64

	// MSE and Overlap score the EP posterior means against the truth.
	MSE     map[string]float64
	Overlap map[string]float64
}

// TeacherStudent drives one experiment spec end to end.
type TeacherStudent struct {
	spec   Spec
	logger *slog.Logger
}

// Option configures a TeacherStudent.
type Option func(*TeacherStudent)

// WithLogger injects the run's diagnostics sink.
func WithLogger(l *slog.Logger) Option {
	return func(ts *TeacherStudent) { ts.logger = l }
}

// New validates the spec and returns a runnable scenario.
func New(spec Spec, opts ...Option) (*TeacherStudent, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ts := &TeacherStudent{spec: spec, logger: slog.Default()}
	for _, opt := range opts {
		opt(ts)
	}
	return ts, nil
}

// Spec returns the normalized spec.
func (ts *TeacherStudent) Spec() Spec { return ts.spec }

// sample walks the teacher model in forward order, drawing each variable
// from its generating factor and collecting the observations keyed by
// likelihood factor id.
func (ts *TeacherStudent) sample(teacher *graph.Model, rng *rand.Rand) (map[string][]float64, map[string][]float64, error) {
	values := make(map[string][]float64)
	observations := make(map[string][]float64)

	for _, node := range teacher.ForwardOrdering() {
		f, ok := node.(*graph.Factor)
		if !ok {
			continue
		}
		in, out, err := teacher.FactorIO(f)
		if err != nil {
			return nil, nil, err
		}

		// The channel and likelihood sampler signatures coincide, so the
		// factor's role comes from the topology, not the type.
		switch {
		case in == nil:
			op, ok := f.Op().(factors.PriorSampler)
			if !ok {
				return nil, nil, fmt.Errorf("factor %s: op %s cannot sample", f.ID(), f.Op().Label())
			}
			values[out.ID()] = op.Sample(rng, out.Shape())
		case out == nil:
			op, ok := f.Op().(factors.LikelihoodSampler)
			if !ok {
				return nil, nil, fmt.Errorf("factor %s: op %s cannot sample", f.ID(), f.Op().Label())
			}
			x, found := values[in.ID()]
			if !found {
				return nil, nil, fmt.Errorf("factor %s: input %s sampled out of order", f.ID(), in.ID())
			}
			observations[f.ID()] = op.Sample(rng, x)
		default:
			op, ok := f.Op().(factors.ChannelSampler)
			if !ok {
				return nil, nil, fmt.Errorf("factor %s: op %s cannot sample", f.ID(), f.Op().Label())
			}
			z, found := values[in.ID()]
			if !found {
				return nil, nil, fmt.Errorf("factor %s: input %s sampled out of order", f.ID(), in.ID())
			}
			x := op.Sample(rng, z)
			if len(x) != out.Shape() {
				return nil, nil, fmt.Errorf("factor %s: sampled %d values for %s, want shape %d",
					f.ID(), len(x), out.ID(), out.Shape())
			}
			values[out.ID()] = x
		}
	}
	return values, observations, nil
}

// iterateOptions assembles the engine options shared by both algorithms.
func (ts *TeacherStudent) iterateOptions() mp.IterateOptions {
	opts := mp.IterateOptions{
		MaxIter:  ts.spec.MaxIter,
		Callback: mp.EarlyStopping(ts.spec.Tol, ts.spec.MinVariance),
	}
	if ts.spec.Damping > 0 {
		damping := mp.UniformDamping(ts.spec.Damping)
		opts.Damping = &damping
	}
	return opts
}

// collect reads the inferred variables off a finished engine.
func (ts *TeacherStudent) collect(e *mp.Engine, state mp.State) (AlgoResult, map[string][]float64, error) {
	res := AlgoResult{
		State: state,
		NIter: e.NIter(),
		V:     make(map[string]float64, len(ts.spec.XIDs)),
	}
	a, err := e.UpdateObjective()
	if err != nil {
		return AlgoResult{}, nil, fmt.Errorf("objective: %w", err)
	}
	res.Objective = a

	pred := make(map[string][]float64, len(ts.spec.XIDs))
	for id, d := range e.VariablesData(ts.spec.XIDs...) {
		res.V[id] = d.V
		if d.R != nil {
			pred[id] = d.R
		}
	}
	return res, pred, nil
}

// Run samples the teacher, infers with expectation propagation and state
// evolution on the student, and scores the predictions.
func (ts *TeacherStudent) Run() (*Result, error) {
	spec := ts.spec
	rng := rand.New(rand.NewSource(spec.Seed))

	teacher, err := spec.BuildModel(nil)
	if err != nil {
		return nil, fmt.Errorf("teacher model: %w", err)
	}
	values, observations, err := ts.sample(teacher, rng)
	if err != nil {
		return nil, fmt.Errorf("sample: %w", err)
	}
	for _, id := range spec.YIDs {
		if _, ok := observations[id]; !ok {
			return nil, fmt.Errorf("likelihood %s produced no observation", id)
		}
	}

	student, err := spec.BuildModel(observations)
	if err != nil {
		return nil, fmt.Errorf("student model: %w", err)
	}

	result := &Result{
		RunID: uuid.NewString(),
		Name:  spec.Name,
		Seed:  spec.Seed,
		XTrue: make(map[string][]float64, len(spec.XIDs)),
	}
	for _, id := range spec.XIDs {
		result.XTrue[id] = values[id]
	}

	if spec.HasAlgo(AlgoEP) {
		ts.logger.Info("run expectation propagation",
			"run_id", result.RunID, "name", spec.Name, "max_iter", spec.MaxIter)
		epEngine, err := ep.NewEngine(student, mp.WithLogger(ts.logger))
		if err != nil {
			return nil, err
		}
		state, err := epEngine.Iterate(ts.iterateOptions())
		if err != nil {
			return nil, fmt.Errorf("expectation propagation: %w", err)
		}
		result.EP, result.XPred, err = ts.collect(epEngine, state)
		if err != nil {
			return nil, fmt.Errorf("expectation propagation: %w", err)
		}

		result.MSE = make(map[string]float64, len(spec.XIDs))
		result.Overlap = make(map[string]float64, len(spec.XIDs))
		for _, id := range spec.XIDs {
			result.MSE[id] = metrics.MSE(result.XTrue[id], result.XPred[id])
			result.Overlap[id] = metrics.Overlap(result.XTrue[id], result.XPred[id])
		}
	}

	if spec.HasAlgo(AlgoSE) {
		ts.logger.Info("run state evolution",
			"run_id", result.RunID, "name", spec.Name, "max_iter", spec.MaxIter)
		if err := se.PropagateSecondMoments(student); err != nil {
			return nil, fmt.Errorf("state evolution: %w", err)
		}
		seEngine, err := se.NewEngine(student, mp.WithLogger(ts.logger))
		if err != nil {
			return nil, err
		}
		// Analytical channels need strictly positive precisions from the
		// first sweep on.
		opts := ts.iterateOptions()
		opts.Initializer = mp.ConstantInit{A: 1}
		state, err := seEngine.Iterate(opts)
		if err != nil {
			return nil, fmt.Errorf("state evolution: %w", err)
		}
		result.SE, _, err = ts.collect(seEngine, state)
		if err != nil {
			return nil, fmt.Errorf("state evolution: %w", err)
		}
	}

	ts.logger.Info("run finished",
		"run_id", result.RunID,
		"ep_state", string(result.EP.State), "ep_n_iter", result.EP.NIter,
		"se_state", string(result.SE.State), "se_n_iter", result.SE.NIter)
	return result, nil
}
