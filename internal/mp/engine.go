package mp

import (
	"fmt"
	"log/slog"

	"github.com/gamp-dev/gamp/internal/graph"
)

// State is the engine's lifecycle state.
type State string

const (
	StateUninitialized  State = "uninitialized"
	StateRunning        State = "running"
	StateConverged      State = "converged"
	StateMaxIterReached State = "max_iter_reached"
	StateFailed         State = "failed"
)

// DefaultMaxIter bounds Iterate when the caller passes no limit.
const DefaultMaxIter = 200

// DampingRule damps every incoming edge of one variable in one direction.
type DampingRule struct {
	VariableID string
	Dir        Direction
	Value      float64
}

// DampingSpec configures damping: either one value applied to every
// variable in both directions, or explicit per-variable rules.
type DampingSpec struct {
	uniform bool
	value   float64
	rules   []DampingRule
}

// UniformDamping damps every variable in both directions with v.
func UniformDamping(v float64) DampingSpec {
	return DampingSpec{uniform: true, value: v}
}

// RuleDamping damps only the named variable/direction pairs.
func RuleDamping(rules ...DampingRule) DampingSpec {
	return DampingSpec{rules: rules}
}

// IterateOptions drives one Iterate call.
type IterateOptions struct {
	// MaxIter bounds the number of iterations; DefaultMaxIter when <= 0.
	MaxIter int

	// Callback decides early termination. Nil means run to MaxIter.
	Callback Callback

	// Initializer seeds the message graph on cold start. Nil means
	// all-zero constant initialization. Ignored on warm start.
	Initializer Initializer

	// Damping, when non-nil, is configured once before any sweep.
	Damping *DampingSpec

	// WarmStart continues from the current message-graph state instead of
	// reinitializing. Requires a prior initialization.
	WarmStart bool
}

// Engine runs message passing over a factor-graph model, delegating the
// numerical updates to an Updater.
//
// The engine assumes exclusive single-caller ownership of its message graph
// for the duration of an Iterate call; nothing here is safe for concurrent
// use.
type Engine struct {
	model   *graph.Model
	updater Updater
	keys    Keys
	logger  *slog.Logger

	mg        *MessageGraph
	variables []*graph.Variable
	nIter     int
	state     State

	aModel       float64
	hasObjective bool
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger injects the diagnostics sink. The caller owns the logger's
// lifecycle; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an engine over the model. keys selects the message fields every
// edge carries; the precision field is mandatory.
func New(model *graph.Model, updater Updater, keys Keys, opts ...Option) (*Engine, error) {
	if model == nil {
		return nil, newConfigError(ErrCodeInvalidModel, "model is nil")
	}
	if updater == nil {
		return nil, newConfigError(ErrCodeInvalidModel, "updater is nil")
	}
	if !keys.HasA() {
		return nil, newConfigError(ErrCodeInvalidModel, "message keys must include the precision field")
	}
	e := &Engine{
		model:     model,
		updater:   updater,
		keys:      keys,
		logger:    slog.Default(),
		variables: model.Variables(),
		state:     StateUninitialized,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// State returns the engine's lifecycle state.
func (e *Engine) State() State { return e.state }

// NIter returns the global iteration counter. It survives warm starts and
// resets to 0 on cold start.
func (e *Engine) NIter() int { return e.nIter }

// Model returns the underlying factor-graph model.
func (e *Engine) Model() *graph.Model { return e.model }

// MessageGraph exposes the held message graph, e.g. to transplant state into
// another engine via Reset. Nil before initialization.
func (e *Engine) MessageGraph() *MessageGraph { return e.mg }

// Initialize builds a fresh message graph (cold start) and resets the
// iteration counter.
func (e *Engine) Initialize(init Initializer) error {
	if init == nil {
		init = ConstantInit{}
	}
	e.logger.Info("init message graph", "initializer", init.String())
	e.mg = newMessageGraph(e.model, e.keys, init)
	e.variables = e.mg.Variables()
	e.nIter = 0
	e.hasObjective = false
	return nil
}

// Reset replaces the held message graph wholesale with a caller-supplied
// one and recomputes the cached variable list from it. No structural
// validation beyond type filtering: the caller is responsible for supplying
// a graph compatible with the engine's model. Used to transplant inference
// state between engines over topologically related models.
func (e *Engine) Reset(mg *MessageGraph) error {
	if mg == nil {
		return newConfigError(ErrCodeUninitialized, "reset requires a message graph")
	}
	e.mg = mg
	e.variables = mg.Variables()
	e.hasObjective = false
	return nil
}

// ConfigureDamping applies a damping spec to the current message graph.
func (e *Engine) ConfigureDamping(spec DampingSpec) error {
	if e.mg == nil {
		return newConfigError(ErrCodeUninitialized, "configure damping before initialization")
	}
	rules := spec.rules
	if spec.uniform {
		rules = nil
		for _, v := range e.variables {
			rules = append(rules,
				DampingRule{VariableID: v.ID(), Dir: DirForward, Value: spec.value},
				DampingRule{VariableID: v.ID(), Dir: DirBackward, Value: spec.value},
			)
		}
	}
	for _, rule := range rules {
		if err := e.mg.configureDamping(rule); err != nil {
			return err
		}
		e.logger.Debug("damping configured",
			"variable", rule.VariableID, "direction", string(rule.Dir), "value", rule.Value)
	}
	return nil
}

// sweep runs one ordered pass: for each node, gather its stored incoming
// messages, delegate, validate, damp and commit before moving on. Later
// nodes consume the freshly committed outputs of earlier ones.
func (e *Engine) sweep(ordering []graph.Node, dir Direction,
	delegate func(graph.Node, []Arrow) ([]Proposal, error)) error {

	for _, node := range ordering {
		in := e.mg.arrows(node)
		batch, err := delegate(node, in)
		if err != nil {
			return fmt.Errorf("node %s: %w", node.ID(), err)
		}
		if len(batch) == 0 {
			continue
		}
		for i := range batch {
			p := &batch[i]
			if p.Source.ID() != node.ID() {
				return newConfigError(ErrCodeUnknownEdge,
					"node %s proposed a message sourced at %s", node.ID(), p.Source.ID())
			}
			rec, err := e.mg.edgeFor(p.Source.ID(), p.Target.ID())
			if err != nil {
				return err
			}
			if rec.dir != dir {
				return newConfigError(ErrCodeUnknownEdge,
					"edge %s -> %s is not %s-tagged", p.Source.ID(), p.Target.ID(), dir)
			}
		}
		if err := e.checkBatch(batch, in); err != nil {
			return err
		}
		if err := e.mg.damp(batch); err != nil {
			return err
		}
		if err := e.mg.commit(batch); err != nil {
			return err
		}
	}
	return nil
}

// forwardSweep refreshes fwd-tagged edges in topological order.
func (e *Engine) forwardSweep() error {
	return e.sweep(e.mg.order, DirForward, e.updater.Forward)
}

// backwardSweep refreshes bwd-tagged edges in reverse topological order.
func (e *Engine) backwardSweep() error {
	order := e.mg.order
	reversed := make([]graph.Node, len(order))
	for i, n := range order {
		reversed[len(order)-1-i] = n
	}
	return e.sweep(reversed, DirBackward, e.updater.Backward)
}

// updateVariables refreshes every variable's posterior from its incoming
// messages. Mutates node state only, never edge state. Unordered: there is
// no cross-variable dependency.
func (e *Engine) updateVariables() error {
	for _, v := range e.variables {
		in := e.mg.arrows(v)
		post, err := e.updater.Update(v, in)
		if err != nil {
			return fmt.Errorf("update %s: %w", v.ID(), err)
		}
		e.mg.setPosterior(v.ID(), post)
	}
	return nil
}

// Iterate runs message passing to convergence, a fatal diagnostic, or the
// iteration bound, and returns the terminal state.
//
// Cold start (default) rebuilds the message graph with the configured
// initializer and resets the iteration counter; warm start continues from
// the existing graph and counter, and fails with a ConfigError if no graph
// exists. Partial state up to an abort remains inspectable through the read
// accessors.
func (e *Engine) Iterate(opts IterateOptions) (State, error) {
	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = DefaultMaxIter
	}

	if opts.WarmStart {
		if e.mg == nil {
			return e.state, newConfigError(ErrCodeWarmStart,
				"warm start requested but the message graph was never initialized")
		}
		e.logger.Info("warm start", "n_iter", e.nIter)
	} else {
		if err := e.Initialize(opts.Initializer); err != nil {
			return e.state, err
		}
	}

	if opts.Damping != nil {
		if err := e.ConfigureDamping(*opts.Damping); err != nil {
			return e.state, err
		}
	}

	e.state = StateRunning
	for i := 0; i < maxIter; i++ {
		if err := e.forwardSweep(); err != nil {
			e.state = StateFailed
			return e.state, err
		}
		if err := e.backwardSweep(); err != nil {
			e.state = StateFailed
			return e.state, err
		}
		if err := e.updateVariables(); err != nil {
			e.state = StateFailed
			return e.state, err
		}
		e.nIter++
		if opts.Callback != nil && opts.Callback(e, i, maxIter) {
			e.state = StateConverged
			e.logger.Info("terminated", "n_iter", e.nIter, "state", string(e.state))
			return e.state, nil
		}
	}
	e.state = StateMaxIterReached
	e.logger.Info("terminated", "n_iter", e.nIter, "state", string(e.state))
	return e.state, nil
}
