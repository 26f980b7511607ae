package scenario

import (
	"fmt"

	"github.com/gamp-dev/gamp/internal/factors"
	"github.com/gamp-dev/gamp/internal/graph"
)

// Factor kinds accepted in a spec.
const (
	KindGaussianPrior      = "gaussian_prior"
	KindGaussianChannel    = "gaussian_channel"
	KindMarchenkoPastur    = "marchenko_pastur"
	KindGaussianLikelihood = "gaussian_likelihood"
	KindAbsLikelihood      = "abs_likelihood"
)

// VariableSpec declares one signal variable of the model.
type VariableSpec struct {
	ID    string `json:"id"`
	Shape int    `json:"shape"`
}

// FactorSpec declares one factor and its wiring. Input and Output name
// variables; a prior has no input, a likelihood no output.
type FactorSpec struct {
	ID     string  `json:"id"`
	Kind   string  `json:"kind"`
	Mean   float64 `json:"mean,omitempty"`
	Var    float64 `json:"var,omitempty"`
	Alpha  float64 `json:"alpha,omitempty"`
	Input  string  `json:"input,omitempty"`
	Output string  `json:"output,omitempty"`
}

// Spec is a complete teacher-student experiment: the generative model, which
// variables to infer (XIDs), which likelihood factors produce observations
// (YIDs), and the iteration options.
type Spec struct {
	Name string `json:"name"`
	Seed uint64 `json:"seed"`

	Variables []VariableSpec `json:"variables"`
	Factors   []FactorSpec   `json:"factors"`

	XIDs []string `json:"x_ids"`
	YIDs []string `json:"y_ids"`

	// Algos selects which algorithms run: "ep", "se", or both (the
	// default). Models with analytical channels support only "se".
	Algos []string `json:"algos,omitempty"`

	MaxIter     int     `json:"max_iter,omitempty"`
	Damping     float64 `json:"damping,omitempty"`
	Tol         float64 `json:"tol,omitempty"`
	MinVariance float64 `json:"min_variance,omitempty"`
}

// Algorithm names accepted in Spec.Algos.
const (
	AlgoEP = "ep"
	AlgoSE = "se"
)

// Normalize fills in the iteration and algorithm defaults.
func (s *Spec) Normalize() {
	if s.MaxIter <= 0 {
		s.MaxIter = 250
	}
	if s.Tol <= 0 {
		s.Tol = 1e-6
	}
	if s.MinVariance <= 0 {
		s.MinVariance = 1e-12
	}
	if len(s.Algos) == 0 {
		s.Algos = []string{AlgoEP, AlgoSE}
	}
}

// HasAlgo reports whether the named algorithm is selected.
func (s *Spec) HasAlgo(name string) bool {
	for _, a := range s.Algos {
		if a == name {
			return true
		}
	}
	return false
}

// Validate checks the spec's internal consistency: known kinds, wiring that
// matches each kind's arity, and XIDs/YIDs that resolve.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("spec: name is required")
	}
	if len(s.Variables) == 0 || len(s.Factors) == 0 {
		return fmt.Errorf("spec %s: at least one variable and one factor required", s.Name)
	}

	vars := make(map[string]bool, len(s.Variables))
	for _, v := range s.Variables {
		if v.ID == "" {
			return fmt.Errorf("spec %s: variable with empty id", s.Name)
		}
		if v.Shape < 1 {
			return fmt.Errorf("spec %s: variable %s: shape must be >= 1", s.Name, v.ID)
		}
		if vars[v.ID] {
			return fmt.Errorf("spec %s: duplicate variable id %s", s.Name, v.ID)
		}
		vars[v.ID] = true
	}

	likelihoods := make(map[string]bool, len(s.Factors))
	seen := make(map[string]bool, len(s.Factors))
	for _, f := range s.Factors {
		if f.ID == "" {
			return fmt.Errorf("spec %s: factor with empty id", s.Name)
		}
		if seen[f.ID] || vars[f.ID] {
			return fmt.Errorf("spec %s: duplicate node id %s", s.Name, f.ID)
		}
		seen[f.ID] = true
		if f.Input != "" && !vars[f.Input] {
			return fmt.Errorf("spec %s: factor %s: unknown input variable %s", s.Name, f.ID, f.Input)
		}
		if f.Output != "" && !vars[f.Output] {
			return fmt.Errorf("spec %s: factor %s: unknown output variable %s", s.Name, f.ID, f.Output)
		}
		switch f.Kind {
		case KindGaussianPrior:
			if f.Input != "" || f.Output == "" {
				return fmt.Errorf("spec %s: factor %s: a prior has an output and no input", s.Name, f.ID)
			}
		case KindGaussianChannel, KindMarchenkoPastur:
			if f.Input == "" || f.Output == "" {
				return fmt.Errorf("spec %s: factor %s: a channel has both an input and an output", s.Name, f.ID)
			}
		case KindGaussianLikelihood, KindAbsLikelihood:
			if f.Input == "" || f.Output != "" {
				return fmt.Errorf("spec %s: factor %s: a likelihood has an input and no output", s.Name, f.ID)
			}
			likelihoods[f.ID] = true
		default:
			return fmt.Errorf("spec %s: factor %s: unknown kind %q", s.Name, f.ID, f.Kind)
		}
	}

	if len(s.XIDs) == 0 {
		return fmt.Errorf("spec %s: x_ids is required", s.Name)
	}
	for _, id := range s.XIDs {
		if !vars[id] {
			return fmt.Errorf("spec %s: x_id %s not in model variables", s.Name, id)
		}
	}
	if len(s.YIDs) == 0 {
		return fmt.Errorf("spec %s: y_ids is required", s.Name)
	}
	for _, id := range s.YIDs {
		if !likelihoods[id] {
			return fmt.Errorf("spec %s: y_id %s is not a likelihood factor", s.Name, id)
		}
	}
	if s.Damping < 0 || s.Damping > 1 {
		return fmt.Errorf("spec %s: damping %v must be in [0,1]", s.Name, s.Damping)
	}
	for _, a := range s.Algos {
		if a != AlgoEP && a != AlgoSE {
			return fmt.Errorf("spec %s: unknown algorithm %q", s.Name, a)
		}
	}
	return nil
}

// buildOp instantiates the factor implementation for one spec entry.
func buildOp(f FactorSpec) (graph.Op, error) {
	switch f.Kind {
	case KindGaussianPrior:
		return factors.NewGaussianPrior(f.Mean, f.Var)
	case KindGaussianChannel:
		return factors.NewGaussianChannel(f.Var)
	case KindMarchenkoPastur:
		ens, err := factors.NewMarchenkoPastur(f.Alpha)
		if err != nil {
			return nil, err
		}
		return factors.NewAnalyticalLinearChannel(ens)
	case KindGaussianLikelihood:
		return factors.NewGaussianLikelihood(f.Var)
	case KindAbsLikelihood:
		return factors.NewAbsLikelihood(), nil
	default:
		return nil, fmt.Errorf("factor %s: unknown kind %q", f.ID, f.Kind)
	}
}

// BuildModel assembles the factor graph. observations, keyed by likelihood
// factor id, are bound into the matching ops; pass nil for the generative
// (teacher) model.
func (s *Spec) BuildModel(observations map[string][]float64) (*graph.Model, error) {
	b := graph.NewBuilder()
	for _, v := range s.Variables {
		if _, err := b.AddVariable(v.ID, v.Shape); err != nil {
			return nil, err
		}
	}
	for _, f := range s.Factors {
		op, err := buildOp(f)
		if err != nil {
			return nil, err
		}
		if y, ok := observations[f.ID]; ok {
			obs, ok := op.(factors.Observer)
			if !ok {
				return nil, fmt.Errorf("factor %s: op %s cannot carry an observation", f.ID, op.Label())
			}
			op = obs.WithObservation(y)
		}
		if _, err := b.AddFactor(f.ID, op); err != nil {
			return nil, err
		}
		if f.Input != "" {
			if err := b.Connect(f.Input, f.ID); err != nil {
				return nil, err
			}
		}
		if f.Output != "" {
			if err := b.Connect(f.ID, f.Output); err != nil {
				return nil, err
			}
		}
	}
	return b.Build()
}
