package graph

// Kind tags a node as a variable or a factor.
type Kind int

const (
	KindVariable Kind = iota
	KindFactor
)

// String returns the lowercase kind name used in flat node records.
func (k Kind) String() string {
	switch k {
	case KindVariable:
		return "variable"
	case KindFactor:
		return "factor"
	default:
		return "unknown"
	}
}

// Node is implemented by *Variable and *Factor. Nodes are immutable
// identities: the engine never creates or destroys them.
type Node interface {
	ID() string
	Kind() Kind
}

// Op marks a concrete factor implementation. The graph treats it as opaque;
// algorithms assert the capability interfaces they need (posteriors, error
// functions, sampling) on it at runtime.
type Op interface {
	// Label returns a short stable name for the implementation,
	// e.g. "gaussian_prior".
	Label() string
}

// Variable is a signal node. Shape is the number of elements carried by the
// variable (1 for a scalar). Tau is the variable's second moment; it is
// optional and only required by algorithms that use it (state evolution).
type Variable struct {
	name   string
	shape  int
	tau    float64
	hasTau bool
}

func (v *Variable) ID() string { return v.name }

func (v *Variable) Kind() Kind { return KindVariable }

// Shape returns the variable's element count.
func (v *Variable) Shape() int { return v.shape }

// Tau returns the variable's second moment and whether one is set.
func (v *Variable) Tau() (float64, bool) { return v.tau, v.hasTau }

// SetTau records the variable's second moment. Called during model assembly
// (second-moment propagation), never during iteration.
func (v *Variable) SetTau(tau float64) {
	v.tau = tau
	v.hasTau = true
}

// Factor is a functional node. Op carries the concrete implementation.
type Factor struct {
	name string
	op   Op
}

func (f *Factor) ID() string { return f.name }

func (f *Factor) Kind() Kind { return KindFactor }

// Op returns the factor's implementation.
func (f *Factor) Op() Op { return f.op }
