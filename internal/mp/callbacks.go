package mp

import (
	"log/slog"
	"math"

	"github.com/gamp-dev/gamp/internal/metrics"
)

// EarlyStopping returns a callback that stops once the tracked variable
// state settles:
//   - every posterior variance moved by less than tol since the previous
//     iteration (and every mean element, when means are tracked), or
//   - any posterior variance dropped below minVariance, the numerical
//     floor at which further iterations cannot improve the estimate.
//
// The first invocation never stops: there is no previous state to compare.
func EarlyStopping(tol, minVariance float64) Callback {
	var prev map[string]VariableData
	return func(e *Engine, _, _ int) bool {
		cur := e.VariablesData()
		defer func() { prev = cur }()

		for _, d := range cur {
			if d.V < minVariance {
				return true
			}
		}
		if prev == nil {
			return false
		}
		delta := 0.0
		for id, d := range cur {
			p, ok := prev[id]
			if !ok {
				return false
			}
			delta = math.Max(delta, math.Abs(d.V-p.V))
			for i := range d.R {
				if i < len(p.R) {
					delta = math.Max(delta, math.Abs(d.R[i]-p.R[i]))
				}
			}
		}
		return delta < tol
	}
}

// LogProgress returns a callback that logs the iteration counter, the
// current objective and the variance range every `every` iterations. It
// never signals termination.
func LogProgress(logger *slog.Logger, every int) Callback {
	if every < 1 {
		every = 1
	}
	return func(e *Engine, iter, maxIter int) bool {
		if (iter+1)%every != 0 {
			return false
		}
		vMin, vMax := math.Inf(1), math.Inf(-1)
		for _, d := range e.VariablesData() {
			vMin = math.Min(vMin, d.V)
			vMax = math.Max(vMax, d.V)
		}
		attrs := []any{
			"n_iter", e.NIter(), "iter", iter, "max_iter", maxIter,
			"v_min", vMin, "v_max", vMax,
		}
		if a, err := e.UpdateObjective(); err == nil {
			attrs = append(attrs, "objective", a)
		}
		logger.Info("progress", attrs...)
		return false
	}
}

// ErrorRecord is one iteration's reconstruction errors.
type ErrorRecord struct {
	Iter int
	MSE  map[string]float64
}

// ErrorTrace accumulates per-iteration errors against ground truth.
type ErrorTrace struct {
	Records []ErrorRecord
}

// Last returns the most recent record and whether one exists.
func (t *ErrorTrace) Last() (ErrorRecord, bool) {
	if len(t.Records) == 0 {
		return ErrorRecord{}, false
	}
	return t.Records[len(t.Records)-1], true
}

// TrackErrors returns a callback that records, each iteration, the MSE of
// every tracked variable's posterior mean against the supplied truth. It
// never signals termination; compose it with EarlyStopping via
// JoinCallback.
func TrackErrors(truth map[string][]float64) (Callback, *ErrorTrace) {
	trace := &ErrorTrace{}
	cb := func(e *Engine, iter, _ int) bool {
		rec := ErrorRecord{Iter: iter, MSE: make(map[string]float64, len(truth))}
		for id, x := range truth {
			d, err := e.VariableData(id)
			if err != nil || len(d.R) != len(x) {
				continue
			}
			rec.MSE[id] = metrics.MSE(x, d.R)
		}
		trace.Records = append(trace.Records, rec)
		return false
	}
	return cb, trace
}

// JoinCallback composes callbacks: every callback runs each iteration (so
// trackers keep recording), and the join stops when any member stops.
func JoinCallback(cbs ...Callback) Callback {
	return func(e *Engine, iter, maxIter int) bool {
		stop := false
		for _, cb := range cbs {
			if cb != nil && cb(e, iter, maxIter) {
				stop = true
			}
		}
		return stop
	}
}
