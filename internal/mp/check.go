package mp

import (
	"fmt"
	"math"
	"strings"
)

// formatArrow renders one message for diagnostics, direction-aware: fwd
// messages read source->target, bwd messages target<-source.
func formatArrow(a Arrow, withFields bool) string {
	var sb strings.Builder
	if a.Dir == DirForward {
		fmt.Fprintf(&sb, "%s->%s", a.Source.ID(), a.Target.ID())
	} else {
		fmt.Fprintf(&sb, "%s<-%s", a.Target.ID(), a.Source.ID())
	}
	fmt.Fprintf(&sb, " n_iter=%d", a.NIter)
	if withFields {
		fmt.Fprintf(&sb, " a=%.6g", a.A)
		if a.B != nil {
			fmt.Fprintf(&sb, " b_size=%d", len(a.B))
		}
	}
	return sb.String()
}

// formatArrows renders a message snapshot, one edge per line.
func formatArrows(in []Arrow) string {
	if len(in) == 0 {
		return "[]"
	}
	lines := make([]string, len(in))
	for i, a := range in {
		lines[i] = formatArrow(a, true)
	}
	return strings.Join(lines, "\n")
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// checkBatch validates a proposed batch before damping and commit, so a
// breakdown is caught at its source node rather than after being blended
// with stale state.
//
// A non-finite precision field is fatal. A negative precision is logged as
// a warning and tolerated. A non-finite location element is fatal.
func (e *Engine) checkBatch(batch []Proposal, in []Arrow) error {
	for i := range batch {
		p := &batch[i]
		rec, err := e.mg.edgeFor(p.Source.ID(), p.Target.ID())
		if err != nil {
			return err
		}
		if e.keys.HasA() {
			if !finite(p.A) {
				e.logger.Error("message precision is not finite",
					"source", p.Source.ID(),
					"target", p.Target.ID(),
					"a", p.A,
					"n_iter", rec.nIter,
					"incoming", formatArrows(in),
				)
				return &DivergenceError{
					Field:    FieldA,
					SourceID: p.Source.ID(),
					TargetID: p.Target.ID(),
					NIter:    rec.nIter,
					Incoming: formatArrows(in),
				}
			}
			if p.A < 0 {
				e.logger.Warn("negative message precision",
					"source", p.Source.ID(),
					"target", p.Target.ID(),
					"a", p.A,
				)
			}
		}
		if e.keys.HasB() {
			for _, x := range p.B {
				if !finite(x) {
					e.logger.Error("message location is not finite",
						"source", p.Source.ID(),
						"target", p.Target.ID(),
						"n_iter", rec.nIter,
						"incoming", formatArrows(in),
					)
					return &DivergenceError{
						Field:    FieldB,
						SourceID: p.Source.ID(),
						TargetID: p.Target.ID(),
						NIter:    rec.nIter,
						Incoming: formatArrows(in),
					}
				}
			}
		}
	}
	return nil
}
