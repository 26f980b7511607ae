package mp

// VariableData is a copy of one variable's node record.
type VariableData struct {
	ID           string
	R            []float64
	V            float64
	Objective    float64
	HasObjective bool
}

// EdgeData is a flat copy of one message-graph edge, keyed by the adjacent
// variable and factor ids.
type EdgeData struct {
	XID string
	FID string
	Dir Direction

	A            float64
	B            []float64
	NIter        int
	Damping      float64
	HasDamping   bool
	Objective    float64
	HasObjective bool
}

// NodeData is a flat copy of one node record, tagged by node type and
// carrying the engine's global iteration count.
type NodeData struct {
	ID           string
	Type         string
	Objective    float64
	HasObjective bool
	NIter        int
}

// VariableData returns a copy of one variable's record.
func (e *Engine) VariableData(id string) (VariableData, error) {
	if e.mg == nil {
		return VariableData{}, newConfigError(ErrCodeUninitialized, "no message graph")
	}
	for _, v := range e.variables {
		if v.ID() == id {
			return e.variableData(v.ID()), nil
		}
	}
	return VariableData{}, newConfigError(ErrCodeInvalidModel, "id=%s not in variables", id)
}

// VariablesData returns copies of variable records, filtered by the given
// ids; with no ids, all variables are returned.
func (e *Engine) VariablesData(ids ...string) map[string]VariableData {
	out := make(map[string]VariableData)
	if e.mg == nil {
		return out
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, v := range e.variables {
		if len(ids) == 0 || want[v.ID()] {
			out[v.ID()] = e.variableData(v.ID())
		}
	}
	return out
}

func (e *Engine) variableData(id string) VariableData {
	rec := e.mg.nodes[id]
	d := VariableData{ID: id}
	if rec == nil {
		return d
	}
	if rec.hasPosterior {
		d.R = append([]float64(nil), rec.posterior.R...)
		d.V = rec.posterior.V
	}
	d.Objective = rec.objective
	d.HasObjective = rec.hasObjective
	return d
}

// EdgesData returns flat copies of every message-graph edge.
func (e *Engine) EdgesData() []EdgeData {
	if e.mg == nil {
		return nil
	}
	out := make([]EdgeData, 0, len(e.mg.edges))
	for h := range e.mg.edges {
		rec := &e.mg.edges[h]
		d := EdgeData{
			XID:          rec.variable.ID(),
			FID:          edgeFactorID(rec),
			Dir:          rec.dir,
			A:            rec.a,
			B:            append([]float64(nil), rec.b...),
			NIter:        rec.nIter,
			Objective:    rec.objective,
			HasObjective: rec.hasObjective,
		}
		if rec.damping != noDamping {
			d.Damping = rec.damping
			d.HasDamping = true
		}
		out = append(out, d)
	}
	return out
}

func edgeFactorID(rec *edgeRecord) string {
	if rec.src.ID() == rec.variable.ID() {
		return rec.dst.ID()
	}
	return rec.src.ID()
}

// NodesData returns flat copies of every node record, tagged by node type.
func (e *Engine) NodesData() []NodeData {
	if e.mg == nil {
		return nil
	}
	out := make([]NodeData, 0, len(e.mg.order))
	for _, n := range e.mg.order {
		rec := e.mg.nodes[n.ID()]
		d := NodeData{
			ID:    n.ID(),
			Type:  n.Kind().String(),
			NIter: e.nIter,
		}
		if rec != nil {
			d.Objective = rec.objective
			d.HasObjective = rec.hasObjective
		}
		out = append(out, d)
	}
	return out
}
