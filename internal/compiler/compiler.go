// Package compiler turns CUE experiment definitions into runnable specs.
// Uses the CUE SDK's Go API directly (not CLI subprocess).
package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/gamp-dev/gamp/internal/scenario"
)

// CompileSpec parses a CUE value into a normalized, validated spec.
//
// The CUE value is the experiment struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`name: "denoise", variables: [...], ...`)
//	spec, err := CompileSpec(v)
func CompileSpec(v cue.Value) (*scenario.Spec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &scenario.Spec{}

	nameVal := v.LookupPath(cue.ParsePath("name"))
	if !nameVal.Exists() {
		return nil, &CompileError{
			Field:   "name",
			Message: "name is required",
			Pos:     v.Pos(),
		}
	}
	name, err := nameVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	spec.Name = name

	seedVal := v.LookupPath(cue.ParsePath("seed"))
	if seedVal.Exists() {
		seed, err := seedVal.Uint64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		spec.Seed = seed
	}

	spec.Variables, err = parseVariables(v)
	if err != nil {
		return nil, err
	}
	spec.Factors, err = parseFactors(v)
	if err != nil {
		return nil, err
	}

	if spec.XIDs, err = parseStringList(v, "x_ids"); err != nil {
		return nil, err
	}
	if spec.YIDs, err = parseStringList(v, "y_ids"); err != nil {
		return nil, err
	}
	if spec.Algos, err = parseStringList(v, "algos"); err != nil {
		return nil, err
	}

	if spec.MaxIter, err = optionalInt(v, "max_iter"); err != nil {
		return nil, err
	}
	if spec.Damping, err = optionalFloat(v, "damping"); err != nil {
		return nil, err
	}
	if spec.Tol, err = optionalFloat(v, "tol"); err != nil {
		return nil, err
	}
	if spec.MinVariance, err = optionalFloat(v, "min_variance"); err != nil {
		return nil, err
	}

	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, &CompileError{
			Field:   "spec",
			Message: err.Error(),
			Pos:     v.Pos(),
		}
	}

	return spec, nil
}

// CompileString compiles CUE source text into a spec.
func CompileString(src string) (*scenario.Spec, error) {
	ctx := cuecontext.New()
	return CompileSpec(ctx.CompileString(src))
}

// CompileFile reads and compiles a CUE file into a spec.
func CompileFile(path string) (*scenario.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	ctx := cuecontext.New()
	return CompileSpec(ctx.CompileBytes(data, cue.Filename(path)))
}

// parseVariables extracts the variable declarations.
func parseVariables(v cue.Value) ([]scenario.VariableSpec, error) {
	var vars []scenario.VariableSpec

	varsVal := v.LookupPath(cue.ParsePath("variables"))
	if !varsVal.Exists() {
		return vars, nil
	}

	iter, err := varsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		item := iter.Value()

		id, err := requiredString(item, "id")
		if err != nil {
			return nil, err
		}
		shapeVal := item.LookupPath(cue.ParsePath("shape"))
		if !shapeVal.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("variables.%s.shape", id),
				Message: "shape is required",
				Pos:     item.Pos(),
			}
		}
		shape, err := shapeVal.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}

		vars = append(vars, scenario.VariableSpec{ID: id, Shape: int(shape)})
	}

	return vars, nil
}

// parseFactors extracts the factor declarations.
func parseFactors(v cue.Value) ([]scenario.FactorSpec, error) {
	var factors []scenario.FactorSpec

	factorsVal := v.LookupPath(cue.ParsePath("factors"))
	if !factorsVal.Exists() {
		return factors, nil
	}

	iter, err := factorsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		item := iter.Value()

		var f scenario.FactorSpec
		if f.ID, err = requiredString(item, "id"); err != nil {
			return nil, err
		}
		if f.Kind, err = requiredString(item, "kind"); err != nil {
			return nil, err
		}
		if f.Mean, err = optionalFloat(item, "mean"); err != nil {
			return nil, err
		}
		if f.Var, err = optionalFloat(item, "var"); err != nil {
			return nil, err
		}
		if f.Alpha, err = optionalFloat(item, "alpha"); err != nil {
			return nil, err
		}
		if f.Input, err = optionalString(item, "input"); err != nil {
			return nil, err
		}
		if f.Output, err = optionalString(item, "output"); err != nil {
			return nil, err
		}

		factors = append(factors, f)
	}

	return factors, nil
}

// parseStringList reads an optional list of strings at the given path.
func parseStringList(v cue.Value, path string) ([]string, error) {
	listVal := v.LookupPath(cue.ParsePath(path))
	if !listVal.Exists() {
		return nil, nil
	}

	iter, err := listVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}

	return out, nil
}

func requiredString(v cue.Value, path string) (string, error) {
	fieldVal := v.LookupPath(cue.ParsePath(path))
	if !fieldVal.Exists() {
		return "", &CompileError{
			Field:   path,
			Message: path + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fieldVal.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, path string) (string, error) {
	fieldVal := v.LookupPath(cue.ParsePath(path))
	if !fieldVal.Exists() {
		return "", nil
	}
	s, err := fieldVal.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalFloat(v cue.Value, path string) (float64, error) {
	fieldVal := v.LookupPath(cue.ParsePath(path))
	if !fieldVal.Exists() {
		return 0, nil
	}
	f, err := fieldVal.Float64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return f, nil
}

func optionalInt(v cue.Value, path string) (int, error) {
	fieldVal := v.LookupPath(cue.ParsePath(path))
	if !fieldVal.Exists() {
		return 0, nil
	}
	n, err := fieldVal.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return int(n), nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
