// Package metrics provides the scalar comparison metrics used to evaluate
// inference results against ground truth.
package metrics

import (
	"gonum.org/v1/gonum/floats"
)

// MSE returns the mean squared error between two equally sized vectors.
// Panics on length mismatch, like the underlying kernels.
func MSE(truth, pred []float64) float64 {
	if len(truth) == 0 {
		return 0
	}
	d := floats.Distance(truth, pred, 2)
	return d * d / float64(len(truth))
}

// Overlap returns the normalized inner product between truth and estimate,
// the standard order parameter for signal recovery.
func Overlap(truth, pred []float64) float64 {
	if len(truth) == 0 {
		return 0
	}
	return floats.Dot(truth, pred) / float64(len(truth))
}
