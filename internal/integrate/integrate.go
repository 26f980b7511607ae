// Package integrate computes Gaussian expectations by Gauss-Hermite
// quadrature. Factor implementations use it for moments that have no closed
// form, such as belief measures of non-linear likelihoods.
package integrate

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"
)

// DefaultNodes is the quadrature order used when the caller passes n <= 0.
// Polynomials up to degree 2n-1 integrate exactly.
const DefaultNodes = 40

// hermite fills nodes and weights for the weight function exp(-x^2).
func hermite(n int) (x, w []float64) {
	if n <= 0 {
		n = DefaultNodes
	}
	x = make([]float64, n)
	w = make([]float64, n)
	quad.Hermite{}.FixedLocations(x, w, math.Inf(-1), math.Inf(1))
	return x, w
}

// Gaussian returns E[f(X)] for X ~ N(mean, variance) using an n-node rule.
func Gaussian(f func(float64) float64, mean, variance float64, n int) float64 {
	if variance <= 0 {
		return f(mean)
	}
	x, w := hermite(n)
	scale := math.Sqrt(2 * variance)
	var sum float64
	for i := range x {
		sum += w[i] * f(mean+scale*x[i])
	}
	return sum / math.SqrtPi
}

// Gaussian2D returns E[f(X, Y)] for independent X ~ N(mx, vx) and
// Y ~ N(my, vy), on the n x n tensor rule.
func Gaussian2D(f func(x, y float64) float64, mx, vx, my, vy float64, n int) float64 {
	if vx <= 0 && vy <= 0 {
		return f(mx, my)
	}
	if vx <= 0 {
		return Gaussian(func(y float64) float64 { return f(mx, y) }, my, vy, n)
	}
	if vy <= 0 {
		return Gaussian(func(x float64) float64 { return f(x, my) }, mx, vx, n)
	}
	x, w := hermite(n)
	sx := math.Sqrt(2 * vx)
	sy := math.Sqrt(2 * vy)
	var sum float64
	for i := range x {
		var inner float64
		for j := range x {
			inner += w[j] * f(mx+sx*x[i], my+sy*x[j])
		}
		sum += w[i] * inner
	}
	return sum / math.Pi
}
