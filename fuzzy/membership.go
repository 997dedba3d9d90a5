// Package fuzzy implements a differentiable Takagi-Sugeno fuzzy model:
// Gaussian membership functions, product-T-norm rules and affine consequents
// combined by firing-strength-weighted averaging.
package fuzzy

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Normalized-domain span used to seed MF centers. Inputs are z-scored before
// they reach the model, so [-2, 2] covers the bulk of the data.
const (
	initCenterLo = -2.0
	initCenterHi = 2.0
)

// Membership returns the degree of x under a Gaussian MF with the given
// center and (positive) width.
func Membership(x, center, width float64) float64 {
	z := (x - center) / width
	return math.Exp(-0.5 * z * z)
}

// GaussianSet is the MF set of one input. Widths are stored as logarithms so
// that exp(LogWidths[i]) > 0 for any learned value.
type GaussianSet struct {
	Centers   []float64
	LogWidths []float64
}

// Len returns the number of MFs in the set.
func (g GaussianSet) Len() int {
	return len(g.Centers)
}

// Width returns the positive width of MF i.
func (g GaussianSet) Width(i int) float64 {
	return math.Exp(g.LogWidths[i])
}

// Degrees writes the membership degree of x under every MF into dst.
// dst must have length Len().
func (g GaussianSet) Degrees(x float64, dst []float64) {
	for i, c := range g.Centers {
		dst[i] = Membership(x, c, math.Exp(g.LogWidths[i]))
	}
}

// initGaussianSet spreads centers evenly over the normalized domain and sets
// every width to the center spacing, so neighbouring MFs overlap at ~0.61.
func initGaussianSet(g GaussianSet) {
	m := g.Len()
	if m == 1 {
		g.Centers[0] = 0
		g.LogWidths[0] = 0 // width 1
		return
	}
	floats.Span(g.Centers, initCenterLo, initCenterHi)
	logw := math.Log((initCenterHi - initCenterLo) / float64(m-1))
	for i := range g.LogWidths {
		g.LogWidths[i] = logw
	}
}
