package fuzzy

import "gonum.org/v1/gonum/floats"

// Epsilon is added to the total firing strength before dividing, so an
// all-zero strength vector defuzzifies to 0 instead of NaN.
const Epsilon = 1e-8

// ConsequentLayer holds one affine function of the input vector per rule.
type ConsequentLayer struct {
	numInputs int
	Weights   []float64 // numRules x numInputs
	Biases    []float64 // numRules
}

// Values writes b_r + w_r·x for every rule into dst.
func (c ConsequentLayer) Values(x, dst []float64) {
	n := c.numInputs
	for r := range c.Biases {
		dst[r] = c.Biases[r] + floats.Dot(c.Weights[r*n:(r+1)*n], x)
	}
}

// Defuzzify returns the strength-weighted average of the rule values.
func Defuzzify(strengths, values []float64) float64 {
	var num, den float64
	for r, s := range strengths {
		num += s * values[r]
		den += s
	}
	return num / (den + Epsilon)
}
