package train

import "math"

// Adam is the Adam optimizer with bias correction.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	m, v []float64
	t    int
}

// NewAdam returns an optimizer for n parameters with the usual betas.
func NewAdam(n int, lr float64) *Adam {
	return &Adam{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make([]float64, n),
		v:     make([]float64, n),
	}
}

// Step applies one update to theta in place using grad.
func (a *Adam) Step(theta, grad []float64) {
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, g := range grad {
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*g
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*g*g
		mHat := a.m[i] / c1
		vHat := a.v[i] / c2
		theta[i] -= a.LR * mHat / (math.Sqrt(vHat) + a.Eps)
	}
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int { return a.t }
