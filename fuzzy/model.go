package fuzzy

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// MaxRules caps m^n so a misconfigured head cannot exhaust memory.
const MaxRules = 1 << 20

// consequentInitSigma is the std of the initial consequent weights.
const consequentInitSigma = 0.1

// ErrShape reports an invalid model shape or a mismatched input vector.
var ErrShape = errors.New("fuzzy: invalid shape")

// Model is one single-output Sugeno head:
// membership -> rule strengths -> affine consequents -> weighted average.
//
// All learnable state lives in one flat vector laid out as
// [centers n*m][log-widths n*m][weights r*n][biases r]; the layer types are
// views into it, so optimizers can treat the model as a plain []float64.
type Model struct {
	numInputs int
	numMFs    int

	theta []float64

	mfs        []GaussianSet
	rules      RuleLayer
	consequent ConsequentLayer
}

// New builds a model for numInputs inputs with numMFs Gaussian MFs each.
// Parameters are zero; call Init or load them with SetParams.
func New(numInputs, numMFs int) (*Model, error) {
	if numInputs < 1 {
		return nil, fmt.Errorf("%w: num_inputs must be >= 1, got %d", ErrShape, numInputs)
	}
	if numMFs < 1 {
		return nil, fmt.Errorf("%w: num_mfs must be >= 1, got %d", ErrShape, numMFs)
	}
	rules := 1
	for i := 0; i < numInputs; i++ {
		rules *= numMFs
		if rules > MaxRules {
			return nil, fmt.Errorf("%w: %d^%d rules exceeds limit %d", ErrShape, numMFs, numInputs, MaxRules)
		}
	}

	nm := numInputs * numMFs
	theta := make([]float64, 2*nm+rules*numInputs+rules)

	m := &Model{
		numInputs: numInputs,
		numMFs:    numMFs,
		theta:     theta,
		mfs:       make([]GaussianSet, numInputs),
		rules:     NewRuleLayer(numInputs, numMFs),
	}
	m.bindViews()
	return m, nil
}

// bindViews points the layer views at the flat parameter vector.
func (m *Model) bindViews() {
	n, k := m.numInputs, m.numMFs
	nm := n * k
	centers := m.theta[:nm]
	logw := m.theta[nm : 2*nm]
	for i := range m.mfs {
		m.mfs[i] = GaussianSet{
			Centers:   centers[i*k : (i+1)*k],
			LogWidths: logw[i*k : (i+1)*k],
		}
	}
	r := m.rules.NumRules()
	wStart := 2 * nm
	bStart := wStart + r*n
	m.consequent = ConsequentLayer{
		numInputs: n,
		Weights:   m.theta[wStart:bStart],
		Biases:    m.theta[bStart:],
	}
}

// Init seeds the MF layout and draws small random consequent weights.
func (m *Model) Init(rng *rand.Rand) {
	for _, g := range m.mfs {
		initGaussianSet(g)
	}
	for i := range m.consequent.Weights {
		m.consequent.Weights[i] = rng.NormFloat64() * consequentInitSigma
	}
	for i := range m.consequent.Biases {
		m.consequent.Biases[i] = 0
	}
}

// NumInputs returns the input vector length.
func (m *Model) NumInputs() int { return m.numInputs }

// NumMFs returns the MF count per input.
func (m *Model) NumMFs() int { return m.numMFs }

// NumRules returns the rule count (NumMFs^NumInputs).
func (m *Model) NumRules() int { return m.rules.NumRules() }

// NumParams returns the length of the flat parameter vector.
func (m *Model) NumParams() int { return len(m.theta) }

// Theta exposes the flat parameter vector for optimizers. Writes through it
// update the model.
func (m *Model) Theta() []float64 { return m.theta }

// MF returns the membership set of input k.
func (m *Model) MF(k int) GaussianSet { return m.mfs[k] }

// Rules returns the rule layer.
func (m *Model) Rules() RuleLayer { return m.rules }

// Consequent returns the consequent layer.
func (m *Model) Consequent() ConsequentLayer { return m.consequent }

// Scratch holds the intermediate values of one forward pass.
// A Scratch must not be shared between goroutines.
type Scratch struct {
	mu     []float64 // n*m membership degrees
	w      []float64 // r rule strengths
	f      []float64 // r consequent values
	sum    float64   // sum of strengths
	y      float64
	gmu    []float64 // n*m backward accumulator
	prefix []float64 // n+1
}

// NewScratch allocates buffers sized for this model.
func (m *Model) NewScratch() *Scratch {
	nm := m.numInputs * m.numMFs
	r := m.rules.NumRules()
	return &Scratch{
		mu:     make([]float64, nm),
		w:      make([]float64, r),
		f:      make([]float64, r),
		gmu:    make([]float64, nm),
		prefix: make([]float64, m.numInputs+1),
	}
}

// Strengths returns the rule strengths of the last Forward call.
func (s *Scratch) Strengths() []float64 { return s.w }

// Forward evaluates the model on x using s for intermediates. It does not
// allocate. x must have NumInputs elements.
func (m *Model) Forward(x []float64, s *Scratch) float64 {
	k := m.numMFs
	for i, g := range m.mfs {
		g.Degrees(x[i], s.mu[i*k:(i+1)*k])
	}
	m.rules.Strengths(s.mu, s.w)
	m.consequent.Values(x, s.f)

	var num, den float64
	for r, w := range s.w {
		num += w * s.f[r]
		den += w
	}
	s.sum = den
	s.y = num / (den + Epsilon)
	return s.y
}

// Eval is the allocating form of Forward. It validates the input length.
func (m *Model) Eval(x []float64) (float64, error) {
	if len(x) != m.numInputs {
		return 0, fmt.Errorf("%w: got %d inputs, want %d", ErrShape, len(x), m.numInputs)
	}
	return m.Forward(x, m.NewScratch()), nil
}

// Backward accumulates dy * dy/dθ into grad, where dy is dL/dy for the
// output of the preceding Forward(x, s). grad must have NumParams elements.
func (m *Model) Backward(x []float64, s *Scratch, dy float64, grad []float64) {
	n, k := m.numInputs, m.numMFs
	nm := n * k
	r := m.rules.NumRules()
	wStart := 2 * nm
	bStart := wStart + r*n

	gWeights := grad[wStart:bStart]
	gBiases := grad[bStart:]

	denom := s.sum + Epsilon
	for i := range s.gmu {
		s.gmu[i] = 0
	}

	for rule := 0; rule < r; rule++ {
		w := s.w[rule]
		if w != 0 {
			gf := dy * w / denom
			gBiases[rule] += gf
			row := gWeights[rule*n : (rule+1)*n]
			for j, xj := range x {
				row[j] += gf * xj
			}
		}

		// dy/dw_r = (f_r - y) / denom; dw_r/dmu is the product of the other
		// degrees, computed with prefix/suffix products so no zero is divided.
		gw := dy * (s.f[rule] - s.y) / denom
		if gw == 0 {
			continue
		}
		idx := m.rules.Rule(rule)
		s.prefix[0] = 1
		for j, i := range idx {
			s.prefix[j+1] = s.prefix[j] * s.mu[j*k+int(i)]
		}
		suffix := 1.0
		for j := n - 1; j >= 0; j-- {
			p := j*k + int(idx[j])
			s.gmu[p] += gw * s.prefix[j] * suffix
			suffix *= s.mu[p]
		}
	}

	gCenters := grad[:nm]
	gLogW := grad[nm:wStart]
	for j, g := range m.mfs {
		for i, c := range g.Centers {
			p := j*k + i
			if s.gmu[p] == 0 {
				continue
			}
			width := math.Exp(g.LogWidths[i])
			z := (x[j] - c) / width
			mu := s.mu[p]
			gCenters[p] += s.gmu[p] * mu * z / width
			gLogW[p] += s.gmu[p] * mu * z * z
		}
	}
}

// Clone returns an independent copy of the model.
func (m *Model) Clone() *Model {
	c := &Model{
		numInputs: m.numInputs,
		numMFs:    m.numMFs,
		theta:     make([]float64, len(m.theta)),
		mfs:       make([]GaussianSet, m.numInputs),
		rules:     m.rules,
	}
	copy(c.theta, m.theta)
	c.bindViews()
	return c
}
