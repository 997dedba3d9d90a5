package fuzzy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Params holds a model's learned parameters in shaped form for serialization.
type Params struct {
	Centers   [][]float64 `json:"centers"`    // [numInputs][numMFs]
	LogWidths [][]float64 `json:"log_widths"` // [numInputs][numMFs]
	Weights   [][]float64 `json:"weights"`    // [numRules][numInputs]
	Biases    []float64   `json:"biases"`     // [numRules]
}

// Snapshot copies the current parameters out of the model. The result shares
// no memory with the model.
func (m *Model) Snapshot() Params {
	n, k := m.numInputs, m.numMFs
	r := m.rules.NumRules()
	p := Params{
		Centers:   make([][]float64, n),
		LogWidths: make([][]float64, n),
		Weights:   make([][]float64, r),
		Biases:    make([]float64, r),
	}
	for j, g := range m.mfs {
		p.Centers[j] = append(make([]float64, 0, k), g.Centers...)
		p.LogWidths[j] = append(make([]float64, 0, k), g.LogWidths...)
	}
	w := m.consequent.Weights
	for i := 0; i < r; i++ {
		p.Weights[i] = append(make([]float64, 0, n), w[i*n:(i+1)*n]...)
	}
	copy(p.Biases, m.consequent.Biases)
	return p
}

// SetParams loads shaped parameters into the model after checking every
// dimension and rejecting non-finite values.
func (m *Model) SetParams(p Params) error {
	if err := p.Check(m.numInputs, m.numMFs); err != nil {
		return err
	}
	n := m.numInputs
	for j, g := range m.mfs {
		copy(g.Centers, p.Centers[j])
		copy(g.LogWidths, p.LogWidths[j])
	}
	for i, row := range p.Weights {
		copy(m.consequent.Weights[i*n:(i+1)*n], row)
	}
	copy(m.consequent.Biases, p.Biases)
	return nil
}

// Check validates that p describes a model with n inputs and m MFs.
func (p Params) Check(n, m int) error {
	if n < 1 || m < 1 {
		return fmt.Errorf("%w: num_inputs=%d num_mfs=%d", ErrShape, n, m)
	}
	r := 1
	for i := 0; i < n; i++ {
		r *= m
		if r > MaxRules {
			return fmt.Errorf("%w: %d^%d rules exceeds limit %d", ErrShape, m, n, MaxRules)
		}
	}
	if err := checkMatrix("centers", p.Centers, n, m); err != nil {
		return err
	}
	if err := checkMatrix("log_widths", p.LogWidths, n, m); err != nil {
		return err
	}
	if err := checkMatrix("weights", p.Weights, r, n); err != nil {
		return err
	}
	if len(p.Biases) != r {
		return fmt.Errorf("%w: biases has %d entries, want %d", ErrShape, len(p.Biases), r)
	}
	if !finite(p.Biases) {
		return fmt.Errorf("%w: biases contain non-finite values", ErrShape)
	}
	return nil
}

func checkMatrix(name string, rows [][]float64, wantRows, wantCols int) error {
	if len(rows) != wantRows {
		return fmt.Errorf("%w: %s has %d rows, want %d", ErrShape, name, len(rows), wantRows)
	}
	for i, row := range rows {
		if len(row) != wantCols {
			return fmt.Errorf("%w: %s row %d has %d columns, want %d", ErrShape, name, i, len(row), wantCols)
		}
		if !finite(row) {
			return fmt.Errorf("%w: %s row %d contains non-finite values", ErrShape, name, i)
		}
	}
	return nil
}

func finite(v []float64) bool {
	if floats.HasNaN(v) {
		return false
	}
	for _, x := range v {
		if math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
