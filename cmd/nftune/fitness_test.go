package main

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/dataset"
)

func tuneDataset(rows int) *dataset.Dataset {
	rng := rand.New(rand.NewSource(3))
	x := mat.NewDense(rows, 2, nil)
	y := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		a, b := rng.Float64()*2-1, rng.Float64()*2-1
		x.Set(i, 0, a)
		x.Set(i, 1, b)
		y.Set(i, 0, 0.5*a-0.2*b)
	}
	return &dataset.Dataset{
		FeatureCols: []string{"a", "b"},
		TargetCols:  []string{"thrust"},
		X:           x,
		Y:           y,
	}
}

func TestFitnessEvaluatorTracksBest(t *testing.T) {
	pv := NewParamVector()
	base := config.TrainConfig{LearningRate: 0.003, BatchSize: 32, NumMFs: 2, ValFraction: 0.2}
	fe := NewFitnessEvaluator(pv, config.TaskManeuver, tuneDataset(120), base, 2, []int64{1}, t.TempDir())

	if best, raw := fe.Best(); !math.IsInf(best, 1) || raw != nil {
		t.Fatalf("Best before any evaluation = %v, %v", best, raw)
	}

	slow := []float64{-4, 5, 2}
	fast := []float64{-1.5, 5, 2}
	f1 := fe.Evaluate(slow)
	f2 := fe.Evaluate(fast)
	if math.IsInf(f1, 0) || math.IsInf(f2, 0) {
		t.Fatalf("fitness = %v, %v, want finite", f1, f2)
	}

	if fe.Evals() != 2 {
		t.Errorf("Evals = %d, want 2", fe.Evals())
	}
	best, raw := fe.Best()
	if best != math.Min(f1, f2) {
		t.Errorf("Best = %v, want min(%v, %v)", best, f1, f2)
	}
	want := slow
	if f2 < f1 {
		want = fast
	}
	for i := range want {
		if raw[i] != want[i] {
			t.Errorf("best params = %v, want %v", raw, want)
			break
		}
	}
	if len(fe.LastHeads()) != 1 {
		t.Errorf("LastHeads = %v, want one head", fe.LastHeads())
	}
}
