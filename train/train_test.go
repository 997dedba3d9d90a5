package train

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/sugeno/bundle"
	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/dataset"
	"github.com/pthm-cable/sugeno/telemetry"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	epochs []telemetry.EpochRecord
	runs   []telemetry.RunRecord
}

func (r *recorder) ObserveEpoch(rec telemetry.EpochRecord) error {
	r.epochs = append(r.epochs, rec)
	return nil
}

func (r *recorder) ObserveRun(rec telemetry.RunRecord) error {
	r.runs = append(r.runs, rec)
	return nil
}

// linearDataset returns rows of two uniform features in [-1,1] with one
// target computed by f.
func linearDataset(rows int, seed int64, target string, f func(x1, x2 float64) float64) *dataset.Dataset {
	rng := rand.New(rand.NewSource(seed))
	x := mat.NewDense(rows, 2, nil)
	y := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		x1 := rng.Float64()*2 - 1
		x2 := rng.Float64()*2 - 1
		x.Set(i, 0, x1)
		x.Set(i, 1, x2)
		y.Set(i, 0, f(x1, x2))
	}
	return &dataset.Dataset{
		FeatureCols: []string{"x1", "x2"},
		TargetCols:  []string{target},
		X:           x,
		Y:           y,
	}
}

func regressionOptions() Options {
	return Options{
		Task:         config.TaskManeuver,
		NumMFs:       2,
		Epochs:       50,
		BatchSize:    32,
		LearningRate: 0.02,
		ValFraction:  0.1,
		Seed:         1,
		Workers:      1,
		Logger:       quiet,
	}
}

func TestRegressionSanity(t *testing.T) {
	ds := linearDataset(400, 7, "thrust", func(x1, _ float64) float64 { return 0.5 * x1 })
	out := filepath.Join(t.TempDir(), "maneuver.json")

	tr, err := New(regressionOptions())
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Run(context.Background(), ds, out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	hr := res.Heads["thrust"]
	if hr.BestValLoss >= 0.01 {
		t.Errorf("best val loss = %v, want < 0.01", hr.BestValLoss)
	}
	if res.RunID == "" {
		t.Error("empty run id")
	}

	// The file on disk holds the best checkpoint
	b, err := bundle.Load(out)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m, err := b.Heads["thrust"].Model()
	if err != nil {
		t.Fatal(err)
	}
	stats := b.Heads["thrust"].Stats()
	z := make([]float64, 2)
	stats.Normalize(z, []float64{0.8, -0.3})
	got, _ := m.Eval(z)
	if math.Abs(got-0.4) > 0.1 {
		t.Errorf("prediction at x1=0.8 = %v, want about 0.4", got)
	}
}

func TestCombatLossDecreases(t *testing.T) {
	ds := linearDataset(400, 3, "fire", func(x1, _ float64) float64 {
		if x1 > 0 {
			return 1
		}
		return 0
	})
	opts := regressionOptions()
	opts.Task = config.TaskCombat
	opts.Epochs = 30

	tr, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Run(context.Background(), ds, filepath.Join(t.TempDir(), "combat.json"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Chance level is ln 2
	if got := res.Heads["fire"].BestValLoss; got >= 0.5 {
		t.Errorf("best val loss = %v, want < 0.5", got)
	}
}

func TestCombatRejectsNonBinaryTargets(t *testing.T) {
	ds := linearDataset(20, 1, "fire", func(x1, _ float64) float64 { return 2 })
	opts := regressionOptions()
	opts.Task = config.TaskCombat
	out := filepath.Join(t.TempDir(), "combat.json")

	tr, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tr.Run(context.Background(), ds, out)
	if !errors.Is(err, ErrTargetRange) {
		t.Fatalf("error = %v, want ErrTargetRange", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("bundle written despite configuration error")
	}
}

func TestMissingColumnIsFatalBeforeTraining(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "maneuver.csv")
	if err := os.WriteFile(csvPath, []byte("dist,ttc,thrust\n1,2,3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := dataset.LoadCSV(csvPath, []string{"thrust", "turn_rate"})
	if !errors.Is(err, dataset.ErrMissingColumn) {
		t.Fatalf("error = %v, want ErrMissingColumn", err)
	}
}

func TestEmptyDatasetRejected(t *testing.T) {
	tr, err := New(regressionOptions())
	if err != nil {
		t.Fatal(err)
	}
	ds := &dataset.Dataset{
		FeatureCols: []string{"a"},
		TargetCols:  []string{"thrust"},
		X:           &mat.Dense{},
		Y:           &mat.Dense{},
	}
	if _, err := tr.Run(context.Background(), ds, filepath.Join(t.TempDir(), "m.json")); !errors.Is(err, dataset.ErrEmptyDataset) {
		t.Errorf("error = %v, want ErrEmptyDataset", err)
	}
}

func TestHeadAlwaysSaved(t *testing.T) {
	// Pure noise target: validation rarely improves, but epoch 1 is kept
	rng := rand.New(rand.NewSource(5))
	ds := linearDataset(60, 9, "thrust", func(_, _ float64) float64 { return rng.NormFloat64() })
	opts := regressionOptions()
	opts.Epochs = 3
	rec := &recorder{}
	opts.Observers = []Observer{rec}
	out := filepath.Join(t.TempDir(), "maneuver.json")

	tr, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Run(context.Background(), ds, out)
	if err != nil {
		t.Fatal(err)
	}

	if res.Heads["thrust"].BestEpoch < 1 {
		t.Errorf("best epoch = %d, want >= 1", res.Heads["thrust"].BestEpoch)
	}
	if _, err := bundle.Load(out); err != nil {
		t.Fatalf("bundle not loadable: %v", err)
	}

	if len(rec.epochs) != 3 {
		t.Fatalf("observed %d epochs, want 3", len(rec.epochs))
	}
	if !rec.epochs[0].Best {
		t.Error("first epoch not marked best")
	}
	if len(rec.runs) != 2 || rec.runs[1].Status != telemetry.StatusFinished {
		t.Errorf("run notifications = %+v, want start and finish", rec.runs)
	}
}

func TestHeadsTrainedInOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := mat.NewDense(80, 2, nil)
	y := mat.NewDense(80, 2, nil)
	for i := 0; i < 80; i++ {
		x.Set(i, 0, rng.Float64())
		x.Set(i, 1, rng.Float64())
		y.Set(i, 0, x.At(i, 0))
		y.Set(i, 1, -x.At(i, 1))
	}
	ds := &dataset.Dataset{
		FeatureCols: []string{"a", "b"},
		TargetCols:  []string{"thrust", "turn_rate"},
		X:           x,
		Y:           y,
	}
	opts := regressionOptions()
	opts.Epochs = 2
	rec := &recorder{}
	opts.Observers = []Observer{rec}

	tr, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Run(context.Background(), ds, filepath.Join(t.TempDir(), "m.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Bundle.Heads) != 2 {
		t.Fatalf("bundle has %d heads, want 2", len(res.Bundle.Heads))
	}

	want := []string{"thrust", "thrust", "turn_rate", "turn_rate"}
	for i, r := range rec.epochs {
		if r.Head != want[i] {
			t.Errorf("epoch record %d head = %q, want %q", i, r.Head, want[i])
		}
	}
}

func TestDeterministicWithSeed(t *testing.T) {
	ds := linearDataset(300, 4, "thrust", func(x1, x2 float64) float64 { return x1 - 0.3*x2 })
	opts := regressionOptions()
	opts.Epochs = 3
	opts.BatchSize = 128
	opts.Workers = 3

	run := func() []float64 {
		tr, err := New(opts)
		if err != nil {
			t.Fatal(err)
		}
		res, err := tr.Run(context.Background(), ds, filepath.Join(t.TempDir(), "m.json"))
		if err != nil {
			t.Fatal(err)
		}
		m, err := res.Bundle.Heads["thrust"].Model()
		if err != nil {
			t.Fatal(err)
		}
		return append([]float64(nil), m.Theta()...)
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("param %d differs between seeded runs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	ds := linearDataset(100, 1, "thrust", func(x1, _ float64) float64 { return x1 })
	tr, err := New(regressionOptions())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = tr.Run(ctx, ds, filepath.Join(t.TempDir(), "m.json"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"unknown task", func(o *Options) { o.Task = "dance" }},
		{"zero mfs", func(o *Options) { o.NumMFs = 0 }},
		{"zero epochs", func(o *Options) { o.Epochs = 0 }},
		{"zero batch", func(o *Options) { o.BatchSize = 0 }},
		{"negative lr", func(o *Options) { o.LearningRate = -1 }},
		{"nan lr", func(o *Options) { o.LearningRate = math.NaN() }},
		{"val fraction one", func(o *Options) { o.ValFraction = 1 }},
		{"negative workers", func(o *Options) { o.Workers = -2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := regressionOptions()
			tt.mutate(&o)
			if err := o.Validate(); !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("Validate error = %v, want ErrInvalidOptions", err)
			}
		})
	}

	if err := regressionOptions().Validate(); err != nil {
		t.Errorf("valid options rejected: %v", err)
	}
}

func TestLosses(t *testing.T) {
	l, g := MSE{}.Eval(3, 1)
	if l != 4 || g != 4 {
		t.Errorf("MSE(3,1) = (%v,%v), want (4,4)", l, g)
	}

	// BCE at logit 0 is ln 2 for either target
	l, g = BCEWithLogits{}.Eval(0, 1)
	if math.Abs(l-math.Ln2) > 1e-12 || math.Abs(g+0.5) > 1e-12 {
		t.Errorf("BCE(0,1) = (%v,%v), want (ln2,-0.5)", l, g)
	}

	// Large logits stay finite
	l, g = BCEWithLogits{}.Eval(-1000, 1)
	if math.IsInf(l, 0) || math.IsNaN(l) || math.Abs(l-1000) > 1e-9 || math.Abs(g+1) > 1e-12 {
		t.Errorf("BCE(-1000,1) = (%v,%v), want (1000,-1)", l, g)
	}
}

func TestAdamMovesAgainstGradient(t *testing.T) {
	opt := NewAdam(2, 0.1)
	theta := []float64{1, -1}
	opt.Step(theta, []float64{2, -0.001})
	// First bias-corrected step has magnitude lr regardless of gradient size
	if math.Abs(theta[0]-0.9) > 1e-6 || math.Abs(theta[1]+0.9) > 1e-4 {
		t.Errorf("theta after one step = %v, want about [0.9 -0.9]", theta)
	}
	if opt.Steps() != 1 {
		t.Errorf("steps = %d, want 1", opt.Steps())
	}
}

func BenchmarkEpoch(b *testing.B) {
	ds := linearDataset(2048, 1, "thrust", func(x1, x2 float64) float64 { return x1 * x2 })
	opts := regressionOptions()
	opts.Epochs = 1
	opts.BatchSize = 256
	opts.Workers = 0
	tr, err := New(opts)
	if err != nil {
		b.Fatal(err)
	}
	out := filepath.Join(b.TempDir(), "m.json")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := tr.Run(context.Background(), ds, out); err != nil {
			b.Fatal(err)
		}
	}
}
