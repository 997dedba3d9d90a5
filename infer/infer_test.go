package infer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/sugeno/bundle"
	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/dataset"
	"github.com/pthm-cable/sugeno/features"
	"github.com/pthm-cable/sugeno/fuzzy"
	"github.com/pthm-cable/sugeno/telemetry"
	"github.com/pthm-cable/sugeno/train"
)

var allCols = features.Names[:]

// randomHead returns a randomly initialised head over cols with identity
// normalization.
func randomHead(t testing.TB, cols []string, seed int64) *bundle.Head {
	t.Helper()
	m, err := fuzzy.New(len(cols), 2)
	if err != nil {
		t.Fatal(err)
	}
	m.Init(rand.New(rand.NewSource(seed)))
	return bundle.NewHead(m, cols, identityStats(len(cols)))
}

// constantHead returns a head whose output is bias for every input.
func constantHead(t testing.TB, cols []string, bias float64) *bundle.Head {
	t.Helper()
	m, err := fuzzy.New(len(cols), 2)
	if err != nil {
		t.Fatal(err)
	}
	m.Init(rand.New(rand.NewSource(1)))
	c := m.Consequent()
	for i := range c.Weights {
		c.Weights[i] = 0
	}
	for i := range c.Biases {
		c.Biases[i] = bias
	}
	return bundle.NewHead(m, cols, identityStats(len(cols)))
}

func identityStats(n int) dataset.Stats {
	s := dataset.Stats{Mean: make([]float64, n), Std: make([]float64, n)}
	for i := range s.Std {
		s.Std[i] = 1
	}
	return s
}

func maneuverBundle(t testing.TB, heads ...string) *bundle.Bundle {
	b := bundle.New(config.TaskManeuver)
	for i, name := range heads {
		b.Heads[name] = randomHead(t, allCols, int64(i+1))
	}
	return b
}

func newTestEngine(t testing.TB, b *bundle.Bundle) *Engine {
	t.Helper()
	e, err := New(b, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// scenario is a representative mid-range frame.
var scenario = []float64{200, 10, 0.5, 50, 0, 5, 1, 0}

func TestRangeMap(t *testing.T) {
	r := Range{Min: -100, Max: 150, Scale: 150}
	tests := []struct {
		name string
		y    float64
		want float64
	}{
		{"zero", 0, 0},
		{"saturates high", 50, 150},
		{"clamps low", -50, -100},
		{"nan", math.NaN(), 0},
		{"inf", math.Inf(1), 150},
		{"mid", 0.5, math.Tanh(0.5) * 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Map(tt.y); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Map(%v) = %v, want %v", tt.y, got, tt.want)
			}
		})
	}
}

func TestManeuverInRange(t *testing.T) {
	e := newTestEngine(t, maneuverBundle(t, HeadThrust, HeadTurnRate))

	a, err := e.Maneuver(scenario)
	if err != nil {
		t.Fatal(err)
	}
	if !a.HasThrust || !a.HasTurnRate {
		t.Fatalf("action = %+v, want both heads", a)
	}
	if a.Thrust < -150 || a.Thrust > 150 {
		t.Errorf("thrust = %v outside [-150, 150]", a.Thrust)
	}
	if a.TurnRate < -180 || a.TurnRate > 180 {
		t.Errorf("turn_rate = %v outside [-180, 180]", a.TurnRate)
	}
}

// flightLog returns rows over every feature column with thrust and turn_rate
// targets that depend on distance and heading error.
func flightLog(rows int, seed int64) *dataset.Dataset {
	rng := rand.New(rand.NewSource(seed))
	lo := [features.NumFeatures]float64{0, 0, -180, 0, 0, 0, 0, -180}
	hi := [features.NumFeatures]float64{500, 20, 180, 100, 10, 3, 2, 180}
	x := mat.NewDense(rows, features.NumFeatures, nil)
	y := mat.NewDense(rows, 2, nil)
	for i := 0; i < rows; i++ {
		for j := range features.NumFeatures {
			x.Set(i, j, lo[j]+rng.Float64()*(hi[j]-lo[j]))
		}
		y.Set(i, 0, 1-x.At(i, features.Dist)/250)
		y.Set(i, 1, x.At(i, features.HeadingErr)/180)
	}
	return &dataset.Dataset{
		FeatureCols: append([]string(nil), allCols...),
		TargetCols:  []string{HeadThrust, HeadTurnRate},
		X:           x,
		Y:           y,
	}
}

func TestTrainedManeuverBundle(t *testing.T) {
	out := filepath.Join(t.TempDir(), "maneuver.json")
	tr, err := train.New(train.Options{
		Task:         config.TaskManeuver,
		NumMFs:       2,
		Epochs:       3,
		BatchSize:    32,
		LearningRate: 0.01,
		ValFraction:  0.1,
		Seed:         1,
		Workers:      1,
		Logger:       slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Run(context.Background(), flightLog(300, 5), out); err != nil {
		t.Fatalf("train: %v", err)
	}

	e, err := Load(out, DefaultOptions())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := e.FeatureColumns(); len(got) != len(allCols) {
		t.Fatalf("feature columns = %v", got)
	}

	a, err := e.Maneuver(scenario)
	if err != nil {
		t.Fatal(err)
	}
	if !a.HasThrust || !a.HasTurnRate {
		t.Fatalf("action = %+v, want both heads", a)
	}
	if math.IsNaN(a.Thrust) || a.Thrust < -150 || a.Thrust > 150 {
		t.Errorf("thrust = %v outside [-150, 150]", a.Thrust)
	}
	if math.IsNaN(a.TurnRate) || a.TurnRate < -180 || a.TurnRate > 180 {
		t.Errorf("turn_rate = %v outside [-180, 180]", a.TurnRate)
	}

	short, err := e.Maneuver(scenario[:3])
	if !errors.Is(err, ErrFeatureCount) {
		t.Errorf("3-feature error = %v, want ErrFeatureCount", err)
	}
	if short != (ManeuverAction{}) {
		t.Errorf("3-feature action = %+v, want neutral", short)
	}
}

func TestMissingHeadIsNeutral(t *testing.T) {
	e := newTestEngine(t, maneuverBundle(t, HeadThrust))

	if e.Has(HeadTurnRate) {
		t.Fatal("turn_rate reported present")
	}
	a, err := e.Maneuver(scenario)
	if err != nil {
		t.Fatal(err)
	}
	if !a.HasThrust || a.HasTurnRate || a.TurnRate != 0 {
		t.Errorf("action = %+v, want thrust only", a)
	}

	y, ok, err := e.Raw(HeadTurnRate, scenario)
	if ok || err != nil || y != 0 {
		t.Errorf("Raw(turn_rate) = %v, %v, %v", y, ok, err)
	}
}

func TestFeatureCountMismatch(t *testing.T) {
	e := newTestEngine(t, maneuverBundle(t, HeadThrust, HeadTurnRate))

	a, err := e.Maneuver(scenario[:7])
	if !errors.Is(err, ErrFeatureCount) {
		t.Fatalf("error = %v, want ErrFeatureCount", err)
	}
	if a != (ManeuverAction{}) {
		t.Errorf("action = %+v, want neutral", a)
	}
	if _, err := e.Normalize(HeadThrust, []float64{1, 2}); !errors.Is(err, ErrFeatureCount) {
		t.Errorf("Normalize error = %v, want ErrFeatureCount", err)
	}
}

func TestCombatThreshold(t *testing.T) {
	b := bundle.New(config.TaskCombat)
	b.Heads[HeadFire] = constantHead(t, allCols, 2)      // p ~ 0.881
	b.Heads[HeadDropMine] = constantHead(t, allCols, -2) // p ~ 0.119
	e := newTestEngine(t, b)

	// Near the MF centers so rule strengths are well above zero
	probe := make([]float64, features.NumFeatures)

	p, ok, err := e.Probability(HeadFire, probe)
	if err != nil || !ok || math.Abs(p-1/(1+math.Exp(-2))) > 1e-6 {
		t.Fatalf("Probability(fire) = %v, %v, %v", p, ok, err)
	}

	tests := []struct {
		name      string
		threshold float64
		fire      bool
		mine      bool
	}{
		{"default", 0, true, false},
		{"strict", 0.9, false, false},
		{"lenient", 0.1, true, true},
		{"out of range uses default", 1.5, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := e.Combat(probe, tt.threshold)
			if err != nil {
				t.Fatal(err)
			}
			if a.Fire != tt.fire || a.DropMine != tt.mine || !a.HasFire || !a.HasDropMine {
				t.Errorf("action = %+v, want fire=%v drop_mine=%v", a, tt.fire, tt.mine)
			}
		})
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	b := maneuverBundle(t, HeadThrust)
	h := b.Heads[HeadThrust]
	for i := range h.Mean {
		h.Mean[i] = float64(i)
		h.Std[i] = float64(i) + 0.5
	}
	e := newTestEngine(t, b)

	z, err := e.Normalize(HeadThrust, scenario)
	if err != nil {
		t.Fatal(err)
	}
	x, err := e.Denormalize(HeadThrust, z)
	if err != nil {
		t.Fatal(err)
	}
	for i := range x {
		if math.Abs(x[i]-scenario[i]) > 1e-9 {
			t.Fatalf("round trip = %v, want %v", x, scenario)
		}
	}
}

func TestNewRejectsMalformed(t *testing.T) {
	b := maneuverBundle(t, HeadThrust)
	b.Heads[HeadThrust].NumMFs = 3
	if _, err := New(b, DefaultOptions()); !errors.Is(err, bundle.ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
}

func TestLoadOrNeutral(t *testing.T) {
	dir := t.TempDir()

	e := LoadOrNeutral(filepath.Join(dir, "missing.json"), config.TaskManeuver, DefaultOptions())
	if len(e.Heads()) != 0 || e.Task() != config.TaskManeuver {
		t.Fatalf("neutral engine = %v heads, task %q", e.Heads(), e.Task())
	}
	a, err := e.Maneuver(scenario)
	if err != nil || a != (ManeuverAction{}) {
		t.Errorf("neutral Maneuver = %+v, %v", a, err)
	}

	path := filepath.Join(dir, "maneuver.json")
	if err := bundle.Save(path, maneuverBundle(t, HeadThrust, HeadTurnRate)); err != nil {
		t.Fatal(err)
	}
	e = LoadOrNeutral(path, config.TaskManeuver, DefaultOptions())
	if got := e.Heads(); len(got) != 2 || got[0] != HeadThrust || got[1] != HeadTurnRate {
		t.Errorf("heads = %v", got)
	}
	if e.NumInputs() != features.NumFeatures {
		t.Errorf("NumInputs = %d", e.NumInputs())
	}
}

func TestEngineConcurrentUse(t *testing.T) {
	e := newTestEngine(t, maneuverBundle(t, HeadThrust, HeadTurnRate))

	inputs := make([][]float64, 32)
	want := make([]ManeuverAction, len(inputs))
	rng := rand.New(rand.NewSource(7))
	for i := range inputs {
		inputs[i] = make([]float64, features.NumFeatures)
		for j := range inputs[i] {
			inputs[i][j] = rng.NormFloat64()
		}
		a, err := e.Maneuver(inputs[i])
		if err != nil {
			t.Fatal(err)
		}
		want[i] = a
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rep := 0; rep < 50; rep++ {
				for i, x := range inputs {
					a, err := e.Maneuver(x)
					if err != nil || a != want[i] {
						t.Errorf("concurrent Maneuver(%d) = %+v, %v, want %+v", i, a, err, want[i])
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

type ship struct {
	x, y    float64
	heading float64
	ammo    int
}

func (s ship) Position() (float64, float64) { return s.x, s.y }
func (s ship) Velocity() (float64, float64) { return 0, 0 }
func (s ship) Heading() float64             { return s.heading }
func (s ship) Ammo() int                    { return s.ammo }
func (s ship) Mines() int                   { return 1 }

type rock struct{ x, y, vx, vy float64 }

func (r rock) Position() (float64, float64) { return r.x, r.y }
func (r rock) Velocity() (float64, float64) { return r.vx, r.vy }

type memRecorder struct {
	mu   sync.Mutex
	recs []telemetry.TraceRecord
}

func (m *memRecorder) Record(rec telemetry.TraceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func TestControllerNeutralWithoutBundles(t *testing.T) {
	rec := &memRecorder{}
	c, err := NewController(nil, nil, ControllerOptions{Recorder: rec})
	if err != nil {
		t.Fatal(err)
	}

	a := c.Act(ship{ammo: 5}, []features.Asteroid{rock{x: 100, vx: -10}})
	if a != (Action{}) {
		t.Errorf("action = %+v, want neutral", a)
	}
	if c.Errors() != 0 {
		t.Errorf("errors = %d", c.Errors())
	}
	if len(rec.recs) != 1 || rec.recs[0].Dist != 100 || rec.recs[0].Ammo != 5 {
		t.Errorf("trace = %+v", rec.recs)
	}
}

func TestControllerUsesBundleColumnOrder(t *testing.T) {
	cols := []string{"ttc", "dist"}
	b := bundle.New(config.TaskManeuver)
	b.Heads[HeadThrust] = randomHead(t, cols, 3)
	b.Heads[HeadTurnRate] = randomHead(t, cols, 4)
	for _, h := range b.Heads {
		h.Mean = []float64{10, 48}
		h.Std = []float64{1, 1}
	}
	e := newTestEngine(t, b)

	c, err := NewController(e, nil, ControllerOptions{})
	if err != nil {
		t.Fatal(err)
	}

	s := ship{}
	rocks := []features.Asteroid{rock{x: 30, y: 40, vx: -3, vy: -4}}
	v := features.Compute(s, rocks)

	want, err := e.Maneuver([]float64{v[features.TTC], v[features.Dist]})
	if err != nil {
		t.Fatal(err)
	}
	got := c.Act(s, rocks)
	if got.Thrust != want.Thrust || got.TurnRate != want.TurnRate {
		t.Errorf("Act = %+v, want %+v", got, want)
	}
}

func TestControllerRejectsUnknownColumn(t *testing.T) {
	b := bundle.New(config.TaskCombat)
	b.Heads[HeadFire] = randomHead(t, []string{"dist", "shield"}, 1)
	e := newTestEngine(t, b)

	if _, err := NewController(nil, e, ControllerOptions{}); !errors.Is(err, features.ErrUnknownFeature) {
		t.Errorf("error = %v, want ErrUnknownFeature", err)
	}
}

func BenchmarkControllerAct(b *testing.B) {
	m := newTestEngine(b, maneuverBundle(b, HeadThrust, HeadTurnRate))
	cb := bundle.New(config.TaskCombat)
	cb.Heads[HeadFire] = randomHead(b, allCols, 5)
	cb.Heads[HeadDropMine] = randomHead(b, allCols, 6)
	k := newTestEngine(b, cb)

	c, err := NewController(m, k, ControllerOptions{})
	if err != nil {
		b.Fatal(err)
	}
	s := ship{heading: 0.3, ammo: 10}
	rocks := []features.Asteroid{rock{x: 100, vx: -20}, rock{x: -50, y: 80}}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Act(s, rocks)
	}
}
