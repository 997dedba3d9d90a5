package bundle

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pthm-cable/sugeno/dataset"
	"github.com/pthm-cable/sugeno/fuzzy"
)

func testBundle(t *testing.T) *Bundle {
	t.Helper()
	m, err := fuzzy.New(3, 2)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(21))
	m.Init(rng)
	theta := m.Theta()
	for i := range theta {
		theta[i] += rng.NormFloat64() * 0.3
	}

	stats := dataset.Stats{
		Mean: []float64{100, 5, 0.1},
		Std:  []float64{40, 1, 1},
	}
	b := New("maneuver")
	b.Heads["thrust"] = NewHead(m, []string{"dist", "ttc", "heading_err"}, stats)
	return b
}

func TestSaveLoadBitIdentical(t *testing.T) {
	b := testBundle(t)
	path := filepath.Join(t.TempDir(), "models", "maneuver.json")

	if err := Save(path, b); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want, err := b.Heads["thrust"].Model()
	if err != nil {
		t.Fatal(err)
	}
	got, err := loaded.Heads["thrust"].Model()
	if err != nil {
		t.Fatal(err)
	}

	x := []float64{0.3, -1.1, 0.7}
	a, _ := want.Eval(x)
	c, _ := got.Eval(x)
	if a != c {
		t.Errorf("reloaded output %v, want %v", c, a)
	}

	for i, v := range want.Theta() {
		if got.Theta()[i] != v {
			t.Fatalf("param %d: %v != %v", i, got.Theta()[i], v)
		}
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "combat.json")
	b := testBundle(t)
	b.Task = "combat"

	for i := 0; i < 3; i++ {
		if err := Save(path, b); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "combat.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contains %v, want only combat.json", names)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid := func() string {
		b := testBundle(t)
		path := filepath.Join(t.TempDir(), "b.json")
		if err := Save(path, b); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}()

	tests := []struct {
		name string
		json string
	}{
		{"not json", "garbage"},
		{"unknown task", strings.Replace(valid, `"maneuver"`, `"dance"`, 1)},
		{"no heads", `{"task":"combat","heads":{}}`},
		{"unknown field", strings.Replace(valid, `"task"`, `"version": 2, "task"`, 1)},
		{"trailing data", valid + "{}"},
		{"wrong input count", strings.Replace(valid, `"num_inputs": 3`, `"num_inputs": 4`, 1)},
		{"wrong mf count", strings.Replace(valid, `"num_mfs": 2`, `"num_mfs": 3`, 1)},
		{"null head", `{"task":"combat","heads":{"fire":null}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.json))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode error = %v, want ErrMalformed", err)
			}
		})
	}

	if _, err := Decode(strings.NewReader(valid + "\n")); err != nil {
		t.Errorf("trailing newline rejected: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want not-exist", err)
	}
}

func TestHeadStatsReappliesFloor(t *testing.T) {
	h := &Head{Mean: []float64{1, 2}, Std: []float64{0, 3}}
	s := h.Stats()
	if s.Std[0] != 1 || s.Std[1] != 3 {
		t.Errorf("Std = %v, want [1 3]", s.Std)
	}
	// Detached from the head
	s.Mean[0] = 99
	if h.Mean[0] != 1 {
		t.Error("Stats shares memory with head")
	}
}

func TestHeadNamesSorted(t *testing.T) {
	b := testBundle(t)
	b.Heads["turn_rate"] = b.Heads["thrust"]
	b.Heads["alpha"] = b.Heads["thrust"]

	names := b.HeadNames()
	want := []string{"alpha", "thrust", "turn_rate"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("HeadNames = %v, want %v", names, want)
		}
	}
}

func TestValidateRejectsDisagreeingColumns(t *testing.T) {
	b := testBundle(t)
	other := *b.Heads["thrust"]
	other.FeatureCols = []string{"ttc", "dist", "heading_err"}
	b.Heads["turn_rate"] = &other

	if err := b.Validate(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Validate error = %v, want ErrMalformed", err)
	}

	other.FeatureCols = b.Heads["thrust"].FeatureCols
	if err := b.Validate(); err != nil {
		t.Errorf("matching heads rejected: %v", err)
	}
	if got := b.FeatureCols(); len(got) != 3 || got[0] != "dist" {
		t.Errorf("FeatureCols = %v", got)
	}
}
