// Package bundle defines the persisted form of a trained task: every head's
// parameters together with the normalization statistics it was trained on.
package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/dataset"
	"github.com/pthm-cable/sugeno/fuzzy"
)

// ErrMalformed is returned for any bundle the loader does not recognize.
// There is no version field, so structural drift is rejected outright.
var ErrMalformed = errors.New("bundle: malformed")

// Bundle is the unit of deployment for one task.
type Bundle struct {
	Task  string           `json:"task"`
	Heads map[string]*Head `json:"heads"`
}

// Head is one trained single-output model plus its frozen statistics.
type Head struct {
	Params      fuzzy.Params `json:"params"`
	FeatureCols []string     `json:"feature_cols"`
	Mean        []float64    `json:"mean"`
	Std         []float64    `json:"std"`
	NumInputs   int          `json:"num_inputs"`
	NumMFs      int          `json:"num_mfs"`
}

// New returns an empty bundle for task.
func New(task string) *Bundle {
	return &Bundle{Task: task, Heads: make(map[string]*Head)}
}

// NewHead snapshots m and the stats it was trained on into a detached Head.
func NewHead(m *fuzzy.Model, featureCols []string, stats dataset.Stats) *Head {
	return &Head{
		Params:      m.Snapshot(),
		FeatureCols: append([]string(nil), featureCols...),
		Mean:        append([]float64(nil), stats.Mean...),
		Std:         append([]float64(nil), stats.Std...),
		NumInputs:   m.NumInputs(),
		NumMFs:      m.NumMFs(),
	}
}

// Stats returns the head's normalization statistics with the std floor
// re-applied.
func (h *Head) Stats() dataset.Stats {
	s := dataset.Stats{
		Mean: append([]float64(nil), h.Mean...),
		Std:  make([]float64, len(h.Std)),
	}
	for i, v := range h.Std {
		s.Std[i] = dataset.FloorStd(v)
	}
	return s
}

// Model rebuilds the head's fuzzy model from its recorded shape and params.
func (h *Head) Model() (*fuzzy.Model, error) {
	m, err := fuzzy.New(h.NumInputs, h.NumMFs)
	if err != nil {
		return nil, err
	}
	if err := m.SetParams(h.Params); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that every declared dimension agrees.
func (h *Head) Validate() error {
	if h == nil {
		return errors.New("null head")
	}
	if len(h.FeatureCols) != h.NumInputs {
		return fmt.Errorf("feature_cols has %d names, num_inputs is %d", len(h.FeatureCols), h.NumInputs)
	}
	if len(h.Mean) != h.NumInputs || len(h.Std) != h.NumInputs {
		return fmt.Errorf("mean/std have %d/%d entries, num_inputs is %d", len(h.Mean), len(h.Std), h.NumInputs)
	}
	seen := make(map[string]bool, len(h.FeatureCols))
	for _, c := range h.FeatureCols {
		if c == "" || seen[c] {
			return fmt.Errorf("bad feature column %q", c)
		}
		seen[c] = true
	}
	for i := range h.Mean {
		if !finite(h.Mean[i]) || !finite(h.Std[i]) {
			return fmt.Errorf("non-finite statistics for %q", h.FeatureCols[i])
		}
	}
	return h.Params.Check(h.NumInputs, h.NumMFs)
}

// Validate checks the task label and every head.
func (b *Bundle) Validate() error {
	switch b.Task {
	case config.TaskManeuver, config.TaskCombat:
	default:
		return fmt.Errorf("%w: unknown task %q", ErrMalformed, b.Task)
	}
	if len(b.Heads) == 0 {
		return fmt.Errorf("%w: no heads", ErrMalformed)
	}
	var cols []string
	for _, name := range b.HeadNames() {
		h := b.Heads[name]
		if name == "" {
			return fmt.Errorf("%w: unnamed head", ErrMalformed)
		}
		if err := h.Validate(); err != nil {
			return fmt.Errorf("%w: head %q: %v", ErrMalformed, name, err)
		}
		// Heads of one task share a feature vector
		if cols == nil {
			cols = h.FeatureCols
		} else if !slices.Equal(cols, h.FeatureCols) {
			return fmt.Errorf("%w: head %q feature columns differ from other heads", ErrMalformed, name)
		}
	}
	return nil
}

// FeatureCols returns the feature column order shared by every head, or nil
// for a bundle without heads.
func (b *Bundle) FeatureCols() []string {
	names := b.HeadNames()
	if len(names) == 0 {
		return nil
	}
	return append([]string(nil), b.Heads[names[0]].FeatureCols...)
}

// Decode reads a bundle from r and validates it. Unknown fields and trailing
// data are rejected.
func Decode(r io.Reader) (*Bundle, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var b Bundle
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after bundle", ErrMalformed)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Load reads and validates the bundle at path.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}
	b, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Save writes b to path atomically: the encoded bundle goes to a temporary
// file in the same directory, is synced, then renamed over path.
func Save(path string, b *Bundle) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bundle: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating bundle dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp bundle: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp bundle: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp bundle: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("setting bundle mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming bundle: %w", err)
	}
	committed = true
	return nil
}

// HeadNames returns the head names in sorted order.
func (b *Bundle) HeadNames() []string {
	names := make([]string, 0, len(b.Heads))
	for name := range b.Heads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
