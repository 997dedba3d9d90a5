// Package infer runs trained bundles inside a real-time control loop.
//
// An Engine is read-only after construction and safe for concurrent use.
// Missing heads degrade to neutral outputs; nothing on the per-tick path
// performs I/O or blocks.
package infer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/pthm-cable/sugeno/bundle"
	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/dataset"
	"github.com/pthm-cable/sugeno/fuzzy"
)

// Head names produced by the trainer for each task.
const (
	HeadThrust   = "thrust"
	HeadTurnRate = "turn_rate"
	HeadFire     = "fire"
	HeadDropMine = "drop_mine"
)

// DefaultThreshold is the probability cutoff for binary heads.
const DefaultThreshold = 0.5

// ErrFeatureCount is returned when a feature vector's length differs from the
// input count recorded for a head.
var ErrFeatureCount = errors.New("infer: feature count mismatch")

// Range maps a head's raw output onto an actuator range.
type Range struct {
	Min   float64
	Max   float64
	Scale float64
}

// Map returns clamp(tanh(y)*Scale, Min, Max). Non-finite outputs map to 0.
func (r Range) Map(y float64) float64 {
	v := math.Tanh(y) * r.Scale
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, r.Min), r.Max)
}

// Options controls head post-processing.
type Options struct {
	Thrust        Range
	TurnRate      Range
	FireThreshold float64
	Logger        *slog.Logger
}

// DefaultOptions returns the actuator ranges of the game ship.
func DefaultOptions() Options {
	return Options{
		Thrust:        Range{Min: -150, Max: 150, Scale: 150},
		TurnRate:      Range{Min: -180, Max: 180, Scale: 180},
		FireThreshold: DefaultThreshold,
	}
}

// OptionsFromConfig builds Options from the inference config section.
func OptionsFromConfig(cfg config.InferenceConfig) Options {
	return Options{
		Thrust:        Range(cfg.Thrust),
		TurnRate:      Range(cfg.TurnRate),
		FireThreshold: cfg.FireThreshold,
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// ManeuverAction is the continuous output of a maneuver bundle. A false Has
// flag means the head is absent and the value is the neutral 0.
type ManeuverAction struct {
	Thrust      float64
	TurnRate    float64
	HasThrust   bool
	HasTurnRate bool
}

// CombatAction is the binary output of a combat bundle. A false Has flag
// means the head is absent and the value is the neutral false.
type CombatAction struct {
	Fire        bool
	DropMine    bool
	HasFire     bool
	HasDropMine bool
}

type head struct {
	name  string
	model *fuzzy.Model
	stats dataset.Stats
	cols  []string
}

// scratch is one caller's working memory, recycled through a sync.Pool.
type scratch struct {
	z     []float64
	heads []*fuzzy.Scratch
}

// Engine evaluates the heads of one bundle.
type Engine struct {
	task      string
	heads     []*head
	headIndex map[string]int
	cols      []string
	opts      Options
	log       *slog.Logger
	pool      sync.Pool
}

// New reconstructs every head of b. b is validated first and is not retained.
func New(b *bundle.Bundle, opts Options) (*Engine, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	e := newEngine(b.Task, opts)
	maxInputs := 0
	for _, name := range b.HeadNames() {
		h := b.Heads[name]
		m, err := h.Model()
		if err != nil {
			return nil, fmt.Errorf("building head %q: %w", name, err)
		}
		e.headIndex[name] = len(e.heads)
		e.heads = append(e.heads, &head{
			name:  name,
			model: m,
			stats: h.Stats(),
			cols:  append([]string(nil), h.FeatureCols...),
		})
		maxInputs = max(maxInputs, m.NumInputs())
	}
	e.cols = b.FeatureCols()

	e.pool.New = func() any {
		s := &scratch{
			z:     make([]float64, maxInputs),
			heads: make([]*fuzzy.Scratch, len(e.heads)),
		}
		for i, h := range e.heads {
			s.heads[i] = h.model.NewScratch()
		}
		return s
	}

	for _, name := range expectedHeads(b.Task) {
		if !e.Has(name) {
			e.log.Warn("bundle is missing head, output will be neutral", "task", b.Task, "head", name)
		}
	}
	return e, nil
}

// Neutral returns an engine with no heads. Every call returns neutral values.
func Neutral(task string, opts Options) *Engine {
	e := newEngine(task, opts)
	e.pool.New = func() any { return &scratch{} }
	return e
}

func newEngine(task string, opts Options) *Engine {
	if opts.FireThreshold <= 0 || opts.FireThreshold >= 1 {
		opts.FireThreshold = DefaultThreshold
	}
	return &Engine{
		task:      task,
		headIndex: make(map[string]int),
		opts:      opts,
		log:       opts.logger(),
	}
}

// Load reads the bundle at path and builds an engine from it.
func Load(path string, opts Options) (*Engine, error) {
	b, err := bundle.Load(path)
	if err != nil {
		return nil, err
	}
	return New(b, opts)
}

// LoadOrNeutral is Load for the control loop: an absent or unreadable bundle
// is logged and replaced by a neutral engine.
func LoadOrNeutral(path, task string, opts Options) *Engine {
	e, err := Load(path, opts)
	if err != nil {
		opts.logger().Warn("bundle unavailable, using neutral outputs", "task", task, "path", path, "error", err)
		return Neutral(task, opts)
	}
	if e.task != task {
		e.log.Warn("bundle task differs from requested task", "want", task, "got", e.task, "path", path)
	}
	return e
}

func expectedHeads(task string) []string {
	switch task {
	case config.TaskManeuver:
		return []string{HeadThrust, HeadTurnRate}
	case config.TaskCombat:
		return []string{HeadFire, HeadDropMine}
	}
	return nil
}

// Task returns the bundle's task label.
func (e *Engine) Task() string { return e.task }

// Heads returns the head names in sorted order.
func (e *Engine) Heads() []string {
	names := make([]string, len(e.heads))
	for i, h := range e.heads {
		names[i] = h.name
	}
	return names
}

// Has reports whether the named head is loaded.
func (e *Engine) Has(name string) bool {
	_, ok := e.headIndex[name]
	return ok
}

// FeatureColumns returns the feature order every head expects, or nil for a
// neutral engine.
func (e *Engine) FeatureColumns() []string {
	return append([]string(nil), e.cols...)
}

// NumInputs returns the feature vector length, or 0 for a neutral engine.
func (e *Engine) NumInputs() int { return len(e.cols) }

// Raw returns the named head's unprocessed output for raw features x. ok is
// false, with a nil error, when the head is absent.
func (e *Engine) Raw(name string, x []float64) (y float64, ok bool, err error) {
	i, ok := e.headIndex[name]
	if !ok {
		return 0, false, nil
	}
	y, err = e.eval(i, x)
	return y, true, err
}

// Probability returns sigmoid(Raw) for a binary head.
func (e *Engine) Probability(name string, x []float64) (float64, bool, error) {
	y, ok, err := e.Raw(name, x)
	if !ok || err != nil {
		return 0, ok, err
	}
	return sigmoid(y), true, nil
}

// Maneuver evaluates the thrust and turn_rate heads. On a shape mismatch it
// returns the neutral action with an error wrapping ErrFeatureCount.
func (e *Engine) Maneuver(x []float64) (ManeuverAction, error) {
	var a ManeuverAction
	y, ok, err := e.Raw(HeadThrust, x)
	if err != nil {
		return ManeuverAction{}, err
	}
	if ok {
		a.Thrust, a.HasThrust = e.opts.Thrust.Map(y), true
	}

	y, ok, err = e.Raw(HeadTurnRate, x)
	if err != nil {
		return ManeuverAction{}, err
	}
	if ok {
		a.TurnRate, a.HasTurnRate = e.opts.TurnRate.Map(y), true
	}
	return a, nil
}

// Combat evaluates the fire and drop_mine heads against threshold. A
// threshold outside (0, 1) uses the engine's configured threshold. On a shape
// mismatch it returns the neutral action with an error wrapping
// ErrFeatureCount.
func (e *Engine) Combat(x []float64, threshold float64) (CombatAction, error) {
	if threshold <= 0 || threshold >= 1 {
		threshold = e.opts.FireThreshold
	}

	var a CombatAction
	p, ok, err := e.Probability(HeadFire, x)
	if err != nil {
		return CombatAction{}, err
	}
	if ok {
		a.Fire, a.HasFire = p >= threshold, true
	}

	p, ok, err = e.Probability(HeadDropMine, x)
	if err != nil {
		return CombatAction{}, err
	}
	if ok {
		a.DropMine, a.HasDropMine = p >= threshold, true
	}
	return a, nil
}

// Normalize applies the named head's frozen statistics to x.
func (e *Engine) Normalize(name string, x []float64) ([]float64, error) {
	h, err := e.head(name, len(x))
	if err != nil {
		return nil, err
	}
	z := make([]float64, len(x))
	h.stats.Normalize(z, x)
	return z, nil
}

// Denormalize inverts Normalize for the named head.
func (e *Engine) Denormalize(name string, z []float64) ([]float64, error) {
	h, err := e.head(name, len(z))
	if err != nil {
		return nil, err
	}
	x := make([]float64, len(z))
	h.stats.Denormalize(x, z)
	return x, nil
}

func (e *Engine) head(name string, n int) (*head, error) {
	i, ok := e.headIndex[name]
	if !ok {
		return nil, fmt.Errorf("head %q not in bundle", name)
	}
	h := e.heads[i]
	if n != h.model.NumInputs() {
		return nil, fmt.Errorf("%w: head %q got %d features, want %d", ErrFeatureCount, name, n, h.model.NumInputs())
	}
	return h, nil
}

func (e *Engine) eval(i int, x []float64) (float64, error) {
	h := e.heads[i]
	if len(x) != h.model.NumInputs() {
		return 0, fmt.Errorf("%w: head %q got %d features, want %d", ErrFeatureCount, h.name, len(x), h.model.NumInputs())
	}

	s := e.pool.Get().(*scratch)
	defer e.pool.Put(s)

	z := s.z[:len(x)]
	h.stats.Normalize(z, x)
	return h.model.Forward(z, s.heads[i]), nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	ex := math.Exp(x)
	return ex / (1 + ex)
}
