package infer

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/features"
	"github.com/pthm-cable/sugeno/telemetry"
)

// errorLogEvery limits per-tick error logging to one line per this many errors.
const errorLogEvery = 1000

// Recorder receives every decision the controller makes.
type Recorder interface {
	Record(rec telemetry.TraceRecord) error
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	FireThreshold float64  // 0 uses the combat engine's threshold
	Recorder      Recorder // optional decision trace
	Logger        *slog.Logger
}

// Action is one tick of ship commands. Absent heads leave their field at the
// neutral zero value.
type Action struct {
	Thrust   float64 // accel units, clamped to the thrust range
	TurnRate float64 // deg/s, clamped to the turn rate range
	Fire     bool
	DropMine bool
}

// LogValue implements slog.LogValuer.
func (a Action) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("thrust", a.Thrust),
		slog.Float64("turn_rate", a.TurnRate),
		slog.Bool("fire", a.Fire),
		slog.Bool("drop_mine", a.DropMine),
	)
}

// Controller combines a maneuver and a combat engine into a per-tick policy.
// It is safe for concurrent use by many ships.
type Controller struct {
	maneuver *Engine
	combat   *Engine

	maneuverLayout features.Layout
	combatLayout   features.Layout

	threshold float64
	recorder  Recorder
	log       *slog.Logger

	errCount atomic.Int64
}

// NewController resolves each engine's feature columns against the feature
// extractor. A nil engine is treated as neutral.
func NewController(maneuver, combat *Engine, opts ControllerOptions) (*Controller, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if maneuver == nil {
		maneuver = Neutral(config.TaskManeuver, Options{Logger: log})
	}
	if combat == nil {
		combat = Neutral(config.TaskCombat, Options{Logger: log})
	}

	ml, err := layoutFor(maneuver)
	if err != nil {
		return nil, fmt.Errorf("maneuver bundle: %w", err)
	}
	cl, err := layoutFor(combat)
	if err != nil {
		return nil, fmt.Errorf("combat bundle: %w", err)
	}

	return &Controller{
		maneuver:       maneuver,
		combat:         combat,
		maneuverLayout: ml,
		combatLayout:   cl,
		threshold:      opts.FireThreshold,
		recorder:       opts.Recorder,
		log:            log,
	}, nil
}

func layoutFor(e *Engine) (features.Layout, error) {
	cols := e.FeatureColumns()
	if len(cols) == 0 {
		return features.DefaultLayout(), nil
	}
	return features.NewLayout(cols)
}

// Act computes features for ship and returns its commands. Inference errors
// yield neutral commands for the affected engine and are logged.
func (c *Controller) Act(ship features.Ship, asteroids []features.Asteroid) Action {
	v := features.Compute(ship, asteroids)
	return c.ActOn(&v)
}

// ActOn is Act for a precomputed feature vector.
func (c *Controller) ActOn(v *features.Vector) Action {
	// Layouts reference distinct feature names, so NumFeatures always fits
	var buf [features.NumFeatures]float64
	var a Action

	x := buf[:c.maneuverLayout.Len()]
	c.maneuverLayout.Fill(x, v)
	m, err := c.maneuver.Maneuver(x)
	if err != nil {
		c.logError("maneuver", err)
	}
	a.Thrust, a.TurnRate = m.Thrust, m.TurnRate

	x = buf[:c.combatLayout.Len()]
	c.combatLayout.Fill(x, v)
	k, err := c.combat.Combat(x, c.threshold)
	if err != nil {
		c.logError("combat", err)
	}
	a.Fire, a.DropMine = k.Fire, k.DropMine

	if c.recorder != nil {
		if err := c.recorder.Record(Trace(v, a)); err != nil {
			c.logError("trace", err)
		}
	}
	return a
}

// Errors returns the number of inference errors seen so far.
func (c *Controller) Errors() int64 { return c.errCount.Load() }

func (c *Controller) logError(stage string, err error) {
	n := c.errCount.Add(1)
	if n%errorLogEvery == 1 {
		c.log.Error("controller error, using neutral output", "stage", stage, "error", err, "count", n)
	}
}

// Trace pairs a feature vector with the action taken on it.
func Trace(v *features.Vector, a Action) telemetry.TraceRecord {
	return telemetry.TraceRecord{
		Dist:          v[features.Dist],
		TTC:           v[features.TTC],
		HeadingErr:    v[features.HeadingErr],
		ApproachSpeed: v[features.ApproachSpeed],
		Ammo:          v[features.Ammo],
		Mines:         v[features.Mines],
		ThreatDensity: v[features.ThreatDensity],
		ThreatAngle:   v[features.ThreatAngle],
		Thrust:        a.Thrust,
		TurnRate:      a.TurnRate,
		Fire:          a.Fire,
		DropMine:      a.DropMine,
	}
}
