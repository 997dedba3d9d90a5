// Package fleet runs many controlled ships against drifting asteroids on an
// ark ECS world. Every ship shares one read-only policy; inference runs in
// parallel chunks and results are applied single-threaded in query order, so
// a run is deterministic for a given seed regardless of worker count.
package fleet

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"slices"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/sugeno/components"
	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/features"
	"github.com/pthm-cable/sugeno/infer"
	"github.com/pthm-cable/sugeno/systems"
	"github.com/pthm-cable/sugeno/telemetry"
)

// Rock speed range for spawned asteroids.
const (
	minRockSpeed = 20.0
	maxRockSpeed = 80.0
)

// Policy maps one frame of features to ship commands. It must be safe for
// concurrent use.
type Policy interface {
	ActOn(v *features.Vector) infer.Action
}

// TickWriter receives latency statistics once per tick window.
type TickWriter interface {
	WriteTick(stats telemetry.TickStats, tick int) error
}

// Options configures a Sandbox.
type Options struct {
	Seed       int64
	Workers    int // 0 uses GOMAXPROCS
	TickWindow int
	Recorder   infer.Recorder
	TickWriter TickWriter
	Logger     *slog.Logger
}

// shipSnapshot is the read-only view of one ship during inference.
type shipSnapshot struct {
	entity ecs.Entity
	kin    components.Kinematics
	arm    components.Armament
}

var (
	_ features.Ship     = (*shipSnapshot)(nil)
	_ features.Asteroid = (*components.Rock)(nil)
)

func (s *shipSnapshot) Position() (float64, float64) { return s.kin.X, s.kin.Y }
func (s *shipSnapshot) Velocity() (float64, float64) { return s.kin.VX, s.kin.VY }
func (s *shipSnapshot) Heading() float64             { return s.kin.Heading }
func (s *shipSnapshot) Ammo() int                    { return s.arm.Ammo }
func (s *shipSnapshot) Mines() int                   { return s.arm.Mines }

// ShipState is a copy of one ship's components.
type ShipState struct {
	Ship       components.Ship
	Kinematics components.Kinematics
	Armament   components.Armament
	Controls   components.Controls
}

// Result summarises a Run.
type Result struct {
	Ticks        int
	Ships        int
	Shots        int
	MinesDropped int
	TraceErrors  int
	Latency      telemetry.TickStats
}

// LogValue implements slog.LogValuer.
func (r Result) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("ticks", r.Ticks),
		slog.Int("ships", r.Ships),
		slog.Int("shots", r.Shots),
		slog.Int("mines_dropped", r.MinesDropped),
		slog.Int("trace_errors", r.TraceErrors),
		slog.Any("latency", r.Latency),
	)
}

// Sandbox owns the ECS world and the per-tick buffers.
type Sandbox struct {
	cfg    config.SandboxConfig
	policy Policy
	opts   Options
	log    *slog.Logger
	rng    *rand.Rand

	world      *ecs.World
	shipMapper *ecs.Map4[components.Kinematics, components.Armament, components.Controls, components.Ship]
	shipFilter *ecs.Filter4[components.Kinematics, components.Armament, components.Controls, components.Ship]
	rockMapper *ecs.Map1[components.Rock]
	rockFilter *ecs.Filter1[components.Rock]
	kinMap     *ecs.Map1[components.Kinematics]
	armMap     *ecs.Map1[components.Armament]
	ctlMap     *ecs.Map1[components.Controls]
	shipMap    *ecs.Map1[components.Ship]

	integrator systems.Integrator
	drift      *systems.DriftSystem
	ticks      *telemetry.TickCollector
	pool       *workerPool

	snapshots []shipSnapshot
	vectors   []features.Vector
	intents   []infer.Action
	rocks     []components.Rock
	asteroids []features.Asteroid

	nextID      uint32
	tick        int
	traceErrors int
}

// New creates a sandbox and spawns cfg.Ships ships and cfg.Asteroids
// asteroids at seeded random positions.
func New(cfg config.SandboxConfig, policy Policy, opts Options) (*Sandbox, error) {
	if policy == nil {
		return nil, errors.New("fleet: nil policy")
	}
	if cfg.WorldWidth <= 0 || cfg.WorldHeight <= 0 {
		return nil, fmt.Errorf("fleet: world must be positive, got %gx%g", cfg.WorldWidth, cfg.WorldHeight)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	world := ecs.NewWorld()
	bounds := systems.Bounds{Width: cfg.WorldWidth, Height: cfg.WorldHeight}
	s := &Sandbox{
		cfg:    cfg,
		policy: policy,
		opts:   opts,
		log:    log,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		world:  world,
		shipMapper: ecs.NewMap4[
			components.Kinematics,
			components.Armament,
			components.Controls,
			components.Ship,
		](world),
		shipFilter: ecs.NewFilter4[
			components.Kinematics,
			components.Armament,
			components.Controls,
			components.Ship,
		](world),
		rockMapper: ecs.NewMap1[components.Rock](world),
		rockFilter: ecs.NewFilter1[components.Rock](world),
		kinMap:     ecs.NewMap1[components.Kinematics](world),
		armMap:     ecs.NewMap1[components.Armament](world),
		ctlMap:     ecs.NewMap1[components.Controls](world),
		shipMap:    ecs.NewMap1[components.Ship](world),
		integrator: systems.Integrator{Bounds: bounds, MaxSpeed: cfg.MaxSpeed},
		drift:      systems.NewDriftSystem(world, bounds),
		ticks:      telemetry.NewTickCollector(opts.TickWindow),
		pool:       newWorkerPool(opts.Workers),
	}

	for range cfg.Ships {
		s.AddShip(components.Kinematics{
			X:       s.rng.Float64() * cfg.WorldWidth,
			Y:       s.rng.Float64() * cfg.WorldHeight,
			Heading: s.rng.Float64() * 2 * math.Pi,
		}, components.Armament{Ammo: cfg.Ammo, Mines: cfg.Mines})
	}
	for range cfg.Asteroids {
		angle := s.rng.Float64() * 2 * math.Pi
		speed := minRockSpeed + s.rng.Float64()*(maxRockSpeed-minRockSpeed)
		s.AddRock(components.Rock{
			X:  s.rng.Float64() * cfg.WorldWidth,
			Y:  s.rng.Float64() * cfg.WorldHeight,
			VX: math.Cos(angle) * speed,
			VY: math.Sin(angle) * speed,
		})
	}
	return s, nil
}

// AddShip spawns a ship and returns its ID.
func (s *Sandbox) AddShip(k components.Kinematics, a components.Armament) uint32 {
	s.nextID++
	ctl := components.Controls{}
	ship := components.Ship{ID: s.nextID}
	s.shipMapper.NewEntity(&k, &a, &ctl, &ship)
	return ship.ID
}

// AddRock spawns an asteroid.
func (s *Sandbox) AddRock(r components.Rock) {
	s.rockMapper.NewEntity(&r)
}

// Tick returns the number of completed ticks.
func (s *Sandbox) Tick() int { return s.tick }

// Latency returns the tick latency statistics for the current window.
func (s *Sandbox) Latency() telemetry.TickStats { return s.ticks.Stats() }

// Step advances the world by dt seconds.
func (s *Sandbox) Step(dt float64) {
	s.ticks.StartTick()

	s.ticks.StartPhase(telemetry.PhaseSnapshot)
	s.snapshot()

	s.ticks.StartPhase(telemetry.PhaseInference)
	if n := len(s.snapshots); n < parallelThreshold || s.pool.numWorkers == 1 {
		s.computeChunk(0, n)
	} else {
		s.computeParallel(n)
	}

	s.ticks.StartPhase(telemetry.PhaseApply)
	s.apply(dt)
	s.drift.Update(dt)

	s.ticks.StartPhase(telemetry.PhaseTrace)
	s.trace()

	s.ticks.EndTick()
	s.tick++
}

// snapshot copies ship and asteroid state for the inference phase.
func (s *Sandbox) snapshot() {
	s.snapshots = s.snapshots[:0]
	query := s.shipFilter.Query()
	for query.Next() {
		kin, arm, _, _ := query.Get()
		s.snapshots = append(s.snapshots, shipSnapshot{
			entity: query.Entity(),
			kin:    *kin,
			arm:    *arm,
		})
	}

	s.rocks = s.rocks[:0]
	rq := s.rockFilter.Query()
	for rq.Next() {
		s.rocks = append(s.rocks, *rq.Get())
	}
	// Pointers are taken after the slice stops growing
	s.asteroids = s.asteroids[:0]
	for i := range s.rocks {
		s.asteroids = append(s.asteroids, &s.rocks[i])
	}

	n := len(s.snapshots)
	if cap(s.intents) < n {
		s.intents = make([]infer.Action, n)
		s.vectors = make([]features.Vector, n)
	}
	s.intents = s.intents[:n]
	s.vectors = s.vectors[:n]
}

// apply writes the computed commands back to ECS components.
func (s *Sandbox) apply(dt float64) {
	for i, snap := range s.snapshots {
		a := s.intents[i]

		kin := s.kinMap.Get(snap.entity)
		arm := s.armMap.Get(snap.entity)
		ctl := s.ctlMap.Get(snap.entity)
		ship := s.shipMap.Get(snap.entity)
		if kin == nil || arm == nil || ctl == nil || ship == nil {
			continue
		}

		*ctl = components.Controls{
			Thrust:   a.Thrust,
			TurnRate: a.TurnRate,
			Fire:     a.Fire,
			DropMine: a.DropMine,
		}
		systems.Spend(arm, ship, ctl)
		s.integrator.Steer(kin, *ctl, dt)
	}
}

// trace records every decision of the tick in ship order.
func (s *Sandbox) trace() {
	if s.opts.Recorder == nil {
		return
	}
	for i := range s.snapshots {
		if err := s.opts.Recorder.Record(infer.Trace(&s.vectors[i], s.intents[i])); err != nil {
			s.traceErrors++
			if s.traceErrors == 1 {
				s.log.Error("trace write failed", "tick", s.tick, "error", err)
			}
		}
	}
}

// Run steps the sandbox ticks times with the configured dt, writing tick
// statistics once per window. It stops early if ctx is cancelled.
func (s *Sandbox) Run(ctx context.Context, ticks int) (Result, error) {
	window := s.opts.TickWindow
	if window < 1 {
		window = 60
	}
	dt := s.cfg.DT
	if dt <= 0 {
		dt = 1.0 / 30
	}

	for range ticks {
		if err := ctx.Err(); err != nil {
			return s.result(), fmt.Errorf("sandbox stopped at tick %d: %w", s.tick, err)
		}
		s.Step(dt)

		if s.tick%window == 0 {
			stats := s.ticks.Stats()
			s.log.Debug("tick window", "tick", s.tick, "latency", stats)
			if s.opts.TickWriter != nil {
				if err := s.opts.TickWriter.WriteTick(stats, s.tick); err != nil {
					return s.result(), fmt.Errorf("writing tick stats: %w", err)
				}
			}
		}
	}
	return s.result(), nil
}

func (s *Sandbox) result() Result {
	r := Result{
		Ticks:       s.tick,
		TraceErrors: s.traceErrors,
		Latency:     s.ticks.Stats(),
	}
	query := s.shipFilter.Query()
	for query.Next() {
		_, _, _, ship := query.Get()
		r.Ships++
		r.Shots += ship.Shots
		r.MinesDropped += ship.MinesDropped
	}
	return r
}

// Ships returns a copy of every ship's state in ID order.
func (s *Sandbox) Ships() []ShipState {
	var out []ShipState
	query := s.shipFilter.Query()
	for query.Next() {
		kin, arm, ctl, ship := query.Get()
		out = append(out, ShipState{Ship: *ship, Kinematics: *kin, Armament: *arm, Controls: *ctl})
	}
	slices.SortFunc(out, func(a, b ShipState) int { return cmp.Compare(a.Ship.ID, b.Ship.ID) })
	return out
}

// Rocks returns a copy of every asteroid.
func (s *Sandbox) Rocks() []components.Rock {
	var out []components.Rock
	query := s.rockFilter.Query()
	for query.Next() {
		out = append(out, *query.Get())
	}
	return out
}

// Close stops the worker pool.
func (s *Sandbox) Close() {
	s.pool.stop()
}
