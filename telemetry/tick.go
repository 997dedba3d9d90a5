package telemetry

import (
	"log/slog"
	"sort"
	"time"
)

// Phase names for one control-loop tick.
const (
	PhaseSnapshot  = "snapshot"
	PhaseInference = "inference"
	PhaseApply     = "apply"
	PhaseTrace     = "trace"
)

var phaseOrder = []string{PhaseSnapshot, PhaseInference, PhaseApply, PhaseTrace}

// TickSample holds timing data for a single tick.
type TickSample struct {
	TickDuration time.Duration
	Phases       map[string]time.Duration
}

// TickCollector tracks control-loop latency over a rolling window.
// It is driven from one goroutine.
type TickCollector struct {
	windowSize    int
	samples       []TickSample
	writeIndex    int
	sampleCount   int
	currentPhases map[string]time.Duration
	tickStart     time.Time
	phaseStart    time.Time
	lastPhase     string
}

// NewTickCollector creates a collector averaging over windowSize ticks
// (60 is one second at 60 Hz).
func NewTickCollector(windowSize int) *TickCollector {
	if windowSize < 1 {
		windowSize = 60
	}
	return &TickCollector{
		windowSize:    windowSize,
		samples:       make([]TickSample, windowSize),
		currentPhases: make(map[string]time.Duration),
	}
}

// StartTick begins timing a new tick.
func (c *TickCollector) StartTick() {
	c.tickStart = time.Now()
	c.currentPhases = make(map[string]time.Duration, len(phaseOrder))
	c.lastPhase = ""
}

// StartPhase begins timing a phase, ending the previous one.
func (c *TickCollector) StartPhase(phase string) {
	now := time.Now()
	if c.lastPhase != "" {
		c.currentPhases[c.lastPhase] += now.Sub(c.phaseStart)
	}
	c.phaseStart = now
	c.lastPhase = phase
}

// EndTick finishes timing the current tick and records the sample.
func (c *TickCollector) EndTick() {
	now := time.Now()
	if c.lastPhase != "" {
		c.currentPhases[c.lastPhase] += now.Sub(c.phaseStart)
	}
	c.Record(TickSample{
		TickDuration: now.Sub(c.tickStart),
		Phases:       c.currentPhases,
	})
}

// Record adds a sample measured elsewhere.
func (c *TickCollector) Record(s TickSample) {
	c.samples[c.writeIndex] = s
	c.writeIndex = (c.writeIndex + 1) % c.windowSize
	if c.sampleCount < c.windowSize {
		c.sampleCount++
	}
}

// TickStats holds aggregated latency statistics for the current window.
type TickStats struct {
	Samples int
	Avg     time.Duration
	Min     time.Duration
	Max     time.Duration
	P50     time.Duration
	P99     time.Duration

	// Average phase durations and their share of the average tick
	PhaseAvg map[string]time.Duration
	PhasePct map[string]float64

	TicksPerSecond float64
}

// Stats computes aggregated statistics over the current window.
func (c *TickCollector) Stats() TickStats {
	if c.sampleCount == 0 {
		return TickStats{
			PhaseAvg: make(map[string]time.Duration),
			PhasePct: make(map[string]float64),
		}
	}

	var total time.Duration
	var minTick, maxTick time.Duration
	phaseSum := make(map[string]time.Duration)
	durations := make([]float64, c.sampleCount)

	for i := 0; i < c.sampleCount; i++ {
		s := c.samples[i]
		total += s.TickDuration
		durations[i] = float64(s.TickDuration)

		if i == 0 || s.TickDuration < minTick {
			minTick = s.TickDuration
		}
		if s.TickDuration > maxTick {
			maxTick = s.TickDuration
		}
		for phase, d := range s.Phases {
			phaseSum[phase] += d
		}
	}
	sort.Float64s(durations)

	avg := total / time.Duration(c.sampleCount)
	phaseAvg := make(map[string]time.Duration, len(phaseSum))
	phasePct := make(map[string]float64, len(phaseSum))
	for phase, sum := range phaseSum {
		phaseAvg[phase] = sum / time.Duration(c.sampleCount)
		if avg > 0 {
			phasePct[phase] = float64(phaseAvg[phase]) / float64(avg) * 100
		}
	}

	var tps float64
	if avg > 0 {
		tps = float64(time.Second) / float64(avg)
	}

	return TickStats{
		Samples:        c.sampleCount,
		Avg:            avg,
		Min:            minTick,
		Max:            maxTick,
		P50:            time.Duration(Percentile(durations, 0.50)),
		P99:            time.Duration(Percentile(durations, 0.99)),
		PhaseAvg:       phaseAvg,
		PhasePct:       phasePct,
		TicksPerSecond: tps,
	}
}

// WithinBudget reports whether the p99 tick fits in budget.
func (s TickStats) WithinBudget(budget time.Duration) bool {
	return s.P99 <= budget
}

// LogValue implements slog.LogValuer for structured logging.
func (s TickStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("samples", s.Samples),
		slog.Int64("avg_tick_us", s.Avg.Microseconds()),
		slog.Int64("min_tick_us", s.Min.Microseconds()),
		slog.Int64("max_tick_us", s.Max.Microseconds()),
		slog.Int64("p50_tick_us", s.P50.Microseconds()),
		slog.Int64("p99_tick_us", s.P99.Microseconds()),
		slog.Float64("ticks_per_sec", s.TicksPerSecond),
	}
	for _, phase := range phaseOrder {
		if pct, ok := s.PhasePct[phase]; ok {
			attrs = append(attrs, slog.Float64(phase+"_pct", pct))
		}
	}
	return slog.GroupValue(attrs...)
}

// TickStatsCSV is a flat struct for CSV export of tick statistics.
type TickStatsCSV struct {
	Tick         int     `csv:"tick"`
	AvgTickUS    int64   `csv:"avg_tick_us"`
	P50TickUS    int64   `csv:"p50_tick_us"`
	P99TickUS    int64   `csv:"p99_tick_us"`
	MaxTickUS    int64   `csv:"max_tick_us"`
	TicksPerSec  float64 `csv:"ticks_per_sec"`
	SnapshotPct  float64 `csv:"snapshot_pct"`
	InferencePct float64 `csv:"inference_pct"`
	ApplyPct     float64 `csv:"apply_pct"`
	TracePct     float64 `csv:"trace_pct"`
}

// ToCSV converts TickStats to a flat CSV-friendly struct.
func (s TickStats) ToCSV(tick int) TickStatsCSV {
	return TickStatsCSV{
		Tick:         tick,
		AvgTickUS:    s.Avg.Microseconds(),
		P50TickUS:    s.P50.Microseconds(),
		P99TickUS:    s.P99.Microseconds(),
		MaxTickUS:    s.Max.Microseconds(),
		TicksPerSec:  s.TicksPerSecond,
		SnapshotPct:  s.PhasePct[PhaseSnapshot],
		InferencePct: s.PhasePct[PhaseInference],
		ApplyPct:     s.PhasePct[PhaseApply],
		TracePct:     s.PhasePct[PhaseTrace],
	}
}
