package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gocarina/gocsv"
)

// TraceRecord is one controller decision: the raw features it saw and the
// actions it produced.
type TraceRecord struct {
	Dist          float64
	TTC           float64
	HeadingErr    float64
	ApproachSpeed float64
	Ammo          float64
	Mines         float64
	ThreatDensity float64
	ThreatAngle   float64

	Thrust   float64
	TurnRate float64
	Fire     bool
	DropMine bool
}

// ManeuverRow is a trace row laid out as a maneuver training CSV.
type ManeuverRow struct {
	Dist          float64 `csv:"dist"`
	TTC           float64 `csv:"ttc"`
	HeadingErr    float64 `csv:"heading_err"`
	ApproachSpeed float64 `csv:"approach_speed"`
	Ammo          float64 `csv:"ammo"`
	Mines         float64 `csv:"mines"`
	ThreatDensity float64 `csv:"threat_density"`
	ThreatAngle   float64 `csv:"threat_angle"`
	Thrust        float64 `csv:"thrust"`
	TurnRate      float64 `csv:"turn_rate"`
}

// CombatRow is a trace row laid out as a combat training CSV.
type CombatRow struct {
	Dist          float64 `csv:"dist"`
	TTC           float64 `csv:"ttc"`
	HeadingErr    float64 `csv:"heading_err"`
	ApproachSpeed float64 `csv:"approach_speed"`
	Ammo          float64 `csv:"ammo"`
	Mines         float64 `csv:"mines"`
	ThreatDensity float64 `csv:"threat_density"`
	ThreatAngle   float64 `csv:"threat_angle"`
	Fire          float64 `csv:"fire"`
	DropMine      float64 `csv:"drop_mine"`
}

// ManeuverRow projects r onto the maneuver CSV layout.
func (r TraceRecord) ManeuverRow() ManeuverRow {
	return ManeuverRow{
		Dist: r.Dist, TTC: r.TTC, HeadingErr: r.HeadingErr, ApproachSpeed: r.ApproachSpeed,
		Ammo: r.Ammo, Mines: r.Mines, ThreatDensity: r.ThreatDensity, ThreatAngle: r.ThreatAngle,
		Thrust: r.Thrust, TurnRate: r.TurnRate,
	}
}

// CombatRow projects r onto the combat CSV layout.
func (r TraceRecord) CombatRow() CombatRow {
	return CombatRow{
		Dist: r.Dist, TTC: r.TTC, HeadingErr: r.HeadingErr, ApproachSpeed: r.ApproachSpeed,
		Ammo: r.Ammo, Mines: r.Mines, ThreatDensity: r.ThreatDensity, ThreatAngle: r.ThreatAngle,
		Fire: boolToFloat(r.Fire), DropMine: boolToFloat(r.DropMine),
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// TraceWriter appends controller decisions to maneuver.csv and combat.csv in
// a directory. Both files are valid training input for their task. It is
// safe for concurrent use.
type TraceWriter struct {
	mu sync.Mutex

	maneuverFile *os.File
	combatFile   *os.File

	maneuverHeaderWritten bool
	combatHeaderWritten   bool
	rows                  int
}

// NewTraceWriter creates dir and the two trace files inside it.
func NewTraceWriter(dir string) (*TraceWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating trace directory: %w", err)
	}

	tw := &TraceWriter{}
	f, err := os.Create(filepath.Join(dir, "maneuver.csv"))
	if err != nil {
		return nil, fmt.Errorf("creating maneuver trace: %w", err)
	}
	tw.maneuverFile = f

	f, err = os.Create(filepath.Join(dir, "combat.csv"))
	if err != nil {
		tw.maneuverFile.Close()
		return nil, fmt.Errorf("creating combat trace: %w", err)
	}
	tw.combatFile = f
	return tw, nil
}

// Record appends one decision to both trace files.
func (tw *TraceWriter) Record(rec TraceRecord) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := writeRecords(tw.maneuverFile, []ManeuverRow{rec.ManeuverRow()}, &tw.maneuverHeaderWritten, "maneuver trace"); err != nil {
		return err
	}
	if err := writeRecords(tw.combatFile, []CombatRow{rec.CombatRow()}, &tw.combatHeaderWritten, "combat trace"); err != nil {
		return err
	}
	tw.rows++
	return nil
}

// Rows returns the number of decisions recorded.
func (tw *TraceWriter) Rows() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.rows
}

// Close closes both trace files.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	err := tw.maneuverFile.Close()
	if cerr := tw.combatFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadManeuverTrace loads a maneuver trace file.
func ReadManeuverTrace(path string) ([]ManeuverRow, error) {
	var rows []ManeuverRow
	if err := readCSV(path, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ReadCombatTrace loads a combat trace file.
func ReadCombatTrace(path string) ([]CombatRow, error) {
	var rows []CombatRow
	if err := readCSV(path, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func readCSV(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening csv: %w", err)
	}
	defer f.Close()

	if err := gocsv.UnmarshalFile(f, out); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}
