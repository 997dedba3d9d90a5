package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/sugeno/config"
)

// OutputManager writes a run's CSV logs and config snapshot to a directory.
type OutputManager struct {
	dir       string
	epochFile *os.File
	tickFile  *os.File

	// Track if headers have been written
	epochHeaderWritten bool
	tickHeaderWritten  bool
}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled).
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir}

	f, err := os.Create(filepath.Join(dir, "epochs.csv"))
	if err != nil {
		return nil, fmt.Errorf("creating epochs.csv: %w", err)
	}
	om.epochFile = f

	f, err = os.Create(filepath.Join(dir, "ticks.csv"))
	if err != nil {
		om.epochFile.Close()
		return nil, fmt.Errorf("creating ticks.csv: %w", err)
	}
	om.tickFile = f

	return om, nil
}

// WriteConfig saves the effective configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, "config.yaml"))
}

// ObserveEpoch appends an epoch record to epochs.csv.
func (om *OutputManager) ObserveEpoch(rec EpochRecord) error {
	if om == nil {
		return nil
	}
	return writeRecords(om.epochFile, []EpochRecord{rec}, &om.epochHeaderWritten, "epoch")
}

// WriteTick appends a tick statistics record to ticks.csv.
func (om *OutputManager) WriteTick(stats TickStats, tick int) error {
	if om == nil {
		return nil
	}
	return writeRecords(om.tickFile, []TickStatsCSV{stats.ToCSV(tick)}, &om.tickHeaderWritten, "tick stats")
}

// writeRecords marshals records to f, with a header only on the first call.
func writeRecords(f *os.File, records any, headerWritten *bool, what string) error {
	if !*headerWritten {
		if err := gocsv.Marshal(records, f); err != nil {
			return fmt.Errorf("writing %s: %w", what, err)
		}
		*headerWritten = true
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(records, f); err != nil {
		return fmt.Errorf("writing %s: %w", what, err)
	}
	return nil
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}

	var firstErr error
	for _, f := range []*os.File{om.epochFile, om.tickFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadEpochs loads an epochs.csv written by an OutputManager.
func ReadEpochs(path string) ([]EpochRecord, error) {
	var records []EpochRecord
	if err := readCSV(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}
