package train

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/telemetry"
)

// Configuration errors. Training reports the first one it finds and never
// starts.
var (
	ErrInvalidOptions = errors.New("train: invalid options")
	ErrTargetRange    = errors.New("train: binary target outside [0, 1]")
	ErrDiverged       = errors.New("train: parameters became non-finite")
)

// Observer receives one record per completed epoch.
type Observer interface {
	ObserveEpoch(rec telemetry.EpochRecord) error
}

// RunObserver is an Observer that is also told when a run starts and ends.
type RunObserver interface {
	Observer
	ObserveRun(rec telemetry.RunRecord) error
}

// Options controls a training run.
type Options struct {
	Task         string
	NumMFs       int
	Epochs       int
	BatchSize    int
	LearningRate float64
	ValFraction  float64
	Seed         int64 // 0 picks a time-based seed
	Workers      int   // 0 uses GOMAXPROCS

	Logger    *slog.Logger
	Observers []Observer
}

// OptionsFromConfig builds Options for task from the train config section.
func OptionsFromConfig(task string, cfg config.TrainConfig) Options {
	return Options{
		Task:         task,
		NumMFs:       cfg.NumMFs,
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		ValFraction:  cfg.ValFraction,
		Seed:         cfg.Seed,
		Workers:      cfg.Workers,
	}
}

// Validate reports the first invalid option.
func (o Options) Validate() error {
	if _, err := LossFor(o.Task); err != nil {
		return err
	}
	switch {
	case o.NumMFs < 1:
		return fmt.Errorf("%w: num_mfs must be >= 1, got %d", ErrInvalidOptions, o.NumMFs)
	case o.Epochs < 1:
		return fmt.Errorf("%w: epochs must be >= 1, got %d", ErrInvalidOptions, o.Epochs)
	case o.BatchSize < 1:
		return fmt.Errorf("%w: batch_size must be >= 1, got %d", ErrInvalidOptions, o.BatchSize)
	case !(o.LearningRate > 0) || math.IsInf(o.LearningRate, 0):
		return fmt.Errorf("%w: learning_rate must be positive, got %v", ErrInvalidOptions, o.LearningRate)
	case !(o.ValFraction >= 0 && o.ValFraction < 1):
		return fmt.Errorf("%w: val_fraction must be in [0, 1), got %v", ErrInvalidOptions, o.ValFraction)
	case o.Workers < 0:
		return fmt.Errorf("%w: workers must be >= 0, got %d", ErrInvalidOptions, o.Workers)
	}
	return nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
