// Package telemetry records training progress and control-loop behavior:
// epoch and trace CSVs, a SQLite run history, and tick latency statistics.
package telemetry

import (
	"log/slog"
	"time"
)

// Run status values.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// RunRecord describes one training run.
type RunRecord struct {
	ID           string
	Task         string
	Rows         int
	Features     int
	NumMFs       int
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         int64
	Output       string
	Status       string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// LogValue implements slog.LogValuer for structured logging.
func (r RunRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID),
		slog.String("task", r.Task),
		slog.Int("rows", r.Rows),
		slog.Int("features", r.Features),
		slog.Int("num_mfs", r.NumMFs),
		slog.Int("epochs", r.Epochs),
		slog.Int64("seed", r.Seed),
		slog.String("status", r.Status),
	)
}

// EpochRecord is one epoch of one head.
type EpochRecord struct {
	RunID     string  `csv:"run_id"`
	Task      string  `csv:"task"`
	Head      string  `csv:"head"`
	Epoch     int     `csv:"epoch"`
	TrainLoss float64 `csv:"train_loss"`
	ValLoss   float64 `csv:"val_loss"`
	Best      bool    `csv:"best"`
	ElapsedMS int64   `csv:"elapsed_ms"`
}

// LogValue implements slog.LogValuer for structured logging.
func (r EpochRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("head", r.Head),
		slog.Int("epoch", r.Epoch),
		slog.Float64("train_loss", r.TrainLoss),
		slog.Float64("val_loss", r.ValLoss),
		slog.Bool("best", r.Best),
	)
}
