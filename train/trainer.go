// Package train fits one Sugeno head per target column and checkpoints the
// best validation state of every head into a bundle.
package train

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/sugeno/bundle"
	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/dataset"
	"github.com/pthm-cable/sugeno/fuzzy"
	"github.com/pthm-cable/sugeno/telemetry"
)

// HeadResult summarizes the training of one head.
type HeadResult struct {
	BestEpoch      int
	BestValLoss    float64
	FinalTrainLoss float64
	Duration       time.Duration
}

// LogValue implements slog.LogValuer for structured logging.
func (h HeadResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("best_epoch", h.BestEpoch),
		slog.Float64("best_val_loss", h.BestValLoss),
		slog.Float64("final_train_loss", h.FinalTrainLoss),
		slog.Int64("duration_ms", h.Duration.Milliseconds()),
	)
}

// Result is the outcome of a training run.
type Result struct {
	RunID  string
	Bundle *bundle.Bundle
	Heads  map[string]HeadResult
}

// Trainer runs training for one task.
type Trainer struct {
	opts Options
	log  *slog.Logger
	loss Loss
}

// New validates opts and returns a Trainer.
func New(opts Options) (*Trainer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	loss, err := LossFor(opts.Task)
	if err != nil {
		return nil, err
	}
	if opts.Workers == 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Trainer{opts: opts, log: opts.logger(), loss: loss}, nil
}

// Run trains every target column of ds in order and writes the bundle to
// outPath each time a head improves its validation loss. All dataset checks
// happen before the first epoch, so a configuration error never leaves a
// partial bundle behind.
func (t *Trainer) Run(ctx context.Context, ds *dataset.Dataset, outPath string) (*Result, error) {
	if err := t.check(ds); err != nil {
		return nil, err
	}

	seed := t.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	run := telemetry.RunRecord{
		ID:           uuid.NewString(),
		Task:         t.opts.Task,
		Rows:         ds.Rows(),
		Features:     ds.NumFeatures(),
		NumMFs:       t.opts.NumMFs,
		Epochs:       t.opts.Epochs,
		BatchSize:    t.opts.BatchSize,
		LearningRate: t.opts.LearningRate,
		Seed:         seed,
		Output:       outPath,
		Status:       telemetry.StatusRunning,
		StartedAt:    time.Now().UTC(),
	}
	t.log.Info("training started", "run", run)
	t.notifyRun(run)

	stats := dataset.ComputeStats(ds.X)
	t.log.Info("normalization frozen", "stats", stats)
	z := stats.NormalizeMatrix(ds.X)

	res := &Result{
		RunID:  run.ID,
		Bundle: bundle.New(t.opts.Task),
		Heads:  make(map[string]HeadResult, len(ds.TargetCols)),
	}

	for i, head := range ds.TargetCols {
		y, err := ds.Target(head)
		if err != nil {
			return nil, err
		}
		hr, err := t.trainHead(ctx, run.ID, head, ds.FeatureCols, z, y, stats, res.Bundle, outPath, seed+int64(i))
		if err != nil {
			run.Status = telemetry.StatusFailed
			run.FinishedAt = time.Now().UTC()
			t.notifyRun(run)
			return nil, fmt.Errorf("training head %q: %w", head, err)
		}
		res.Heads[head] = hr
		t.log.Info("head finished", "head", head, "result", hr)
	}

	run.Status = telemetry.StatusFinished
	run.FinishedAt = time.Now().UTC()
	t.notifyRun(run)
	t.log.Info("training finished", "run_id", run.ID, "output", outPath)
	return res, nil
}

// check reports the first violated dataset precondition.
func (t *Trainer) check(ds *dataset.Dataset) error {
	if ds == nil || ds.Rows() == 0 {
		return dataset.ErrEmptyDataset
	}
	if ds.NumFeatures() == 0 {
		return dataset.ErrNoFeatures
	}
	if len(ds.TargetCols) == 0 {
		return fmt.Errorf("%w: no target columns", ErrInvalidOptions)
	}
	// The rule table must fit before any work starts
	if _, err := fuzzy.New(ds.NumFeatures(), t.opts.NumMFs); err != nil {
		return err
	}
	if t.opts.Task == config.TaskCombat {
		for j, head := range ds.TargetCols {
			for i := 0; i < ds.Rows(); i++ {
				if v := ds.Y.At(i, j); v < 0 || v > 1 {
					return fmt.Errorf("%w: %q row %d is %v", ErrTargetRange, head, i+1, v)
				}
			}
		}
	}
	return nil
}

func (t *Trainer) trainHead(
	ctx context.Context,
	runID, head string,
	featureCols []string,
	z *mat.Dense,
	y []float64,
	stats dataset.Stats,
	b *bundle.Bundle,
	outPath string,
	seed int64,
) (HeadResult, error) {
	start := time.Now()
	rng := rand.New(rand.NewSource(seed))

	model, err := fuzzy.New(len(featureCols), t.opts.NumMFs)
	if err != nil {
		return HeadResult{}, err
	}
	model.Init(rng)

	trainIdx, valIdx := dataset.Split(len(y), t.opts.ValFraction, rng)
	opt := NewAdam(model.NumParams(), t.opts.LearningRate)
	pool := newGradPool(model, t.opts.Workers)
	theta := model.Theta()

	t.log.Info("head started",
		"head", head,
		"rules", model.NumRules(),
		"params", model.NumParams(),
		"train_rows", len(trainIdx),
		"val_rows", len(valIdx),
	)

	res := HeadResult{BestValLoss: math.Inf(1)}
	for epoch := 1; epoch <= t.opts.Epochs; epoch++ {
		var trainSum float64
		for _, batch := range dataset.Batches(trainIdx, t.opts.BatchSize, rng) {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			trainSum += pool.run(batch, z, y, t.loss, true)
			floats.Scale(1/float64(len(batch)), pool.grad)
			opt.Step(theta, pool.grad)
		}
		trainLoss := trainSum / float64(len(trainIdx))
		valLoss := pool.run(valIdx, z, y, t.loss, false) / float64(len(valIdx))

		improved := epoch == 1 || valLoss < res.BestValLoss ||
			(math.IsNaN(res.BestValLoss) && !math.IsNaN(valLoss))
		if improved {
			h := bundle.NewHead(model, featureCols, stats)
			if err := h.Params.Check(h.NumInputs, h.NumMFs); err != nil {
				return res, fmt.Errorf("%w at epoch %d", ErrDiverged, epoch)
			}
			b.Heads[head] = h
			if err := bundle.Save(outPath, b); err != nil {
				return res, err
			}
			res.BestEpoch = epoch
			res.BestValLoss = valLoss
		}
		res.FinalTrainLoss = trainLoss

		rec := telemetry.EpochRecord{
			RunID:     runID,
			Task:      t.opts.Task,
			Head:      head,
			Epoch:     epoch,
			TrainLoss: trainLoss,
			ValLoss:   valLoss,
			Best:      improved,
			ElapsedMS: time.Since(start).Milliseconds(),
		}
		t.log.Info("epoch", "record", rec)
		t.notifyEpoch(rec)
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (t *Trainer) notifyEpoch(rec telemetry.EpochRecord) {
	for _, o := range t.opts.Observers {
		if err := o.ObserveEpoch(rec); err != nil {
			t.log.Warn("epoch observer failed", "error", err)
		}
	}
}

func (t *Trainer) notifyRun(rec telemetry.RunRecord) {
	for _, o := range t.opts.Observers {
		ro, ok := o.(RunObserver)
		if !ok {
			continue
		}
		if err := ro.ObserveRun(rec); err != nil {
			t.log.Warn("run observer failed", "error", err)
		}
	}
}
