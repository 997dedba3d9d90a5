package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/dataset"
	"github.com/pthm-cable/sugeno/train"
)

// FitnessEvaluator trains a task with candidate hyperparameters and scores
// the result by validation loss.
type FitnessEvaluator struct {
	params  *ParamVector
	task    string
	ds      *dataset.Dataset
	base    config.TrainConfig
	seeds   []int64
	scratch string

	mu        sync.Mutex
	evals     int
	best      float64
	bestRaw   []float64
	lastHeads map[string]float64 // per-head mean best val loss of the last eval
}

// NewFitnessEvaluator creates a new evaluator. Bundles from each evaluation
// are written under scratch and discarded.
func NewFitnessEvaluator(params *ParamVector, task string, ds *dataset.Dataset, base config.TrainConfig, epochs int, seeds []int64, scratch string) *FitnessEvaluator {
	base.Epochs = epochs
	return &FitnessEvaluator{
		params:  params,
		task:    task,
		ds:      ds,
		base:    base,
		seeds:   seeds,
		scratch: scratch,
		best:    math.Inf(1),
	}
}

// Best returns the lowest fitness seen so far and the raw parameters that
// produced it. The parameters are nil until an evaluation has completed.
func (fe *FitnessEvaluator) Best() (float64, []float64) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.best, fe.bestRaw
}

// Evals returns the number of completed evaluations.
func (fe *FitnessEvaluator) Evals() int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.evals
}

// LastHeads returns the per-head losses from the most recent evaluation.
func (fe *FitnessEvaluator) LastHeads() map[string]float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastHeads
}

// seedResult holds the result from one seed evaluation.
type seedResult struct {
	heads map[string]float64
	err   error
}

// Evaluate computes fitness for a raw parameter vector (lower = better):
// the mean over seeds and heads of the best validation loss. A failed or
// diverged run scores +Inf.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	cfg := fe.base
	fe.params.ApplyToConfig(&cfg, x)

	// Run all seeds in parallel, one gradient worker each
	results := make([]seedResult, len(fe.seeds))
	var wg sync.WaitGroup
	for i, seed := range fe.seeds {
		wg.Add(1)
		go func(idx int, s int64) {
			defer wg.Done()
			results[idx] = fe.runTraining(cfg, s, idx)
		}(i, seed)
	}
	wg.Wait()

	heads := make(map[string]float64)
	var total float64
	var n int
	for _, r := range results {
		if r.err != nil {
			slog.Debug("evaluation failed", "error", r.err)
			return math.Inf(1)
		}
		for head, loss := range r.heads {
			heads[head] += loss / float64(len(fe.seeds))
			total += loss
			n++
		}
	}
	fitness := math.Inf(1)
	if n > 0 {
		fitness = total / float64(n)
	}
	if math.IsNaN(fitness) {
		fitness = math.Inf(1)
	}

	fe.mu.Lock()
	fe.evals++
	if fitness < fe.best || fe.bestRaw == nil {
		fe.best = fitness
		fe.bestRaw = append([]float64(nil), x...)
	}
	fe.lastHeads = heads
	fe.mu.Unlock()

	return fitness
}

func (fe *FitnessEvaluator) runTraining(cfg config.TrainConfig, seed int64, idx int) seedResult {
	opts := train.OptionsFromConfig(fe.task, cfg)
	opts.Seed = seed
	opts.Workers = 1
	opts.Logger = slog.New(slog.DiscardHandler)

	trainer, err := train.New(opts)
	if err != nil {
		return seedResult{err: err}
	}

	out := filepath.Join(fe.scratch, fmt.Sprintf("%s-%d.json", fe.task, idx))
	defer os.Remove(out)

	res, err := trainer.Run(context.Background(), fe.ds, out)
	if err != nil {
		return seedResult{err: err}
	}
	heads := make(map[string]float64, len(res.Heads))
	for head, hr := range res.Heads {
		heads[head] = hr.BestValLoss
	}
	return seedResult{heads: heads}
}
