package main

import (
	"math"

	"github.com/pthm-cable/sugeno/config"
)

// ParamSpec defines a single optimizable hyperparameter.
type ParamSpec struct {
	Name string  // Human-readable name
	Path string  // Config path for logging
	Min  float64 // Lower bound
	Max  float64 // Upper bound
}

// ParamVector holds the set of all optimizable hyperparameters.
type ParamVector struct {
	Specs []ParamSpec
}

// NewParamVector creates the standard search space. Learning rate and batch
// size are searched on log scales.
func NewParamVector() *ParamVector {
	return &ParamVector{
		Specs: []ParamSpec{
			{Name: "log10_lr", Path: "train.learning_rate", Min: -4, Max: -1},
			{Name: "log2_batch", Path: "train.batch_size", Min: 4, Max: 10},
			{Name: "num_mfs", Path: "train.num_mfs", Min: 2, Max: 3},
		},
	}
}

// Dim returns the number of parameters.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// Normalize converts raw parameter values to [0,1] range.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		normalized[i] = (raw[i] - spec.Min) / (spec.Max - spec.Min)
	}
	return normalized
}

// Denormalize converts [0,1] values back to raw parameter values.
func (pv *ParamVector) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		raw[i] = spec.Min + normalized[i]*(spec.Max-spec.Min)
	}
	return raw
}

// Clamp ensures all values are within bounds.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		clamped[i] = math.Min(math.Max(v[i], spec.Min), spec.Max)
	}
	return clamped
}

// ApplyToConfig applies raw parameter values to the train section.
// Order must match Specs order.
func (pv *ParamVector) ApplyToConfig(cfg *config.TrainConfig, values []float64) {
	clamped := pv.Clamp(values)
	cfg.LearningRate = math.Pow(10, clamped[0])
	cfg.BatchSize = int(math.Round(math.Pow(2, clamped[1])))
	cfg.NumMFs = int(math.Round(clamped[2]))
}

// ExtractFromConfig extracts current parameter values from the train section.
func (pv *ParamVector) ExtractFromConfig(cfg config.TrainConfig) []float64 {
	return []float64{
		math.Log10(cfg.LearningRate),
		math.Log2(float64(cfg.BatchSize)),
		float64(cfg.NumMFs),
	}
}
