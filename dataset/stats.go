package dataset

import (
	"log/slog"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// MinStd is the smallest standard deviation treated as real variance. Below
// it a feature is considered constant and its std is replaced by 1.0, which
// turns normalization into a plain shift.
const MinStd = 1e-6

// Stats holds per-feature z-score statistics.
type Stats struct {
	Mean []float64
	Std  []float64
}

// ComputeStats returns the population mean and std of every column of x.
func ComputeStats(x mat.Matrix) Stats {
	rows, cols := x.Dims()
	s := Stats{
		Mean: make([]float64, cols),
		Std:  make([]float64, cols),
	}
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, x)
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		s.Std[j] = FloorStd(std)
	}
	return s
}

// FloorStd replaces a degenerate std with 1.0.
func FloorStd(std float64) float64 {
	if !(std >= MinStd) {
		return 1.0
	}
	return std
}

// Normalize writes (x - mean) / std into dst. dst and x may alias.
func (s Stats) Normalize(dst, x []float64) {
	for i, v := range x {
		dst[i] = (v - s.Mean[i]) / s.Std[i]
	}
}

// Denormalize writes z*std + mean into dst. dst and z may alias.
func (s Stats) Denormalize(dst, z []float64) {
	for i, v := range z {
		dst[i] = v*s.Std[i] + s.Mean[i]
	}
}

// NormalizeMatrix returns a normalized copy of x.
func (s Stats) NormalizeMatrix(x *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(x)
	rows, _ := out.Dims()
	for i := 0; i < rows; i++ {
		row := out.RawRowView(i)
		s.Normalize(row, row)
	}
	return out
}

// LogValue implements slog.LogValuer for structured logging.
func (s Stats) LogValue() slog.Value {
	floored := 0
	for _, v := range s.Std {
		if v == 1.0 {
			floored++
		}
	}
	return slog.GroupValue(
		slog.Int("features", len(s.Mean)),
		slog.Int("unit_std", floored),
	)
}
