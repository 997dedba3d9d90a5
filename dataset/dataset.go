// Package dataset loads training CSVs and computes the normalization
// statistics frozen into a bundle.
package dataset

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/mat"
)

// Configuration errors. All are reported before any training starts.
var (
	ErrMissingColumn = errors.New("dataset: missing declared column")
	ErrEmptyDataset  = errors.New("dataset: no rows")
	ErrNoFeatures    = errors.New("dataset: no feature columns")
)

// Dataset holds a feature matrix and a target matrix with their column names.
// Every column that is not a declared target is a feature, in header order.
type Dataset struct {
	FeatureCols []string
	TargetCols  []string
	X           *mat.Dense // rows x len(FeatureCols)
	Y           *mat.Dense // rows x len(TargetCols)
}

// LoadCSV reads a training CSV from disk.
func LoadCSV(path string, targets []string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()

	ds, err := ReadCSV(f, targets)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// ReadCSV parses a header row followed by numeric rows. Targets must all be
// present in the header; every other column becomes a feature.
func ReadCSV(r io.Reader, targets []string) (*Dataset, error) {
	records, err := gocsv.LazyCSVReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: missing header", ErrEmptyDataset)
	}

	header := records[0]
	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if _, dup := colIndex[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		colIndex[name] = i
	}

	isTarget := make(map[string]bool, len(targets))
	targetIdx := make([]int, len(targets))
	for j, name := range targets {
		idx, ok := colIndex[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
		isTarget[name] = true
		targetIdx[j] = idx
	}

	var featureCols []string
	var featureIdx []int
	for i, name := range header {
		name = strings.TrimSpace(name)
		if isTarget[name] {
			continue
		}
		featureCols = append(featureCols, name)
		featureIdx = append(featureIdx, i)
	}
	if len(featureCols) == 0 {
		return nil, ErrNoFeatures
	}

	rows := records[1:]
	if len(rows) == 0 {
		return nil, ErrEmptyDataset
	}

	xData := make([]float64, len(rows)*len(featureCols))
	yData := make([]float64, len(rows)*len(targets))
	for i, rec := range rows {
		line := i + 2 // 1-based, after header
		for j, idx := range featureIdx {
			v, err := parseCell(rec[idx])
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, featureCols[j], err)
			}
			xData[i*len(featureCols)+j] = v
		}
		for j, idx := range targetIdx {
			v, err := parseCell(rec[idx])
			if err != nil {
				return nil, fmt.Errorf("line %d column %q: %w", line, targets[j], err)
			}
			yData[i*len(targets)+j] = v
		}
	}

	tc := make([]string, len(targets))
	copy(tc, targets)

	return &Dataset{
		FeatureCols: featureCols,
		TargetCols:  tc,
		X:           mat.NewDense(len(rows), len(featureCols), xData),
		Y:           mat.NewDense(len(rows), len(targets), yData),
	}, nil
}

func parseCell(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("missing value")
	}
	// Logged booleans are accepted as 0/1 targets
	switch strings.ToLower(s) {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

// Rows returns the sample count.
func (d *Dataset) Rows() int {
	r, _ := d.X.Dims()
	return r
}

// NumFeatures returns the feature vector length.
func (d *Dataset) NumFeatures() int {
	return len(d.FeatureCols)
}

// Target returns a copy of the named target column.
func (d *Dataset) Target(name string) ([]float64, error) {
	for j, c := range d.TargetCols {
		if c == name {
			return mat.Col(nil, j, d.Y), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
}
