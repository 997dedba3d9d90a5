// Command nftune searches training hyperparameters with CMA-ES, scoring each
// candidate by the validation loss of a short training run.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/optimize"

	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/dataset"
)

// TuneRecord is one row of tune_log.csv.
type TuneRecord struct {
	Eval         int     `csv:"eval"`
	Fitness      float64 `csv:"fitness"`
	LearningRate float64 `csv:"learning_rate"`
	BatchSize    int     `csv:"batch_size"`
	NumMFs       int     `csv:"num_mfs"`
	ElapsedMS    int64   `csv:"elapsed_ms"`
}

// formatDuration formats a duration as HH:MM:SS or MM:SS for shorter durations.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Base config YAML file (empty = use defaults)")
	task := flag.String("task", "", "Task to tune: maneuver or combat")
	csvPath := flag.String("csv", "", "Training CSV (empty = <data_dir>/<task>.csv)")
	epochs := flag.Int("epochs", 5, "Epochs per evaluation")
	seeds := flag.Int("seeds", 2, "Number of seeds per evaluation")
	maxEvals := flag.Int("max-evals", 40, "Maximum number of evaluations")
	population := flag.Int("population", 0, "CMA-ES population size (0 = auto)")
	outputDir := flag.String("output", "", "Output directory for results")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger, *configPath, *task, *csvPath, *outputDir, *epochs, *seeds, *maxEvals, *population); err != nil {
		logger.Error("tuning failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath, task, csvPath, outputDir string, epochs, seeds, maxEvals, population int) error {
	if outputDir == "" {
		return errors.New("-output is required")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	targets, err := cfg.Targets(task)
	if err != nil {
		return err
	}
	if csvPath == "" {
		csvPath = cfg.Derived.CSVPath[task]
	}
	ds, err := dataset.LoadCSV(csvPath, targets)
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "nftune-*")
	if err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	params := NewParamVector()
	evalSeeds := make([]int64, seeds)
	for i := range evalSeeds {
		evalSeeds[i] = int64(i*1000 + 42)
	}
	evaluator := NewFitnessEvaluator(params, task, ds, cfg.Train, epochs, evalSeeds, scratch)

	dim := params.Dim()
	initX := params.Normalize(params.Clamp(params.ExtractFromConfig(cfg.Train)))

	logPath := filepath.Join(outputDir, "tune_log.csv")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("creating log file: %w", err)
	}
	defer logFile.Close()

	var logErr error
	startTime := time.Now()

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			raw := params.Clamp(params.Denormalize(x))
			fitness := evaluator.Evaluate(raw)
			evalCount := evaluator.Evals()
			bestFitness, _ := evaluator.Best()

			var tc config.TrainConfig
			params.ApplyToConfig(&tc, raw)
			rec := []TuneRecord{{
				Eval:         evalCount,
				Fitness:      fitness,
				LearningRate: tc.LearningRate,
				BatchSize:    tc.BatchSize,
				NumMFs:       tc.NumMFs,
				ElapsedMS:    time.Since(startTime).Milliseconds(),
			}}
			if evalCount == 1 {
				logErr = errors.Join(logErr, gocsv.Marshal(rec, logFile))
			} else {
				logErr = errors.Join(logErr, gocsv.MarshalWithoutHeaders(rec, logFile))
			}

			elapsed := time.Since(startTime)
			avgPerEval := elapsed / time.Duration(evalCount)
			remaining := time.Duration(maxEvals-evalCount) * avgPerEval
			logger.Info("evaluation",
				"eval", evalCount,
				"max_evals", maxEvals,
				"fitness", fitness,
				"best", bestFitness,
				"learning_rate", tc.LearningRate,
				"batch_size", tc.BatchSize,
				"num_mfs", tc.NumMFs,
				"heads", evaluator.LastHeads(),
				"elapsed", formatDuration(elapsed),
				"eta", formatDuration(remaining),
			)
			return fitness
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: maxEvals,
		Concurrent:      0, // Sequential evaluation
	}

	popSize := population
	if popSize == 0 {
		popSize = 4 + int(3.0*math.Log(float64(dim)))
	}
	method := &optimize.CmaEsChol{
		InitStepSize: 0.3,
		Population:   popSize,
	}

	logger.Info("starting CMA-ES search", "task", task, "dim", dim, "population", popSize, "max_evals", maxEvals, "seeds", seeds, "epochs", epochs)

	result, err := optimize.Minimize(problem, initX, settings, method)
	if err != nil {
		logger.Warn("optimization ended", "error", err)
	}
	if logErr != nil {
		return fmt.Errorf("writing tune log: %w", logErr)
	}
	bestFitness, bestParams := evaluator.Best()
	if bestParams == nil {
		if result == nil {
			return errors.New("no evaluations completed")
		}
		bestParams = params.Clamp(params.Denormalize(result.X))
	}

	params.ApplyToConfig(&cfg.Train, bestParams)
	logger.Info("search complete",
		"evaluations", evaluator.Evals(),
		"duration", formatDuration(time.Since(startTime)),
		"best_fitness", bestFitness,
		"learning_rate", cfg.Train.LearningRate,
		"batch_size", cfg.Train.BatchSize,
		"num_mfs", cfg.Train.NumMFs,
	)

	configOutPath := filepath.Join(outputDir, "best_config.yaml")
	if err := cfg.WriteYAML(configOutPath); err != nil {
		return err
	}
	logger.Info("best config saved", "path", configOutPath)
	return nil
}
