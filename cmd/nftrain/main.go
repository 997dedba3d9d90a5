// Command nftrain trains one Sugeno head per target column of a task's CSV
// and writes the best-validation bundle.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/dataset"
	"github.com/pthm-cable/sugeno/telemetry"
	"github.com/pthm-cable/sugeno/train"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	task := flag.String("task", "", "Task to train: maneuver or combat")
	csvPath := flag.String("csv", "", "Training CSV (empty = <data_dir>/<task>.csv)")
	outPath := flag.String("out", "", "Bundle output path (empty = <model_dir>/<task>.json)")
	epochs := flag.Int("epochs", 0, "Epochs per head (0 = use config)")
	numMFs := flag.Int("num-mfs", 0, "Gaussian MFs per input (0 = use config)")
	batchSize := flag.Int("batch-size", 0, "Mini-batch size (0 = use config)")
	lr := flag.Float64("lr", 0, "Adam learning rate (0 = use config)")
	valFrac := flag.Float64("val-frac", -1, "Validation fraction (negative = use config)")
	seed := flag.Int64("seed", 0, "RNG seed (0 = use config, then time-based)")
	workers := flag.Int("workers", -1, "Gradient workers (0 = GOMAXPROCS, negative = use config)")
	outputDir := flag.String("output-dir", "", "Directory for epochs.csv and config snapshot")
	runDB := flag.String("run-db", "", "SQLite run history (empty = use config)")
	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger, flags{
		configPath: *configPath,
		task:       *task,
		csvPath:    *csvPath,
		outPath:    *outPath,
		epochs:     *epochs,
		numMFs:     *numMFs,
		batchSize:  *batchSize,
		lr:         *lr,
		valFrac:    *valFrac,
		seed:       *seed,
		workers:    *workers,
		outputDir:  *outputDir,
		runDB:      *runDB,
	}); err != nil {
		logger.Error("training failed", "error", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath, task, csvPath, outPath string
	epochs, numMFs, batchSize          int
	lr, valFrac                        float64
	seed                               int64
	workers                            int
	outputDir, runDB                   string
}

func run(logger *slog.Logger, f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.task == "" {
		return errors.New("-task is required")
	}
	targets, err := cfg.Targets(f.task)
	if err != nil {
		return err
	}

	// Flags override config
	if f.epochs > 0 {
		cfg.Train.Epochs = f.epochs
	}
	if f.numMFs > 0 {
		cfg.Train.NumMFs = f.numMFs
	}
	if f.batchSize > 0 {
		cfg.Train.BatchSize = f.batchSize
	}
	if f.lr > 0 {
		cfg.Train.LearningRate = f.lr
	}
	if f.valFrac >= 0 {
		cfg.Train.ValFraction = f.valFrac
	}
	if f.seed != 0 {
		cfg.Train.Seed = f.seed
	}
	if f.workers >= 0 {
		cfg.Train.Workers = f.workers
	}
	if f.runDB != "" {
		cfg.Telemetry.RunDB = f.runDB
	}
	csvPath := f.csvPath
	if csvPath == "" {
		csvPath = cfg.Derived.CSVPath[f.task]
	}
	outPath := f.outPath
	if outPath == "" {
		outPath = cfg.Derived.BundlePath[f.task]
	}

	ds, err := dataset.LoadCSV(csvPath, targets)
	if err != nil {
		return err
	}
	logger.Info("dataset loaded", "path", csvPath, "rows", ds.Rows(), "features", ds.FeatureCols, "targets", ds.TargetCols)

	opts := train.OptionsFromConfig(f.task, cfg.Train)
	opts.Logger = logger

	ctx := context.Background()

	var om *telemetry.OutputManager
	if cfg.Telemetry.EpochLog {
		om, err = telemetry.NewOutputManager(f.outputDir)
		if err != nil {
			return err
		}
		defer om.Close()
		if err := om.WriteConfig(cfg); err != nil {
			return err
		}
		if om != nil {
			opts.Observers = append(opts.Observers, om)
		}
	}

	if cfg.Telemetry.RunDB != "" {
		store := telemetry.NewRunStore(cfg.Telemetry.RunDB)
		if err := store.Init(ctx); err != nil {
			return err
		}
		defer store.Close()
		opts.Observers = append(opts.Observers, store)
	}

	trainer, err := train.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	res, err := trainer.Run(ctx, ds, outPath)
	if err != nil {
		return err
	}
	for _, head := range ds.TargetCols {
		logger.Info("head summary", "head", head, "result", res.Heads[head])
	}
	logger.Info("bundle written", "path", outPath, "run_id", res.RunID)
	return nil
}
