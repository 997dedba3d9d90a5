// Command nfsandbox flies a fleet of ships against drifting asteroids using
// trained maneuver and combat bundles, optionally writing a control trace
// that can be fed back to nftrain.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/fleet"
	"github.com/pthm-cable/sugeno/infer"
	"github.com/pthm-cable/sugeno/telemetry"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	maneuverPath := flag.String("maneuver", "", "Maneuver bundle (empty = <model_dir>/maneuver.json)")
	combatPath := flag.String("combat", "", "Combat bundle (empty = <model_dir>/combat.json)")
	ships := flag.Int("ships", 0, "Ship count (0 = use config)")
	asteroids := flag.Int("asteroids", 0, "Asteroid count (0 = use config)")
	ticks := flag.Int("ticks", 0, "Ticks to run (0 = use config)")
	seed := flag.Int64("seed", 0, "RNG seed (0 = time-based)")
	workers := flag.Int("workers", 0, "Inference workers (0 = GOMAXPROCS)")
	traceDir := flag.String("trace", "", "Directory for maneuver.csv and combat.csv traces")
	outputDir := flag.String("output-dir", "", "Directory for ticks.csv and config snapshot")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *ships > 0 {
		cfg.Sandbox.Ships = *ships
	}
	if *asteroids > 0 {
		cfg.Sandbox.Asteroids = *asteroids
	}
	if *ticks > 0 {
		cfg.Sandbox.Ticks = *ticks
	}
	if *maneuverPath == "" {
		*maneuverPath = cfg.Derived.BundlePath[config.TaskManeuver]
	}
	if *combatPath == "" {
		*combatPath = cfg.Derived.BundlePath[config.TaskCombat]
	}
	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}

	if err := run(logger, cfg, *maneuverPath, *combatPath, *traceDir, *outputDir, rngSeed, *workers); err != nil {
		logger.Error("sandbox failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg *config.Config, maneuverPath, combatPath, traceDir, outputDir string, seed int64, workers int) error {
	opts := infer.OptionsFromConfig(cfg.Inference)
	opts.Logger = logger

	// Missing bundles degrade to neutral outputs
	maneuver := infer.LoadOrNeutral(maneuverPath, config.TaskManeuver, opts)
	combat := infer.LoadOrNeutral(combatPath, config.TaskCombat, opts)

	ctl, err := infer.NewController(maneuver, combat, infer.ControllerOptions{
		FireThreshold: cfg.Inference.FireThreshold,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	sbOpts := fleet.Options{
		Seed:       seed,
		Workers:    workers,
		TickWindow: cfg.Telemetry.TickWindow,
		Logger:     logger,
	}

	if traceDir != "" {
		tw, err := telemetry.NewTraceWriter(traceDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := tw.Close(); err != nil {
				logger.Error("closing trace", "error", err)
			}
			logger.Info("trace written", "dir", traceDir, "rows", tw.Rows())
		}()
		sbOpts.Recorder = tw
	}

	om, err := telemetry.NewOutputManager(outputDir)
	if err != nil {
		return err
	}
	defer om.Close()
	if err := om.WriteConfig(cfg); err != nil {
		return err
	}
	if om != nil {
		sbOpts.TickWriter = om
	}

	sb, err := fleet.New(cfg.Sandbox, ctl, sbOpts)
	if err != nil {
		return err
	}
	defer sb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger.Info("starting sandbox",
		"seed", seed,
		"ships", cfg.Sandbox.Ships,
		"asteroids", cfg.Sandbox.Asteroids,
		"ticks", cfg.Sandbox.Ticks,
		"maneuver_heads", maneuver.Heads(),
		"combat_heads", combat.Heads(),
	)

	res, err := sb.Run(ctx, cfg.Sandbox.Ticks)
	logger.Info("sandbox finished", "result", res, "controller_errors", ctl.Errors())
	if res.Latency.Samples > 0 && !res.Latency.WithinBudget(time.Duration(cfg.Sandbox.DT*float64(time.Second))) {
		logger.Warn("p99 tick latency exceeds the tick budget", "p99", res.Latency.P99, "dt", cfg.Sandbox.DT)
	}
	return err
}
