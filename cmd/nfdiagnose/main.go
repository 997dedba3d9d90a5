// Command nfdiagnose inspects a trained bundle: shape, normalization,
// parameter ranges, and the output of every head on a probe vector.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/pthm-cable/sugeno/bundle"
	"github.com/pthm-cable/sugeno/config"
	"github.com/pthm-cable/sugeno/infer"
	"github.com/pthm-cable/sugeno/telemetry"
)

// defaultProbe is a mid-range frame: 200 units away, 10 s to impact.
const defaultProbe = "200,10,0.5,50,0,5,1,0"

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	modelPath := flag.String("model", "", "Bundle to inspect")
	probe := flag.String("features", defaultProbe, "Comma-separated raw feature vector in the bundle's column order")
	tracePath := flag.String("trace", "", "Optional maneuver trace CSV to summarize")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger, *configPath, *modelPath, *probe, *tracePath); err != nil {
		logger.Error("diagnose failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath, modelPath, probe, tracePath string) error {
	if modelPath == "" {
		return fmt.Errorf("-model is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	b, err := bundle.Load(modelPath)
	if err != nil {
		return err
	}
	logger.Info("bundle", "path", modelPath, "task", b.Task, "heads", b.HeadNames(), "feature_cols", b.FeatureCols())

	for _, name := range b.HeadNames() {
		inspectHead(logger, name, b.Heads[name])
	}

	opts := infer.OptionsFromConfig(cfg.Inference)
	opts.Logger = logger
	engine, err := infer.New(b, opts)
	if err != nil {
		return err
	}

	x, err := parseVector(probe)
	if err != nil {
		return err
	}
	if err := probeEngine(logger, engine, x, cfg.Inference.FireThreshold); err != nil {
		return err
	}

	if tracePath != "" {
		return summarizeTrace(logger, tracePath)
	}
	return nil
}

// inspectHead logs shape, normalization and per-group parameter ranges.
func inspectHead(logger *slog.Logger, name string, h *bundle.Head) {
	m, err := h.Model()
	if err != nil {
		logger.Error("head does not rebuild", "head", name, "error", err)
		return
	}
	logger.Info("head shape",
		"head", name,
		"num_inputs", m.NumInputs(),
		"num_mfs", m.NumMFs(),
		"num_rules", m.NumRules(),
		"num_params", m.NumParams(),
	)

	stats := h.Stats()
	for i, col := range h.FeatureCols {
		logger.Info("normalization", "head", name, "feature", col, "mean", stats.Mean[i], "std", stats.Std[i])
	}

	groups := []struct {
		name   string
		values []float64
	}{
		{"centers", flatten(h.Params.Centers)},
		{"log_widths", flatten(h.Params.LogWidths)},
		{"weights", flatten(h.Params.Weights)},
		{"biases", h.Params.Biases},
	}
	allZero := true
	for _, g := range groups {
		s := telemetry.Summarize(g.values)
		logger.Info("parameter range", "head", name, "group", g.name, "summary", s)
		if g.name == "weights" || g.name == "biases" {
			allZero = allZero && s.AllZero()
		}
	}
	if allZero {
		logger.Warn("consequent parameters are all zero, head outputs a constant 0", "head", name)
	}
}

func probeEngine(logger *slog.Logger, e *infer.Engine, x []float64, threshold float64) error {
	for _, name := range e.Heads() {
		y, _, err := e.Raw(name, x)
		if err != nil {
			return err
		}
		z, err := e.Normalize(name, x)
		if err != nil {
			return err
		}
		logger.Info("probe", "head", name, "input", x, "normalized", z, "raw", y)
	}

	switch e.Task() {
	case config.TaskManeuver:
		a, err := e.Maneuver(x)
		if err != nil {
			return err
		}
		logger.Info("probe action", "thrust", a.Thrust, "turn_rate", a.TurnRate, "has_thrust", a.HasThrust, "has_turn_rate", a.HasTurnRate)
	case config.TaskCombat:
		a, err := e.Combat(x, threshold)
		if err != nil {
			return err
		}
		pFire, _, _ := e.Probability(infer.HeadFire, x)
		pMine, _, _ := e.Probability(infer.HeadDropMine, x)
		logger.Info("probe action", "fire", a.Fire, "drop_mine", a.DropMine, "p_fire", pFire, "p_drop_mine", pMine, "threshold", threshold)
	}
	return nil
}

func summarizeTrace(logger *slog.Logger, path string) error {
	rows, err := telemetry.ReadManeuverTrace(path)
	if err != nil {
		return err
	}
	thrust := make([]float64, len(rows))
	turn := make([]float64, len(rows))
	for i, r := range rows {
		thrust[i] = r.Thrust
		turn[i] = r.TurnRate
	}
	logger.Info("trace thrust", "path", path, "summary", telemetry.Summarize(thrust))
	logger.Info("trace turn_rate", "path", path, "summary", telemetry.Summarize(turn))
	return nil
}

func parseVector(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	x := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parsing feature %d: %w", i, err)
		}
		x[i] = v
	}
	return x, nil
}

func flatten(rows [][]float64) []float64 {
	var out []float64
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}
