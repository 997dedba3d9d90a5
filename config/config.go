// Package config provides configuration loading for training, inference and the sandbox.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Task names understood by the trainer and the bundle loader.
const (
	TaskManeuver = "maneuver"
	TaskCombat   = "combat"
)

// Config holds all configuration parameters.
type Config struct {
	Train     TrainConfig     `yaml:"train"`
	Inference InferenceConfig `yaml:"inference"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// TrainConfig holds trainer hyperparameters and data locations.
type TrainConfig struct {
	NumMFs       int                   `yaml:"num_mfs"`       // Gaussian MFs per input
	Epochs       int                   `yaml:"epochs"`        // Epochs per head
	BatchSize    int                   `yaml:"batch_size"`    // Mini-batch size
	LearningRate float64               `yaml:"learning_rate"` // Adam step size
	ValFraction  float64               `yaml:"val_fraction"`  // Held-out validation share
	Seed         int64                 `yaml:"seed"`          // 0 = time-based
	Workers      int                   `yaml:"workers"`       // Gradient workers per batch (0 = GOMAXPROCS)
	DataDir      string                `yaml:"data_dir"`
	ModelDir     string                `yaml:"model_dir"`
	Tasks        map[string]TaskConfig `yaml:"tasks"`
}

// TaskConfig declares the target columns of one task.
type TaskConfig struct {
	Targets []string `yaml:"targets"`
}

// RangeConfig maps a bounded head output onto an actuator range.
type RangeConfig struct {
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Scale float64 `yaml:"scale"` // tanh output multiplier
}

// InferenceConfig holds head post-processing parameters.
type InferenceConfig struct {
	Thrust        RangeConfig `yaml:"thrust"`
	TurnRate      RangeConfig `yaml:"turn_rate"`
	FireThreshold float64     `yaml:"fire_threshold"`
}

// TelemetryConfig holds training and sandbox observability settings.
type TelemetryConfig struct {
	EpochLog   bool   `yaml:"epoch_log"`   // Write epochs.csv into the output dir
	RunDB      string `yaml:"run_db"`      // SQLite run history (empty = disabled)
	TickWindow int    `yaml:"tick_window"` // Ticks per latency window
}

// SandboxConfig holds the fleet sandbox parameters.
type SandboxConfig struct {
	Ships       int     `yaml:"ships"`
	Asteroids   int     `yaml:"asteroids"`
	Ticks       int     `yaml:"ticks"`
	DT          float64 `yaml:"dt"`
	WorldWidth  float64 `yaml:"world_width"`
	WorldHeight float64 `yaml:"world_height"`
	MaxSpeed    float64 `yaml:"max_speed"`
	Ammo        int     `yaml:"ammo"`
	Mines       int     `yaml:"mines"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	CSVPath    map[string]string // task -> training CSV
	BundlePath map[string]string // task -> bundle file
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.computeDerived()

	return cfg, nil
}

// Targets returns the declared target columns for a task.
func (c *Config) Targets(task string) ([]string, error) {
	tc, ok := c.Train.Tasks[task]
	if !ok || len(tc.Targets) == 0 {
		return nil, fmt.Errorf("unknown task %q", task)
	}
	out := make([]string, len(tc.Targets))
	copy(out, tc.Targets)
	return out, nil
}

func (c *Config) validate() error {
	t := c.Train
	switch {
	case t.NumMFs < 1:
		return fmt.Errorf("train.num_mfs must be >= 1, got %d", t.NumMFs)
	case t.Epochs < 1:
		return fmt.Errorf("train.epochs must be >= 1, got %d", t.Epochs)
	case t.BatchSize < 1:
		return fmt.Errorf("train.batch_size must be >= 1, got %d", t.BatchSize)
	case t.LearningRate <= 0:
		return fmt.Errorf("train.learning_rate must be > 0, got %g", t.LearningRate)
	case t.ValFraction < 0 || t.ValFraction >= 1:
		return fmt.Errorf("train.val_fraction must be in [0,1), got %g", t.ValFraction)
	}
	for _, r := range []struct {
		name string
		rc   RangeConfig
	}{{"thrust", c.Inference.Thrust}, {"turn_rate", c.Inference.TurnRate}} {
		if r.rc.Min > r.rc.Max {
			return fmt.Errorf("inference.%s: min %g exceeds max %g", r.name, r.rc.Min, r.rc.Max)
		}
	}
	return nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	c.Derived.CSVPath = make(map[string]string, len(c.Train.Tasks))
	c.Derived.BundlePath = make(map[string]string, len(c.Train.Tasks))
	for task := range c.Train.Tasks {
		c.Derived.CSVPath[task] = filepath.Join(c.Train.DataDir, task+".csv")
		c.Derived.BundlePath[task] = filepath.Join(c.Train.ModelDir, task+".json")
	}

	if c.Telemetry.TickWindow < 1 {
		c.Telemetry.TickWindow = 60
	}
	if c.Inference.FireThreshold <= 0 || c.Inference.FireThreshold >= 1 {
		c.Inference.FireThreshold = 0.5
	}
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
