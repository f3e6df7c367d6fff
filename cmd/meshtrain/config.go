package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/meshtrain/internal/optim"
)

// Config represents the meshtrain configuration file (~/.config/meshtrain/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Mesh
	Devices   *int64 `yaml:"devices"`
	Processes *int64 `yaml:"processes"`
	MeshShape string `yaml:"mesh_shape"`
	MeshAxes  string `yaml:"mesh_axes"`
	DataAxis  string `yaml:"data_axis"`

	// Model
	Hidden    *int64 `yaml:"hidden"`
	SeqLen    *int64 `yaml:"seq_len"`
	Seed      *int64 `yaml:"seed"`
	Weights   string `yaml:"weights"`
	Precision string `yaml:"precision"`

	// Training
	Steps     *int64        `yaml:"steps"`
	LogSteps  *int64        `yaml:"log_steps"`
	BatchSize *int64        `yaml:"batch_size"`
	ClipNorm  *float64      `yaml:"clip_norm"`
	Optimizer *optim.Config `yaml:"optimizer"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

// fileConfig is loaded once before any command runs.
var fileConfig Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "meshtrain", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the logging flags.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyMeshConfig applies config file defaults to the mesh and model flags
// when the corresponding flag was not explicitly set.
func applyMeshConfig(c *cli.Command, cfg Config) {
	if cfg.Devices != nil && !c.IsSet("devices") {
		devices = *cfg.Devices
	}
	if cfg.Processes != nil && !c.IsSet("processes") {
		processes = *cfg.Processes
	}
	if cfg.MeshShape != "" && !c.IsSet("mesh-shape") {
		meshShape = cfg.MeshShape
	}
	if cfg.MeshAxes != "" && !c.IsSet("mesh-axes") {
		meshAxes = cfg.MeshAxes
	}
	if cfg.DataAxis != "" && !c.IsSet("data-axis") {
		dataAxis = cfg.DataAxis
	}
	if cfg.Hidden != nil && !c.IsSet("hidden") {
		hidden = *cfg.Hidden
	}
	if cfg.SeqLen != nil && !c.IsSet("seq-len") {
		seqLen = *cfg.SeqLen
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Weights != "" && !c.IsSet("weights") {
		weightsPath = cfg.Weights
	}
	if cfg.Precision != "" && !c.IsSet("precision") {
		precision = cfg.Precision
	}
}

// applyTrainConfig applies config file defaults to train command variables.
func applyTrainConfig(c *cli.Command, cfg Config, opts *trainOptions) {
	if cfg.Steps != nil && !c.IsSet("steps") {
		opts.steps = *cfg.Steps
	}
	if cfg.LogSteps != nil && !c.IsSet("log-steps") {
		opts.logSteps = *cfg.LogSteps
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		opts.batchSize = *cfg.BatchSize
	}
	if cfg.ClipNorm != nil && !c.IsSet("clip-norm") {
		opts.clipNorm = *cfg.ClipNorm
	}
	if o := cfg.Optimizer; o != nil {
		if o.Name != "" && !c.IsSet("optimizer") {
			opts.optimizer.Name = o.Name
		}
		if o.LearningRate != 0 && !c.IsSet("lr") {
			opts.optimizer.LearningRate = o.LearningRate
		}
		if o.MinLR != 0 && !c.IsSet("min-lr") {
			opts.optimizer.MinLR = o.MinLR
		}
		if o.WarmupSteps != 0 && !c.IsSet("warmup-steps") {
			opts.optimizer.WarmupSteps = o.WarmupSteps
		}
		if o.DecaySteps != 0 && !c.IsSet("decay-steps") {
			opts.optimizer.DecaySteps = o.DecaySteps
		}
		if o.WeightDecay != 0 && !c.IsSet("weight-decay") {
			opts.optimizer.WeightDecay = o.WeightDecay
		}
		if o.Momentum != 0 && !c.IsSet("momentum") {
			opts.optimizer.Momentum = o.Momentum
		}
		if o.Beta1 != 0 {
			opts.optimizer.Beta1 = o.Beta1
		}
		if o.Beta2 != 0 {
			opts.optimizer.Beta2 = o.Beta2
		}
		if o.Epsilon != 0 {
			opts.optimizer.Epsilon = o.Epsilon
		}
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
