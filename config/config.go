// Package config holds the run configuration of the fine-tuner. Defaults
// reproduce the reference flowers102 run; a YAML file and command-line
// overrides are layered on top.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// BackboneConfig selects the frozen feature extractor.
type BackboneConfig struct {
	// Weights is a file written by nn.SaveBackbone. When empty the
	// projection is initialized from Seed.
	Weights  string `yaml:"weights"`
	Grid     int    `yaml:"grid"`
	Features int    `yaml:"features"`
	Seed     int64  `yaml:"seed"`
}

// Config captures the runtime knobs for a fine-tuning run.
type Config struct {
	DataRoot   string `yaml:"data_root"`
	Dataset    string `yaml:"dataset"`
	BatchSize  int    `yaml:"batch_size"`
	NumWorkers int    `yaml:"num_workers"`
	Devices    []int  `yaml:"devices"`
	Epochs     int    `yaml:"epochs"`

	ImageSize  int `yaml:"image_size"`
	ResizeSize int `yaml:"resize_size"`

	HiddenUnits int     `yaml:"hidden_units"`
	Dropout     float64 `yaml:"dropout"`
	// NumClasses of 0 takes the class count from the training split.
	NumClasses int `yaml:"num_classes"`

	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	Loss         string  `yaml:"loss"`

	Backbone BackboneConfig `yaml:"backbone"`

	// Seed fixes shuffling, augmentation and dropout; 0 seeds from the clock.
	Seed     int64  `yaml:"seed"`
	LogEvery int    `yaml:"log_every"`
	LogLevel string `yaml:"log_level"`

	OutputDir string `yaml:"output_dir"`
	PlotDir   string `yaml:"plot_dir"`
}

// Default returns the configuration of the reference run.
func Default() *Config {
	return &Config{
		DataRoot:     ".",
		Dataset:      "flowers102",
		BatchSize:    256,
		NumWorkers:   32,
		Devices:      []int{0, 1, 2, 3, 4, 5, 6, 7},
		Epochs:       30,
		ImageSize:    224,
		ResizeSize:   256,
		HiddenUnits:  256,
		Dropout:      0.4,
		Optimizer:    "adam",
		LearningRate: 1e-3,
		Momentum:     0.9,
		Loss:         "cross_entropy",
		Backbone: BackboneConfig{
			Grid:     7,
			Features: 2048,
			Seed:     1,
		},
		LogEvery:  10,
		LogLevel:  "info",
		OutputDir: "models",
		PlotDir:   ".",
	}
}

// Load reads a YAML file over the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.WithStack(err)
	}
	return cfg, nil
}

// Overrides captures CLI supplied values. Zero values leave the config
// untouched.
type Overrides struct {
	DataRoot     string
	Dataset      string
	BatchSize    int
	NumWorkers   int
	Devices      []int
	Epochs       int
	LearningRate float64
	Optimizer    string
	Loss         string
	Weights      string
	Seed         int64
	LogLevel     string
	OutputDir    string
	PlotDir      string
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataRoot != "" {
		c.DataRoot = o.DataRoot
	}
	if o.Dataset != "" {
		c.Dataset = o.Dataset
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if len(o.Devices) > 0 {
		c.Devices = append([]int(nil), o.Devices...)
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Optimizer != "" {
		c.Optimizer = o.Optimizer
	}
	if o.Loss != "" {
		c.Loss = o.Loss
	}
	if o.Weights != "" {
		c.Backbone.Weights = o.Weights
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.OutputDir != "" {
		c.OutputDir = o.OutputDir
	}
	if o.PlotDir != "" {
		c.PlotDir = o.PlotDir
	}
}

// Validate verifies the config is runnable. Device ids are checked by
// nn.NewDataParallel.
func (c *Config) Validate() error {
	if c == nil {
		return errors.NewValidationError("config", "is nil", nil)
	}
	switch {
	case c.Dataset == "":
		return errors.NewValidationError("dataset", "must not be empty", c.Dataset)
	case c.BatchSize <= 0:
		return errors.NewValidationError("batch_size", "must be > 0", c.BatchSize)
	case c.NumWorkers <= 0:
		return errors.NewValidationError("num_workers", "must be > 0", c.NumWorkers)
	case len(c.Devices) == 0:
		return errors.NewValidationError("devices", "at least one device is required", c.Devices)
	case c.Epochs <= 0:
		return errors.NewValidationError("epochs", "must be > 0", c.Epochs)
	case c.ImageSize <= 0:
		return errors.NewValidationError("image_size", "must be > 0", c.ImageSize)
	case c.ResizeSize < c.ImageSize:
		return errors.NewValidationError("resize_size", "must be >= image_size", c.ResizeSize)
	case c.HiddenUnits <= 0:
		return errors.NewValidationError("hidden_units", "must be > 0", c.HiddenUnits)
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.NewValidationError("dropout", "must be in [0, 1)", c.Dropout)
	case c.NumClasses < 0:
		return errors.NewValidationError("num_classes", "must be >= 0", c.NumClasses)
	case c.LearningRate <= 0:
		return errors.NewValidationError("learning_rate", "must be > 0", c.LearningRate)
	case c.Backbone.Grid <= 0 || c.Backbone.Grid > c.ImageSize:
		return errors.NewValidationError("backbone.grid", "must be in [1, image_size]", c.Backbone.Grid)
	case c.Backbone.Features <= 0:
		return errors.NewValidationError("backbone.features", "must be > 0", c.Backbone.Features)
	case c.OutputDir == "":
		return errors.NewValidationError("output_dir", "must not be empty", c.OutputDir)
	}
	if c.LogEvery < 0 {
		c.LogEvery = 0
	}
	if c.PlotDir == "" {
		c.PlotDir = "."
	}
	return nil
}

// TrainDir is <data_root>/<dataset>/train.
func (c *Config) TrainDir() string {
	return filepath.Join(c.DataRoot, c.Dataset, "train")
}

// ValidDir is <data_root>/<dataset>/valid.
func (c *Config) ValidDir() string {
	return filepath.Join(c.DataRoot, c.Dataset, "valid")
}

// ParseDevices parses a comma separated device list such as "0,1,2,3".
func ParseDevices(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.NewValidationError("devices", "not a comma separated list of integers", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
