// Package config loads the settings of a data preparation run from YAML.
package config

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/larworkshop/nuvision/seed"
	"github.com/larworkshop/nuvision/training"
	"github.com/larworkshop/nuvision/vision/dataset"
)

// Config is the full run configuration.
type Config struct {
	DataRoot string `yaml:"data_root"`
	LogLevel string `yaml:"log_level"`

	Split  dataset.SplitConfig   `yaml:"split"`
	Seed   seed.Config           `yaml:"seed"`
	Loader training.LoaderConfig `yaml:"loader"`
	Model  ModelConfig           `yaml:"model"`
}

// ModelConfig controls the optional demo model written after preparation.
type ModelConfig struct {
	// Save is the output path without extension. Empty skips the model.
	Save          string  `yaml:"save"`
	Format        string  `yaml:"format"` // "json" or "onnx"
	Leak          float64 `yaml:"leak"`
	KaimingNormal bool    `yaml:"kaiming_normal"`
}

// Defaults returns the workshop settings. DataRoot has no default.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Split: dataset.SplitConfig{
			ValidSize: dataset.DefaultValidSize,
		},
		Loader: training.DefaultLoaderConfig(),
		Model: ModelConfig{
			Format:        "json",
			KaimingNormal: true,
		},
	}
}

// Load reads path on top of Defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: read")
	}
	return Parse(raw)
}

// Parse decodes raw YAML on top of Defaults.
func Parse(raw []byte) (Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrap(err, "config: decode")
	}
	return cfg, nil
}

// Validate checks the bounds every component relies on.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.DataRoot) == "" {
		return errors.New("config: data_root not set")
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return errors.Errorf("config: invalid log_level %q", cfg.LogLevel)
	}
	if cfg.Split.ValidSize < 0 || cfg.Split.TrainSize < 0 {
		return errors.New("config: split sizes must be >= 0")
	}
	if cfg.Loader.BatchSize < 1 {
		return errors.New("config: loader.batch_size must be >= 1")
	}
	if cfg.Loader.NumClasses < 1 {
		return errors.New("config: loader.num_classes must be >= 1")
	}
	if cfg.Loader.NumWorkers < 0 {
		return errors.New("config: loader.num_workers must be >= 0")
	}
	if cfg.Loader.MaxCacheSize < -1 {
		return errors.New("config: loader.max_cache_size must be >= -1")
	}
	if cfg.Model.Leak < 0 {
		return errors.New("config: model.leak must be >= 0")
	}
	switch cfg.Model.Format {
	case "json", "onnx":
	default:
		return errors.Errorf("config: unknown model.format %q", cfg.Model.Format)
	}
	return nil
}
