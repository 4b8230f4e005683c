// Package config loads the settings of a local analysis run.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/protolens/heatmap"
	"github.com/nvr-ai/protolens/inference"
	"github.com/nvr-ai/protolens/inference/providers"
	"github.com/nvr-ai/protolens/ranking"
)

// Config holds the settings of a run. Relative model paths resolve against
// ModelDir.
type Config struct {
	// ModelDir holds the exported model, its metadata and its img/ directory.
	ModelDir string `json:"model_dir" yaml:"model_dir"`
	// ModelFile is the ONNX graph.
	ModelFile string `json:"model_file" yaml:"model_file"`
	// MetadataFile is the model metadata YAML.
	MetadataFile string `json:"metadata_file" yaml:"metadata_file"`
	// PrototypeImageDir holds prototype-img<i>.png reference images.
	PrototypeImageDir string `json:"prototype_image_dir" yaml:"prototype_image_dir"`
	// TestImageDir is scanned for images to analyze.
	TestImageDir string `json:"test_image_dir" yaml:"test_image_dir"`
	// OutputDir receives one timestamped directory per run.
	OutputDir string `json:"output_dir" yaml:"output_dir"`

	TopN                     int     `json:"top_n" yaml:"top_n"`
	TopKClasses              int     `json:"top_k_classes" yaml:"top_k_classes"`
	Workers                  int     `json:"workers" yaml:"workers"`
	HighActivationPercentile float64 `json:"high_activation_percentile" yaml:"high_activation_percentile"`

	Normalization inference.Normalization `json:"normalization" yaml:"normalization"`
	// ONNX runtime settings.
	LibraryPath string                `json:"library_path" yaml:"library_path"`
	InputName   string                `json:"input_name" yaml:"input_name"`
	Outputs     inference.OutputNames `json:"outputs" yaml:"outputs"`
	Provider    providers.Config      `json:"provider" yaml:"provider"`

	// Index enables the SQLite result index.
	Index    bool   `json:"index" yaml:"index"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// Default returns the settings used when a key is absent.
func Default() Config {
	return Config{
		ModelDir:                 ".",
		ModelFile:                "model.onnx",
		MetadataFile:             "model.yaml",
		PrototypeImageDir:        "img",
		TestImageDir:             "test",
		OutputDir:                "saved_visualizations",
		TopN:                     ranking.DefaultTopN,
		TopKClasses:              ranking.DefaultTopKClasses,
		Workers:                  1,
		HighActivationPercentile: heatmap.DefaultPercentile,
		Normalization:            inference.ImageNet,
		InputName:                "input",
		Outputs:                  inference.DefaultOutputNames,
		Provider:                 providers.DefaultConfig(),
		Index:                    true,
		LogLevel:                 "info",
	}
}

// Load reads a YAML file over the defaults.
//
// Arguments:
//   - path: The YAML file.
//
// Returns:
//   - Config: The merged and validated settings.
//   - error: If the file cannot be read, parsed or validated.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and names.
func (c Config) Validate() error {
	switch {
	case c.ModelFile == "":
		return errors.New("model_file is required")
	case c.MetadataFile == "":
		return errors.New("metadata_file is required")
	case c.TestImageDir == "":
		return errors.New("test_image_dir is required")
	case c.OutputDir == "":
		return errors.New("output_dir is required")
	case c.TopN < 1:
		return errors.Errorf("top_n must be >= 1, got %d", c.TopN)
	case c.TopKClasses < 1:
		return errors.Errorf("top_k_classes must be >= 1, got %d", c.TopKClasses)
	case c.Workers < 1:
		return errors.Errorf("workers must be >= 1, got %d", c.Workers)
	case !(c.HighActivationPercentile >= 0 && c.HighActivationPercentile <= 100):
		return errors.Errorf("high_activation_percentile must be in [0,100], got %v", c.HighActivationPercentile)
	}
	if err := c.Normalization.Validate(); err != nil {
		return errors.Wrap(err, "normalization")
	}
	if err := c.Provider.Validate(); err != nil {
		return errors.Wrap(err, "provider")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c Config) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.ModelDir, name)
}

// ModelPath is the ONNX graph path.
func (c Config) ModelPath() string {
	return c.resolve(c.ModelFile)
}

// MetadataPath is the model metadata path.
func (c Config) MetadataPath() string {
	return c.resolve(c.MetadataFile)
}

// PrototypeImagePath is the prototype reference image directory.
func (c Config) PrototypeImagePath() string {
	return c.resolve(c.PrototypeImageDir)
}

// ONNX returns the engine configuration for an input size.
func (c Config) ONNX(imageSize int) inference.ONNXConfig {
	return inference.ONNXConfig{
		ModelPath:   c.ModelPath(),
		LibraryPath: c.LibraryPath,
		InputName:   c.InputName,
		Outputs:     c.Outputs,
		ImageSize:   imageSize,
		Provider:    c.Provider,
	}
}

// ParseLevel maps debug, info, warn and error to slog levels. An empty
// name is info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.Errorf("unknown log level %q", name)
}
