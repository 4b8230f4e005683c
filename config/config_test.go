package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/protolens/inference"
	"github.com/nvr-ai/protolens/inference/providers"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.TopN)
	assert.Equal(t, 2, cfg.TopKClasses)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 95.0, cfg.HighActivationPercentile)
	assert.Equal(t, inference.ImageNet, cfg.Normalization)
}

// TestLoadOverridesDefaults checks that keys present in the file replace
// defaults and absent keys keep them.
func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
model_dir: /models/oct
model_file: ppnet.onnx
test_image_dir: /data/test
top_n: 5
workers: 4
normalization:
  mean: [0.5, 0.5, 0.5]
  std: [0.25, 0.25, 0.25]
provider:
  backend: cuda
  cuda:
    device_id: 1
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.TopN)
	assert.Equal(t, 2, cfg.TopKClasses)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, [3]float32{0.5, 0.5, 0.5}, cfg.Normalization.Mean)
	assert.Equal(t, providers.CUDABackend, cfg.Provider.Backend)
	assert.Equal(t, 1, cfg.Provider.CUDA.DeviceID)

	assert.Equal(t, "/models/oct/ppnet.onnx", cfg.ModelPath())
	assert.Equal(t, "/models/oct/model.yaml", cfg.MetadataPath())
	assert.Equal(t, "/models/oct/img", cfg.PrototypeImagePath())

	onnx := cfg.ONNX(224)
	assert.Equal(t, 224, onnx.ImageSize)
	assert.Equal(t, cfg.ModelPath(), onnx.ModelPath)
	assert.Equal(t, inference.DefaultOutputNames, onnx.Outputs)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero top_n", "top_n: 0"},
		{"negative workers", "workers: -1"},
		{"percentile", "high_activation_percentile: 120"},
		{"zero std", "normalization: {mean: [0,0,0], std: [1,0,1]}"},
		{"provider", "provider: {backend: tpu}"},
		{"log level", "log_level: loud"},
		{"syntax", "top_n: [1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
