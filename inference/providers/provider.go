// Package providers - Execution provider selection for the ONNX runtime.
package providers

import (
	"fmt"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// Backend names an ONNX Runtime execution provider.
type Backend string

const (
	// CPUBackend runs on the default CPU execution provider.
	CPUBackend Backend = "cpu"
	// CUDABackend uses NVIDIA CUDA for GPU acceleration.
	CUDABackend Backend = "cuda"
	// CoreMLBackend uses Apple CoreML for macOS acceleration.
	CoreMLBackend Backend = "coreml"
	// OpenVINOBackend uses Intel OpenVINO for inference optimization.
	OpenVINOBackend Backend = "openvino"
)

// Backends is a list of all supported backends.
var Backends = []Backend{CPUBackend, CUDABackend, CoreMLBackend, OpenVINOBackend}

// ParseBackend resolves a backend name, case-insensitively. An empty name
// selects the CPU.
//
// Arguments:
//   - name: The backend name.
//
// Returns:
//   - Backend: The matching backend.
//   - error: If the name is not a supported backend.
func ParseBackend(name string) (Backend, error) {
	if name == "" {
		return CPUBackend, nil
	}
	for _, b := range Backends {
		if strings.EqualFold(string(b), name) {
			return b, nil
		}
	}
	return "", fmt.Errorf("unsupported execution provider %q", name)
}

// Config selects and tunes the execution provider for a session.
type Config struct {
	// Backend specifies the execution provider to append to the session.
	Backend Backend `json:"backend" yaml:"backend"`
	// IntraOpThreads sets threads for parallelizing ops. 0 lets the runtime decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	// InterOpThreads sets threads for parallelizing independent ops.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
	// DisableOptimization turns off graph rewrites, useful when debugging
	// numeric differences against the training framework.
	DisableOptimization bool `json:"disable_optimization" yaml:"disable_optimization"`

	CUDA     CUDAOptions     `json:"cuda" yaml:"cuda"`
	CoreML   CoreMLOptions   `json:"coreml" yaml:"coreml"`
	OpenVINO OpenVINOOptions `json:"openvino" yaml:"openvino"`
}

// DefaultConfig returns a CPU configuration with runtime-chosen threading.
func DefaultConfig() Config {
	return Config{Backend: CPUBackend}
}

// OptimizationLevel is the graph optimization level sessions run at.
func (c Config) OptimizationLevel() ort.GraphOptimizationLevel {
	if c.DisableOptimization {
		return ort.GraphOptimizationLevelDisableAll
	}
	return ort.GraphOptimizationLevelEnableExtended
}

// Validate checks the backend name and the provider-specific options.
func (c Config) Validate() error {
	if _, err := ParseBackend(string(c.Backend)); err != nil {
		return err
	}
	if c.IntraOpThreads < 0 || c.InterOpThreads < 0 {
		return fmt.Errorf("thread counts must be >= 0, got intra=%d inter=%d", c.IntraOpThreads, c.InterOpThreads)
	}
	if c.Backend == CUDABackend && c.CUDA.DeviceID < 0 {
		return fmt.Errorf("cuda device id must be >= 0, got %d", c.CUDA.DeviceID)
	}
	return nil
}
