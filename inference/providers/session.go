package providers

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	envOnce sync.Once
	envErr  error
)

// InitializeEnvironment loads the onnxruntime shared library and prepares
// the runtime. It is safe to call more than once; only the first call has
// an effect.
//
// Arguments:
//   - libPath: The shared library path, or "" for GetSharedLibPath.
//
// Returns:
//   - error: If the library is missing or the runtime fails to initialize.
func InitializeEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath == "" {
			libPath = GetSharedLibPath()
		}
		if _, err := os.Stat(libPath); err != nil {
			envErr = fmt.Errorf("ONNX Runtime library not found at %s: %w", libPath, err)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("error initializing ORT environment: %w", err)
		}
	})
	return envErr
}

// NewSessionOptions builds session options for the configured backend.
// The caller must Destroy the returned options once the session is created.
//
// Arguments:
//   - cfg: The provider configuration.
//
// Returns:
//   - *ort.SessionOptions: Options with threading, optimization level and
//     the execution provider applied.
//   - error: If any option cannot be applied.
func NewSessionOptions(cfg Config) (*ort.SessionOptions, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}

	if err := configure(options, cfg); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func configure(options *ort.SessionOptions, cfg Config) error {
	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		return fmt.Errorf("error setting inter-op threads: %w", err)
	}

	if err := options.SetGraphOptimizationLevel(cfg.OptimizationLevel()); err != nil {
		return fmt.Errorf("error setting graph optimization level: %w", err)
	}

	switch cfg.Backend {
	case CUDABackend:
		cuda, err := cfg.CUDA.ToNativeProviderOptions()
		if err != nil {
			return err
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("error enabling CUDA: %w", err)
		}
	case CoreMLBackend:
		if err := options.AppendExecutionProviderCoreML(cfg.CoreML.Flags()); err != nil {
			return fmt.Errorf("error enabling CoreML: %w", err)
		}
	case OpenVINOBackend:
		if err := options.AppendExecutionProviderOpenVINO(cfg.OpenVINO.Settings()); err != nil {
			return fmt.Errorf("error enabling OpenVINO: %w", err)
		}
	}
	return nil
}
