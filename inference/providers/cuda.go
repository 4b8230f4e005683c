package providers

import (
	"fmt"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	// The device ID.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// The size limit of the device memory arena in bytes. 0 leaves the runtime default.
	GPUMemLimit int64 `json:"gpu_mem_limit" yaml:"gpu_mem_limit"`
	// The strategy for extending the device memory arena.
	// 0: kNextPowerOfTwo, 1: kSameAsRequested
	ArenaExtendStrategy int `json:"arena_extend_strategy" yaml:"arena_extend_strategy"`
	// The type of search done for cuDNN convolution algorithms.
	// 0: EXHAUSTIVE, 1: HEURISTIC, 2: DEFAULT
	CudnnConvAlgoSearch int `json:"cudnn_conv_algo_search" yaml:"cudnn_conv_algo_search"`
	// Whether to do copies in the default stream or use separate streams.
	DoCopyInDefaultStream bool `json:"do_copy_in_default_stream" yaml:"do_copy_in_default_stream"`
}

var cudnnSearch = []string{"EXHAUSTIVE", "HEURISTIC", "DEFAULT"}

// Settings renders the options as the key/value pairs expected by the
// CUDA execution provider.
func (o CUDAOptions) Settings() map[string]string {
	s := map[string]string{
		"device_id":                 strconv.Itoa(o.DeviceID),
		"arena_extend_strategy":     "kNextPowerOfTwo",
		"do_copy_in_default_stream": "0",
	}
	if o.ArenaExtendStrategy == 1 {
		s["arena_extend_strategy"] = "kSameAsRequested"
	}
	if o.DoCopyInDefaultStream {
		s["do_copy_in_default_stream"] = "1"
	}
	if o.GPUMemLimit > 0 {
		s["gpu_mem_limit"] = strconv.FormatInt(o.GPUMemLimit, 10)
	}
	if o.CudnnConvAlgoSearch >= 0 && o.CudnnConvAlgoSearch < len(cudnnSearch) {
		s["cudnn_conv_algo_search"] = cudnnSearch[o.CudnnConvAlgoSearch]
	}
	return s
}

// ToNativeProviderOptions converts the CUDA options to native provider
// options. The caller must Destroy the result.
func (o CUDAOptions) ToNativeProviderOptions() (*ort.CUDAProviderOptions, error) {
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating CUDA provider options: %w", err)
	}
	if err := opts.Update(o.Settings()); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("error updating CUDA provider options: %w", err)
	}
	return opts, nil
}
