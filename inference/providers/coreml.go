package providers

// CoreML provider flags, mirroring coreml_provider_factory.h.
const (
	coreMLUseCPUOnly       uint32 = 0x001
	coreMLEnableOnSubgraph uint32 = 0x002
	coreMLOnlyANEDevices   uint32 = 0x004
	coreMLOnlyStaticShapes uint32 = 0x008
	coreMLCreateMLProgram  uint32 = 0x010
)

// CoreMLOptions contains arguments for the CoreML provider.
// See: https://onnxruntime.ai/docs/execution-providers/CoreML-ExecutionProvider.html
type CoreMLOptions struct {
	// Limit CoreML to running on CPU only.
	CPUOnly bool `json:"cpu_only" yaml:"cpu_only"`
	// Enable CoreML EP to run on a subgraph in the body of a control flow operator.
	EnableOnSubgraphs bool `json:"enable_on_subgraphs" yaml:"enable_on_subgraphs"`
	// Only enable CoreML on devices with an Apple Neural Engine.
	OnlyANE bool `json:"only_ane" yaml:"only_ane"`
	// Only allow nodes whose inputs have static shapes.
	RequireStaticInputShapes bool `json:"require_static_input_shapes" yaml:"require_static_input_shapes"`
	// Create an MLProgram format model instead of NeuralNetwork.
	MLProgram bool `json:"ml_program" yaml:"ml_program"`
}

// Flags packs the options into the CoreML provider bit field.
func (o CoreMLOptions) Flags() uint32 {
	var f uint32
	if o.CPUOnly {
		f |= coreMLUseCPUOnly
	}
	if o.EnableOnSubgraphs {
		f |= coreMLEnableOnSubgraph
	}
	if o.OnlyANE {
		f |= coreMLOnlyANEDevices
	}
	if o.RequireStaticInputShapes {
		f |= coreMLOnlyStaticShapes
	}
	if o.MLProgram {
		f |= coreMLCreateMLProgram
	}
	return f
}
