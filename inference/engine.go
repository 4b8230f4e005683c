// Package inference - Forward pass of a deformable prototype classifier and
// the tensors it produces.
package inference

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/protolens/inference/providers"
)

// Engine runs the classifier on one preprocessed image.
type Engine interface {
	Analyze(ctx context.Context, in *Input) (*Result, error)
	Close() error
}

// OutputNames are the graph output names of the exported classifier.
type OutputNames struct {
	Logits      string `json:"logits" yaml:"logits"`
	Activations string `json:"activations" yaml:"activations"`
	Patterns    string `json:"patterns" yaml:"patterns"`
	Offsets     string `json:"offsets" yaml:"offsets"`
}

// DefaultOutputNames match the export script of the classifier.
var DefaultOutputNames = OutputNames{
	Logits:      "logits",
	Activations: "prototype_activations",
	Patterns:    "prototype_activation_patterns",
	Offsets:     "offsets",
}

func (n OutputNames) list() []string {
	return []string{n.Logits, n.Activations, n.Patterns, n.Offsets}
}

// ONNXConfig configures an ONNXEngine.
type ONNXConfig struct {
	// ModelPath is the exported ONNX graph.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// LibraryPath is the onnxruntime shared library, "" for the platform default.
	LibraryPath string `json:"library_path" yaml:"library_path"`
	// InputName is the image input of the graph.
	InputName string `json:"input_name" yaml:"input_name"`
	// Outputs names the four graph outputs.
	Outputs OutputNames `json:"outputs" yaml:"outputs"`
	// ImageSize is the square input side length.
	ImageSize int `json:"image_size" yaml:"image_size"`
	// Provider selects the execution provider.
	Provider providers.Config `json:"provider" yaml:"provider"`
}

const (
	outLogits = iota
	outActivations
	outPatterns
	outOffsets
)

// ONNXEngine runs the classifier through onnxruntime. The session is bound
// to preallocated tensors, so Analyze calls are serialized.
type ONNXEngine struct {
	mu      sync.Mutex
	session *Session
	size    int
	shapes  [4][]int
}

// NewONNXEngine loads the model and binds input and output tensors. Output
// shapes are read from the graph.
//
// Arguments:
//   - cfg: The engine configuration.
//
// Returns:
//   - *ONNXEngine: The engine, to be closed by the caller.
//   - error: If the runtime, graph or session cannot be set up.
func NewONNXEngine(cfg ONNXConfig) (*ONNXEngine, error) {
	if cfg.ImageSize <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", cfg.ImageSize)
	}
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.Outputs == (OutputNames{}) {
		cfg.Outputs = DefaultOutputNames
	}

	if err := providers.InitializeEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	_, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read graph info %s", cfg.ModelPath)
	}
	dims := make(map[string]ort.Shape, len(outputs))
	for _, o := range outputs {
		dims[o.Name] = o.Dimensions
	}

	s := &Session{}
	e := &ONNXEngine{session: s, size: cfg.ImageSize}

	s.Input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(cfg.ImageSize), int64(cfg.ImageSize)))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}

	names := cfg.Outputs.list()
	bound := make([]ort.ArbitraryTensor, 0, len(names))
	for i, name := range names {
		d, ok := dims[name]
		if !ok {
			s.Close()
			return nil, errors.Errorf("graph %s has no output %q", cfg.ModelPath, name)
		}
		shape, err := tensorShape(name, d)
		if err != nil {
			s.Close()
			return nil, err
		}
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "create output tensor %q", name)
		}
		s.Outputs = append(s.Outputs, t)
		bound = append(bound, t)
		e.shapes[i] = squeeze(shape)
	}
	if err := e.checkShapes(); err != nil {
		s.Close()
		return nil, err
	}

	options, err := providers.NewSessionOptions(cfg.Provider)
	if err != nil {
		s.Close()
		return nil, err
	}
	defer options.Destroy()

	s.Session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		names,
		[]ort.ArbitraryTensor{s.Input},
		bound,
		options,
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("error creating ORT session: %w", err)
	}
	return e, nil
}

func (e *ONNXEngine) checkShapes() error {
	if len(e.shapes[outPatterns]) != 3 {
		return errors.Errorf("activation patterns must be [P,H,W], got %v", e.shapes[outPatterns])
	}
	if len(e.shapes[outOffsets]) != 3 {
		return errors.Errorf("offsets must be [C,H,W], got %v", e.shapes[outOffsets])
	}
	return nil
}

// Analyze runs one forward pass. Failures wrap ErrInference.
//
// Arguments:
//   - ctx: Checked before the pass; a running pass is not interrupted.
//   - in: The preprocessed image.
//
// Returns:
//   - *Result: Copies of the outputs, safe to use after the next call.
//   - error: On cancellation or any runtime failure.
func (e *ONNXEngine) Analyze(ctx context.Context, in *Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in == nil || in.Size != e.size || len(in.Tensor) != 3*e.size*e.size {
		return nil, failure("input", errors.Errorf("input does not match model size %d", e.size))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Session == nil {
		return nil, failure("run", errors.New("engine closed"))
	}
	copy(e.session.Input.GetData(), in.Tensor)
	if err := e.session.Session.Run(); err != nil {
		return nil, failure("run", err)
	}

	out := make([][]float32, len(e.session.Outputs))
	for i, t := range e.session.Outputs {
		out[i] = append([]float32(nil), t.GetData()...)
	}

	ps, osh := e.shapes[outPatterns], e.shapes[outOffsets]
	patterns, err := NewPatterns(ps[0], ps[1], ps[2], out[outPatterns])
	if err != nil {
		return nil, failure("patterns", err)
	}
	offsets, err := NewOffsets(osh[0], osh[1], osh[2], out[outOffsets])
	if err != nil {
		return nil, failure("offsets", err)
	}
	res := &Result{
		Logits:      out[outLogits],
		Activations: out[outActivations],
		Patterns:    patterns,
		Offsets:     offsets,
	}
	if err := res.Validate(); err != nil {
		return nil, failure("outputs", err)
	}
	return res, nil
}

// Close releases the session.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Close()
}
