package models

import (
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// Metadata is the on-disk description of a trained model, exported next to
// the ONNX graph.
type Metadata struct {
	ImageSize  int `json:"img_size" yaml:"img_size"`
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// PrototypeShape is [prototypes, channels, kernel height, kernel width].
	PrototypeShape []int `json:"prototype_shape" yaml:"prototype_shape"`
	Stride         int   `json:"prototype_layer_stride" yaml:"prototype_layer_stride"`
	Dilation       []int `json:"prototype_dilation" yaml:"prototype_dilation"`
	// LegacyDilation is the misspelled key written by older checkpoints.
	LegacyDilation    []int       `json:"prototype_dillation" yaml:"prototype_dillation"`
	DeformationGroups int         `json:"num_deformation_groups" yaml:"num_deformation_groups"`
	ClassIdentity     []int       `json:"prototype_class_identity" yaml:"prototype_class_identity"`
	PushIdentity      []int       `json:"push_class_identity" yaml:"push_class_identity"`
	LastLayerWeights  [][]float64 `json:"last_layer_weights" yaml:"last_layer_weights"`
	ClassNames        []string    `json:"class_names" yaml:"class_names"`
	Epoch             int         `json:"epoch" yaml:"epoch"`
}

// LoadMetadata reads model metadata from a YAML (or JSON) file.
//
// Arguments:
//   - path: The metadata file path.
//
// Returns:
//   - *Metadata: The parsed metadata, not yet validated.
//   - error: If the file cannot be read or parsed.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read model metadata")
	}
	var md Metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, errors.Wrapf(err, "parse model metadata %s", path)
	}
	return &md, nil
}

// dilation resolves the dilation field, falling back to the legacy key and
// then to (1, 1).
func (md *Metadata) dilation() (Dilation, error) {
	raw := md.Dilation
	if len(raw) == 0 {
		raw = md.LegacyDilation
	}
	if len(raw) == 0 {
		return Dilation{Height: 1, Width: 1}, nil
	}
	if len(raw) != 2 || raw[0] < 1 || raw[1] < 1 {
		return Dilation{}, errors.Errorf("dilation must be two values >= 1, got %v", raw)
	}
	return Dilation{Height: raw[0], Width: raw[1]}, nil
}

// Build validates the metadata and produces the immutable Model.
//
// Returns:
//   - *Model: The model view.
//   - error: On any inconsistency between shapes, identities and weights.
func (md *Metadata) Build() (*Model, error) {
	if md.ImageSize <= 0 {
		return nil, errors.Errorf("img_size must be positive, got %d", md.ImageSize)
	}
	if md.NumClasses <= 0 {
		return nil, errors.Errorf("num_classes must be positive, got %d", md.NumClasses)
	}
	if len(md.PrototypeShape) != 4 {
		return nil, errors.Errorf("prototype_shape must have 4 dims, got %v", md.PrototypeShape)
	}
	numPrototypes := md.PrototypeShape[0]
	kernel := KernelShape{Height: md.PrototypeShape[2], Width: md.PrototypeShape[3]}
	if numPrototypes <= 0 || kernel.Height < 1 || kernel.Width < 1 {
		return nil, errors.Errorf("invalid prototype_shape %v", md.PrototypeShape)
	}

	stride := md.Stride
	if stride == 0 {
		stride = 1
	}
	if stride < 1 {
		return nil, errors.Errorf("prototype_layer_stride must be >= 1, got %d", stride)
	}
	groups := md.DeformationGroups
	if groups == 0 {
		groups = 1
	}
	if groups < 1 {
		return nil, errors.Errorf("num_deformation_groups must be >= 1, got %d", groups)
	}

	dil, err := md.dilation()
	if err != nil {
		return nil, err
	}

	if len(md.ClassIdentity) != numPrototypes {
		return nil, errors.Errorf("prototype_class_identity has %d entries, want %d",
			len(md.ClassIdentity), numPrototypes)
	}
	push := md.PushIdentity
	if len(push) == 0 {
		push = md.ClassIdentity
	}
	if len(push) != numPrototypes {
		return nil, errors.Errorf("push_class_identity has %d entries, want %d", len(push), numPrototypes)
	}

	weights, err := weightMatrix(md.LastLayerWeights, md.NumClasses, numPrototypes)
	if err != nil {
		return nil, err
	}

	prototypes := make([]Prototype, numPrototypes)
	for i := range prototypes {
		c := md.ClassIdentity[i]
		if c < 0 || c >= md.NumClasses {
			return nil, errors.Errorf("prototype %d assigned to class %d outside [0,%d)", i, c, md.NumClasses)
		}
		prototypes[i] = Prototype{
			Index:    i,
			Class:    c,
			Kernel:   kernel,
			Dilation: dil,
			Group:    i % groups,
		}
	}

	names := md.ClassNames
	if len(names) == 0 {
		names = NumberedClassNames(md.NumClasses)
	}
	if len(names) != md.NumClasses {
		return nil, errors.Errorf("class_names has %d entries, want %d", len(names), md.NumClasses)
	}

	return &Model{
		ImageSize:         md.ImageSize,
		NumClasses:        md.NumClasses,
		Stride:            stride,
		DeformationGroups: groups,
		Prototypes:        prototypes,
		PushIdentity:      append([]int(nil), push...),
		Weights:           weights,
		Classes:           NewClassSet(names),
		Epoch:             md.Epoch,
	}, nil
}

func weightMatrix(rows [][]float64, classes, prototypes int) (*mat.Dense, error) {
	if len(rows) != classes {
		return nil, errors.Errorf("last_layer_weights has %d rows, want %d", len(rows), classes)
	}
	data := make([]float64, 0, classes*prototypes)
	for c, row := range rows {
		if len(row) != prototypes {
			return nil, errors.Errorf("last_layer_weights row %d has %d columns, want %d", c, len(row), prototypes)
		}
		data = append(data, row...)
	}
	return mat.NewDense(classes, prototypes, data), nil
}

// LoadModel is LoadMetadata followed by Build.
func LoadModel(path string) (*Model, error) {
	md, err := LoadMetadata(path)
	if err != nil {
		return nil, err
	}
	m, err := md.Build()
	if err != nil {
		return nil, errors.Wrapf(err, "model metadata %s", path)
	}
	return m, nil
}
