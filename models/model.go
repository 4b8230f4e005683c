// Package models - Prototype classifier metadata, class sets and the
// prototype identity check.
package models

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// KernelShape is the spatial extent of a prototype in latent cells.
type KernelShape struct {
	Height int `json:"height" yaml:"height"`
	Width  int `json:"width" yaml:"width"`
}

// Elements returns the number of kernel elements (Height*Width).
func (k KernelShape) Elements() int {
	return k.Height * k.Width
}

// Dilation is the spacing between kernel elements in latent cells.
type Dilation struct {
	Height int `json:"height" yaml:"height"`
	Width  int `json:"width" yaml:"width"`
}

// Prototype is one learned spatial template. Immutable once loaded.
type Prototype struct {
	// Index is the 0-based prototype identity, unique within a model.
	Index int
	// Class is the class the prototype is assigned to.
	Class int
	// Kernel is the spatial kernel shape.
	Kernel KernelShape
	// Dilation between kernel elements.
	Dilation Dilation
	// Group is the deformation group whose offset channels this prototype reads.
	Group int
}

// Model is the read-only view of a trained prototype classifier needed to
// explain its predictions. It is loaded once and shared across images.
type Model struct {
	// ImageSize is the square input side length in pixels.
	ImageSize int
	// NumClasses is the number of output classes.
	NumClasses int
	// Stride of the prototype layer over the latent grid.
	Stride int
	// DeformationGroups is the number of offset groups packed in the offsets tensor.
	DeformationGroups int
	// Prototypes indexed by prototype index.
	Prototypes []Prototype
	// PushIdentity is the class of the image each prototype was pushed onto.
	PushIdentity []int
	// Weights is the last-layer weight matrix, [class][prototype].
	Weights *mat.Dense
	// Classes names the output classes.
	Classes *ClassSet
	// Epoch the checkpoint was saved at.
	Epoch int
}

// NumPrototypes returns the number of prototypes.
func (m *Model) NumPrototypes() int {
	return len(m.Prototypes)
}

// Prototype returns the prototype with the given index.
func (m *Model) Prototype(index int) (Prototype, error) {
	if index < 0 || index >= len(m.Prototypes) {
		return Prototype{}, errors.Errorf("prototype %d out of range [0,%d)", index, len(m.Prototypes))
	}
	return m.Prototypes[index], nil
}

// ClassPrototypes returns the indices of prototypes assigned to class, in
// ascending index order.
func (m *Model) ClassPrototypes(class int) []int {
	var out []int
	for _, p := range m.Prototypes {
		if p.Class == class {
			out = append(out, p.Index)
		}
	}
	return out
}

// Connection returns the last-layer weight between class and prototype.
func (m *Model) Connection(class, prototype int) float64 {
	return m.Weights.At(class, prototype)
}

// Assignments returns the assigned class of every prototype, by index.
func (m *Model) Assignments() []int {
	out := make([]int, len(m.Prototypes))
	for i, p := range m.Prototypes {
		out[i] = p.Class
	}
	return out
}

func (m *Model) String() string {
	return fmt.Sprintf("Model (img %d, classes %d, prototypes %d, stride %d, epoch %d)",
		m.ImageSize, m.NumClasses, len(m.Prototypes), m.Stride, m.Epoch)
}
