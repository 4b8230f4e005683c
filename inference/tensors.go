package inference

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ActivationMap is the similarity of one prototype against every cell of the
// latent grid, stored row-major.
type ActivationMap struct {
	Rows   int
	Cols   int
	Values []float32
}

// NewActivationMap validates the shape against the values.
func NewActivationMap(rows, cols int, values []float32) (ActivationMap, error) {
	if rows <= 0 || cols <= 0 || len(values) != rows*cols {
		return ActivationMap{}, errors.Errorf("activation map %dx%d does not match %d values", rows, cols, len(values))
	}
	return ActivationMap{Rows: rows, Cols: cols, Values: values}, nil
}

// At returns the value at (row, col).
func (m ActivationMap) At(row, col int) float32 {
	return m.Values[row*m.Cols+col]
}

// Argmax returns the cell with the largest value. Ties resolve to the first
// cell in row-major order; NaN cells never win.
func (m ActivationMap) Argmax() (row, col int) {
	best := -1
	for i, v := range m.Values {
		if v != v {
			continue
		}
		if best < 0 || v > m.Values[best] {
			best = i
		}
	}
	if best < 0 {
		return 0, 0
	}
	return best / m.Cols, best % m.Cols
}

// Patterns holds the activation map of every prototype, shape
// [prototypes, rows, cols].
type Patterns struct {
	t *tensor.Dense
}

// NewPatterns wraps data laid out as [prototypes][rows][cols].
func NewPatterns(prototypes, rows, cols int, data []float32) (*Patterns, error) {
	if prototypes <= 0 || rows <= 0 || cols <= 0 || len(data) != prototypes*rows*cols {
		return nil, errors.Errorf("activation patterns %dx%dx%d do not match %d values",
			prototypes, rows, cols, len(data))
	}
	return &Patterns{t: tensor.New(tensor.WithShape(prototypes, rows, cols), tensor.WithBacking(data))}, nil
}

// Shape returns (prototypes, rows, cols).
func (p *Patterns) Shape() (prototypes, rows, cols int) {
	s := p.t.Shape()
	return s[0], s[1], s[2]
}

// Map returns the activation map of one prototype. The map shares storage
// with the tensor.
func (p *Patterns) Map(prototype int) (ActivationMap, error) {
	n, rows, cols := p.Shape()
	if prototype < 0 || prototype >= n {
		return ActivationMap{}, errors.Errorf("prototype %d out of range [0,%d)", prototype, n)
	}
	data := p.t.Data().([]float32)
	size := rows * cols
	return ActivationMap{Rows: rows, Cols: cols, Values: data[prototype*size : (prototype+1)*size]}, nil
}

// Offsets are the deformation offsets of one image, shape [channels, rows,
// cols]. For kernel element (i, k) of a prototype in group g the height
// offset is channel g*2*kh*kw + 2*(k + kw*i) and the width offset the
// channel after it.
type Offsets struct {
	t *tensor.Dense
}

// NewOffsets wraps data laid out as [channels][rows][cols].
func NewOffsets(channels, rows, cols int, data []float32) (*Offsets, error) {
	if channels <= 0 || channels%2 != 0 {
		return nil, errors.Errorf("offset channels must be a positive even number, got %d", channels)
	}
	if rows <= 0 || cols <= 0 || len(data) != channels*rows*cols {
		return nil, errors.Errorf("offsets %dx%dx%d do not match %d values", channels, rows, cols, len(data))
	}
	return &Offsets{t: tensor.New(tensor.WithShape(channels, rows, cols), tensor.WithBacking(data))}, nil
}

// Shape returns (channels, rows, cols).
func (o *Offsets) Shape() (channels, rows, cols int) {
	s := o.t.Shape()
	return s[0], s[1], s[2]
}

// At returns the offset stored at (channel, row, col).
func (o *Offsets) At(channel, row, col int) (float32, error) {
	v, err := o.t.At(channel, row, col)
	if err != nil {
		return 0, errors.Wrapf(err, "offset (%d,%d,%d)", channel, row, col)
	}
	return v.(float32), nil
}

// Pair returns the (height, width) offsets of the channel pair starting at
// channel.
func (o *Offsets) Pair(channel, row, col int) (dh, dw float32, err error) {
	if dh, err = o.At(channel, row, col); err != nil {
		return 0, 0, err
	}
	if dw, err = o.At(channel+1, row, col); err != nil {
		return 0, 0, err
	}
	return dh, dw, nil
}
