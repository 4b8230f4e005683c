// Package geometry maps a prototype's peak activation and its learned
// deformation offsets from the latent grid to pixel-space boxes.
package geometry

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/protolens/images"
	"github.com/nvr-ai/protolens/inference"
	"github.com/nvr-ai/protolens/models"
)

// ElementBox is the pixel box of one kernel element.
type ElementBox struct {
	// Index is the flat element index i*kernelWidth + k.
	Index int
	// Row and Col are the kernel element coordinates (i, k).
	Row, Col int
	// LatentRow and LatentCol are the deformed latent coordinates.
	LatentRow, LatentCol float32
	// Box is the element's pixel box, possibly outside the image.
	Box images.Rect
}

// Mapping is the pixel-space footprint of one prototype on one image.
type Mapping struct {
	Prototype int
	// AnchorRow and AnchorCol are the latent location of the peak
	// activation, already scaled by the stride.
	AnchorRow, AnchorCol int
	// Elements in kernel order (row-major over the kernel).
	Elements []ElementBox
	// Union encloses every element box.
	Union images.Rect
}

// OffsetChannel returns the channel holding the height offset of kernel
// element (i, k) of a prototype in the given deformation group. The width
// offset is the next channel.
func OffsetChannel(group int, kernel models.KernelShape, i, k int) int {
	return group*2*kernel.Elements() + 2*(k+kernel.Width*i)
}

// Scale converts latent coordinates to pixels along one axis.
type Scale struct {
	Pixels int
	Cells  int
}

// Span returns the pixel interval [start, end) covered by the latent cell
// starting at coordinate v. Adjacent cells tile without gaps.
func (s Scale) Span(v float32) (start, end int) {
	px, cells := float32(s.Pixels), float32(s.Cells)
	start = int(math32.Floor(v * px / cells))
	end = int(math32.Floor((v + 1) * px / cells))
	return start, end
}

// MapPrototype computes the per-element and enclosing pixel boxes of a
// prototype. Boxes may lie partly or wholly outside the image; that is not
// an error.
//
// Arguments:
//   - act: The prototype's activation map.
//   - offsets: The image's deformation offsets.
//   - p: The prototype (kernel, dilation, group).
//   - stride: The prototype layer stride.
//   - imageSize: The square pixel size of the image.
//
// Returns:
//   - *Mapping: One box per kernel element plus their union.
//   - error: On invalid shapes or when the offsets lack the prototype's channels.
func MapPrototype(
	act inference.ActivationMap,
	offsets *inference.Offsets,
	p models.Prototype,
	stride, imageSize int,
) (*Mapping, error) {
	if err := validate(act, offsets, p, stride, imageSize); err != nil {
		return nil, errors.Wrapf(err, "prototype %d", p.Index)
	}

	row, col := act.Argmax()
	m := &Mapping{
		Prototype: p.Index,
		AnchorRow: row * stride,
		AnchorCol: col * stride,
		Elements:  make([]ElementBox, 0, p.Kernel.Elements()),
	}
	rows := Scale{Pixels: imageSize, Cells: act.Rows}
	cols := Scale{Pixels: imageSize, Cells: act.Cols}
	kh, kw := p.Kernel.Height, p.Kernel.Width

	for i := 0; i < kh; i++ {
		for k := 0; k < kw; k++ {
			ch := OffsetChannel(p.Group, p.Kernel, i, k)
			dh, dw, err := offsets.Pair(ch, m.AnchorRow, m.AnchorCol)
			if err != nil {
				return nil, errors.Wrapf(err, "prototype %d element (%d,%d)", p.Index, i, k)
			}

			e := ElementBox{
				Index:     i*kw + k,
				Row:       i,
				Col:       k,
				LatentRow: float32(m.AnchorRow) + dh + float32((i-kh/2)*p.Dilation.Height),
				LatentCol: float32(m.AnchorCol) + dw + float32((k-kw/2)*p.Dilation.Width),
			}
			e.Box.RowStart, e.Box.RowEnd = rows.Span(e.LatentRow)
			e.Box.ColStart, e.Box.ColEnd = cols.Span(e.LatentCol)
			m.Elements = append(m.Elements, e)
		}
	}

	m.Union = Fold(m.Elements, images.Rect{}, func(acc images.Rect, e ElementBox) images.Rect {
		return acc.Enclose(e.Box)
	})
	return m, nil
}

func validate(act inference.ActivationMap, offsets *inference.Offsets, p models.Prototype, stride, imageSize int) error {
	if act.Rows <= 0 || act.Cols <= 0 || len(act.Values) != act.Rows*act.Cols {
		return errors.Errorf("invalid activation map %dx%d", act.Rows, act.Cols)
	}
	if offsets == nil {
		return errors.New("missing offsets")
	}
	if p.Kernel.Height < 1 || p.Kernel.Width < 1 {
		return errors.Errorf("invalid kernel %dx%d", p.Kernel.Height, p.Kernel.Width)
	}
	if p.Dilation.Height < 1 || p.Dilation.Width < 1 {
		return errors.Errorf("invalid dilation %dx%d", p.Dilation.Height, p.Dilation.Width)
	}
	if stride < 1 {
		return errors.Errorf("invalid stride %d", stride)
	}
	if imageSize <= 0 {
		return errors.Errorf("invalid image size %d", imageSize)
	}
	channels, _, _ := offsets.Shape()
	if need := (p.Group + 1) * 2 * p.Kernel.Elements(); need > channels {
		return errors.Errorf("group %d needs %d offset channels, have %d", p.Group, need, channels)
	}
	return nil
}

// Fold reduces the elements in kernel order. The order is part of the
// contract: later elements see the accumulator produced by earlier ones.
func Fold[A any](elements []ElementBox, acc A, fn func(A, ElementBox) A) A {
	for _, e := range elements {
		acc = fn(acc, e)
	}
	return acc
}

// ElementOutlines returns the outline of every element box in kernel
// order, colored with the element's palette entry. Drawn in slice order,
// later boxes overwrite earlier ones where they overlap.
//
// Arguments:
//   - m: The prototype mapping.
//   - palette: Element colors.
//   - thickness: Stroke width.
//
// Returns:
//   - []images.Outline: One outline per element.
//   - error: Wrapping images.ErrPaletteExhausted when the kernel outgrows the palette.
func ElementOutlines(m *Mapping, palette images.Palette, thickness int) ([]images.Outline, error) {
	if err := palette.Supports(len(m.Elements)); err != nil {
		return nil, err
	}
	return Fold(m.Elements, make([]images.Outline, 0, len(m.Elements)), func(acc []images.Outline, e ElementBox) []images.Outline {
		o, _ := ElementOutline(e, palette, thickness)
		return append(acc, o)
	}), nil
}

// ElementOutline returns the outline of a single element box.
func ElementOutline(e ElementBox, palette images.Palette, thickness int) (images.Outline, error) {
	c, err := palette.Color(e.Index)
	if err != nil {
		return images.Outline{}, err
	}
	return images.Outline{Box: e.Box, Color: c, Thickness: thickness}, nil
}
