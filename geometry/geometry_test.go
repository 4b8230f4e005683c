package geometry

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/protolens/images"
	"github.com/nvr-ai/protolens/inference"
	"github.com/nvr-ai/protolens/models"
)

// peakMap returns a rows x cols map with a single maximum at (r, c).
func peakMap(t *testing.T, rows, cols, r, c int) inference.ActivationMap {
	t.Helper()
	v := make([]float32, rows*cols)
	for i := range v {
		v[i] = float32(i%5) * 0.1
	}
	v[r*cols+c] = 10
	m, err := inference.NewActivationMap(rows, cols, v)
	require.NoError(t, err)
	return m
}

// offsetGrid is a zeroed offsets tensor with helpers to set single values.
type offsetGrid struct {
	channels, rows, cols int
	data                 []float32
}

func newOffsetGrid(channels, rows, cols int) *offsetGrid {
	return &offsetGrid{channels: channels, rows: rows, cols: cols, data: make([]float32, channels*rows*cols)}
}

func (g *offsetGrid) set(ch, r, c int, v float32) {
	g.data[(ch*g.rows+r)*g.cols+c] = v
}

func (g *offsetGrid) build(t *testing.T) *inference.Offsets {
	t.Helper()
	o, err := inference.NewOffsets(g.channels, g.rows, g.cols, g.data)
	require.NoError(t, err)
	return o
}

func proto(kh, kw, dh, dw, group int) models.Prototype {
	return models.Prototype{
		Index:    3,
		Kernel:   models.KernelShape{Height: kh, Width: kw},
		Dilation: models.Dilation{Height: dh, Width: dw},
		Group:    group,
	}
}

// TestMapPrototypeSingleCell maps a 1x1 kernel at the center of a 3x3 grid
// onto a 9 pixel image.
func TestMapPrototypeSingleCell(t *testing.T) {
	act := peakMap(t, 3, 3, 1, 1)
	offsets := newOffsetGrid(2, 3, 3).build(t)

	m, err := MapPrototype(act, offsets, proto(1, 1, 1, 1, 0), 1, 9)
	require.NoError(t, err)

	assert.Equal(t, 1, m.AnchorRow)
	assert.Equal(t, 1, m.AnchorCol)
	require.Len(t, m.Elements, 1)
	want := images.Rect{RowStart: 3, RowEnd: 6, ColStart: 3, ColEnd: 6}
	assert.Equal(t, want, m.Elements[0].Box)
	assert.Equal(t, want, m.Union)
}

// TestMapPrototypeElementCount checks that every kernel shape and dilation
// yields exactly one box per element.
func TestMapPrototypeElementCount(t *testing.T) {
	for kh := 1; kh <= 3; kh++ {
		for kw := 1; kw <= 3; kw++ {
			for _, dil := range []int{1, 2} {
				t.Run(fmt.Sprintf("%dx%d_dil%d", kh, kw, dil), func(t *testing.T) {
					act := peakMap(t, 7, 7, 3, 4)
					offsets := newOffsetGrid(2*kh*kw, 7, 7).build(t)

					m, err := MapPrototype(act, offsets, proto(kh, kw, dil, dil, 0), 1, 224)
					require.NoError(t, err)
					require.Len(t, m.Elements, kh*kw)

					for idx, e := range m.Elements {
						assert.Equal(t, idx, e.Index)
						assert.Equal(t, idx/kw, e.Row)
						assert.Equal(t, idx%kw, e.Col)
						assert.Equal(t, m.Union, m.Union.Enclose(e.Box), "union encloses element %d", idx)
					}
				})
			}
		}
	}
}

// TestScaleSpanContiguous checks that consecutive latent cells produce
// abutting pixel intervals.
func TestScaleSpanContiguous(t *testing.T) {
	for _, s := range []Scale{{Pixels: 224, Cells: 7}, {Pixels: 9, Cells: 3}, {Pixels: 10, Cells: 3}} {
		for c := 0; c < s.Cells-1; c++ {
			_, end := s.Span(float32(c))
			start, _ := s.Span(float32(c + 1))
			assert.Equal(t, end, start, "scale %v cell %d", s, c)
		}
	}
}

// TestMapPrototypeAdjacentElementsAbut uses a 1x3 kernel without offsets:
// its elements sit on consecutive latent columns.
func TestMapPrototypeAdjacentElementsAbut(t *testing.T) {
	act := peakMap(t, 7, 7, 3, 3)
	offsets := newOffsetGrid(6, 7, 7).build(t)

	m, err := MapPrototype(act, offsets, proto(1, 3, 1, 1, 0), 1, 224)
	require.NoError(t, err)
	require.Len(t, m.Elements, 3)

	assert.Equal(t, images.Rect{RowStart: 96, RowEnd: 128, ColStart: 64, ColEnd: 96}, m.Elements[0].Box)
	for k := 0; k < 2; k++ {
		assert.Equal(t, m.Elements[k].Box.ColEnd, m.Elements[k+1].Box.ColStart)
	}
	assert.Equal(t, images.Rect{RowStart: 96, RowEnd: 128, ColStart: 64, ColEnd: 160}, m.Union)
}

// TestOffsetPacking verifies the channel layout on a non-square kernel in
// the second deformation group.
func TestOffsetPacking(t *testing.T) {
	kernel := models.KernelShape{Height: 2, Width: 3}
	assert.Equal(t, 10, OffsetChannel(0, kernel, 1, 2))
	assert.Equal(t, 22, OffsetChannel(1, kernel, 1, 2))
	assert.Equal(t, 12, OffsetChannel(1, kernel, 0, 0))

	g := newOffsetGrid(24, 4, 4)
	// Element (1,2) of group 1, read at the anchor (2,1).
	g.set(22, 2, 1, 1)
	g.set(23, 2, 1, -1)
	// The same element in group 0 must be ignored.
	g.set(10, 2, 1, 5)

	m, err := MapPrototype(peakMap(t, 4, 4, 2, 1), g.build(t), proto(2, 3, 1, 1, 1), 1, 8)
	require.NoError(t, err)
	require.Len(t, m.Elements, 6)

	e := m.Elements[5]
	assert.Equal(t, 1, e.Row)
	assert.Equal(t, 2, e.Col)
	assert.InDelta(t, 3.0, e.LatentRow, 1e-6)
	assert.InDelta(t, 1.0, e.LatentCol, 1e-6)
	assert.Equal(t, images.Rect{RowStart: 6, RowEnd: 8, ColStart: 2, ColEnd: 4}, e.Box)

	first := m.Elements[0]
	assert.Equal(t, images.Rect{RowStart: 2, RowEnd: 4, ColStart: 0, ColEnd: 2}, first.Box)
}

// TestMapPrototypeFractionalOffsets floors toward negative infinity so that
// boxes left of the image keep their width.
func TestMapPrototypeFractionalOffsets(t *testing.T) {
	tests := []struct {
		dh   float32
		want images.Rect
	}{
		{0.5, images.Rect{RowStart: 4, RowEnd: 7, ColStart: 3, ColEnd: 6}},
		{-1.5, images.Rect{RowStart: -2, RowEnd: 1, ColStart: 3, ColEnd: 6}},
		{-2, images.Rect{RowStart: -3, RowEnd: 0, ColStart: 3, ColEnd: 6}},
	}
	for _, tt := range tests {
		g := newOffsetGrid(2, 3, 3)
		g.set(0, 1, 1, tt.dh)
		m, err := MapPrototype(peakMap(t, 3, 3, 1, 1), g.build(t), proto(1, 1, 1, 1, 0), 1, 9)
		require.NoError(t, err)
		assert.Equal(t, tt.want, m.Elements[0].Box, "dh=%v", tt.dh)
	}
}

func TestMapPrototypeStrideAndDilation(t *testing.T) {
	act := peakMap(t, 8, 8, 2, 3)
	offsets := newOffsetGrid(18, 8, 8).build(t)

	m, err := MapPrototype(act, offsets, proto(3, 3, 2, 2, 0), 2, 64)
	require.NoError(t, err)
	assert.Equal(t, 4, m.AnchorRow)
	assert.Equal(t, 6, m.AnchorCol)
	// Top-left element sits one dilation step (2 cells) up and left.
	assert.Equal(t, images.Rect{RowStart: 16, RowEnd: 24, ColStart: 32, ColEnd: 40}, m.Elements[0].Box)
	assert.Equal(t, images.Rect{RowStart: 16, RowEnd: 56, ColStart: 32, ColEnd: 72}, m.Union)
}

func TestMapPrototypeErrors(t *testing.T) {
	act := peakMap(t, 3, 3, 0, 0)
	offsets := newOffsetGrid(2, 3, 3).build(t)

	_, err := MapPrototype(act, offsets, proto(1, 1, 1, 1, 1), 1, 9)
	assert.Error(t, err, "group 1 has no channels")

	_, err = MapPrototype(act, offsets, proto(1, 1, 1, 1, 0), 0, 9)
	assert.Error(t, err)

	_, err = MapPrototype(act, nil, proto(1, 1, 1, 1, 0), 1, 9)
	assert.Error(t, err)

	_, err = MapPrototype(act, offsets, proto(1, 1, 0, 1, 0), 1, 9)
	assert.Error(t, err)

	// A stride that pushes the anchor off the offsets grid.
	_, err = MapPrototype(peakMap(t, 3, 3, 2, 2), offsets, proto(1, 1, 1, 1, 0), 2, 9)
	assert.Error(t, err)
}

func TestFoldIsOrdered(t *testing.T) {
	elements := []ElementBox{{Index: 0}, {Index: 1}, {Index: 2}}
	order := Fold(elements, "", func(acc string, e ElementBox) string {
		return acc + fmt.Sprint(e.Index)
	})
	assert.Equal(t, "012", order)
}

// TestElementOutlinesKernelOrder gives two elements the same box: the
// outline of the later element comes last so that its color wins when drawn.
func TestElementOutlinesKernelOrder(t *testing.T) {
	g := newOffsetGrid(4, 3, 3)
	// Element 0 sits one column left of the anchor; shift it back.
	g.set(1, 1, 1, 1)
	m, err := MapPrototype(peakMap(t, 3, 3, 1, 1), g.build(t), proto(1, 2, 1, 1, 0), 1, 9)
	require.NoError(t, err)
	require.Equal(t, m.Elements[0].Box, m.Elements[1].Box)

	outlines, err := ElementOutlines(m, images.KernelPalette, 1)
	require.NoError(t, err)
	require.Len(t, outlines, 2)

	first, _ := images.KernelPalette.Color(0)
	second, _ := images.KernelPalette.Color(1)
	assert.Equal(t, images.Outline{Box: m.Elements[0].Box, Color: first, Thickness: 1}, outlines[0])
	assert.Equal(t, images.Outline{Box: m.Elements[1].Box, Color: second, Thickness: 1}, outlines[1])

	single, err := ElementOutline(m.Elements[1], images.KernelPalette, 1)
	require.NoError(t, err)
	assert.Equal(t, outlines[1], single)
}

func TestElementOutlinesPaletteExhausted(t *testing.T) {
	act := peakMap(t, 7, 7, 3, 3)
	offsets := newOffsetGrid(32, 7, 7).build(t)
	m, err := MapPrototype(act, offsets, proto(4, 4, 1, 1, 0), 1, 28)
	require.NoError(t, err)

	_, err = ElementOutlines(m, images.KernelPalette, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, images.ErrPaletteExhausted))

	_, err = ElementOutline(m.Elements[9], images.KernelPalette, 1)
	assert.True(t, errors.Is(err, images.ErrPaletteExhausted))
}
