// Package images - Pixel-space shapes, rasters and rendering primitives.
package images

import (
	"fmt"
	"image"
)

// Rect is a lightweight pixel-space bounding box.
//
// Rows run top to bottom and columns left to right. RowEnd and ColEnd are
// exclusive (like image.Rectangle). Coordinates may be negative or exceed the
// image extent; callers decide whether to render or skip such boxes.
type Rect struct {
	RowStart, RowEnd int
	ColStart, ColEnd int
}

// Height returns the number of rows covered by the box.
func (r Rect) Height() int {
	return r.RowEnd - r.RowStart
}

// Width returns the number of columns covered by the box.
func (r Rect) Width() int {
	return r.ColEnd - r.ColStart
}

// Empty reports whether the box covers no pixels.
func (r Rect) Empty() bool {
	return r.RowEnd <= r.RowStart || r.ColEnd <= r.ColStart
}

// ToImageRect converts the box to an image.Rectangle (X = column, Y = row).
func (r Rect) ToImageRect() image.Rectangle {
	return image.Rect(r.ColStart, r.RowStart, r.ColEnd, r.RowEnd)
}

func (r Rect) String() string {
	return fmt.Sprintf("rows[%d,%d) cols[%d,%d)", r.RowStart, r.RowEnd, r.ColStart, r.ColEnd)
}

// Enclose returns the smallest box containing both r and o.
//
// An empty receiver is treated as the identity so that Enclose can seed a fold
// with the zero value.
//
// Arguments:
//   - r (receiver Rect): The accumulated box.
//   - o (Rect): The box to grow r by.
//
// Returns:
//   - Rect: The enclosing box.
//
// Example Usage:
// ```go
//
//	a := Rect{RowStart: 0, RowEnd: 10, ColStart: 0, ColEnd: 10}
//	b := Rect{RowStart: 5, RowEnd: 15, ColStart: -2, ColEnd: 4}
//	u := a.Enclose(b) // rows[0,15) cols[-2,10)
//
// ```
func (r Rect) Enclose(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return Rect{
		RowStart: min(r.RowStart, o.RowStart),
		RowEnd:   max(r.RowEnd, o.RowEnd),
		ColStart: min(r.ColStart, o.ColStart),
		ColEnd:   max(r.ColEnd, o.ColEnd),
	}
}
