package images

import "image/color"

// Outline is a rectangle stroked onto an image when it is written. Both
// corners of Box are drawn, so the stroke covers RowEnd and ColEnd.
type Outline struct {
	Box       Rect
	Color     RGB
	Thickness int
}

// RGBA8 quantizes the color to 8 bits per channel, fully opaque.
func (c RGB) RGBA8() color.RGBA {
	return color.RGBA{R: quantize(c.R), G: quantize(c.G), B: quantize(c.B), A: 255}
}
