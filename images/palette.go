package images

import "github.com/pkg/errors"

// ErrPaletteExhausted is returned when a kernel has more elements than the
// palette has colors.
var ErrPaletteExhausted = errors.New("kernel element index exceeds palette")

// Palette maps a kernel element index (i*kernelWidth + k) to its box color.
type Palette map[int]RGB

// KernelPalette is the default table for kernels of up to 3x3 elements.
var KernelPalette = Palette{
	0: {R: 230.0 / 255, G: 25.0 / 255, B: 75.0 / 255},
	1: {R: 60.0 / 255, G: 180.0 / 255, B: 75.0 / 255},
	2: {R: 255.0 / 255, G: 225.0 / 255, B: 25.0 / 255},
	3: {R: 0, G: 130.0 / 255, B: 200.0 / 255},
	4: {R: 245.0 / 255, G: 130.0 / 255, B: 48.0 / 255},
	5: {R: 70.0 / 255, G: 240.0 / 255, B: 240.0 / 255},
	6: {R: 240.0 / 255, G: 50.0 / 255, B: 230.0 / 255},
	7: {R: 170.0 / 255, G: 110.0 / 255, B: 40.0 / 255},
	8: {R: 0, G: 0, B: 0},
}

// Color returns the color for element index i.
func (p Palette) Color(i int) (RGB, error) {
	c, ok := p[i]
	if !ok {
		return RGB{}, errors.Wrapf(ErrPaletteExhausted, "index %d, palette size %d", i, len(p))
	}
	return c, nil
}

// Supports reports whether every element of an n-element kernel has a color.
func (p Palette) Supports(n int) error {
	for i := 0; i < n; i++ {
		if _, err := p.Color(i); err != nil {
			return err
		}
	}
	return nil
}
