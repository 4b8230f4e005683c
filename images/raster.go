package images

import (
	"image"

	"github.com/pkg/errors"
)

// Channels is the number of color channels stored per pixel (RGB).
const Channels = 3

// RGB is a color with channels in [0, 1].
type RGB struct {
	R, G, B float32
}

// Raster is an RGB image with float32 channels in [0, 1], stored row-major
// as HWC. It is the in-memory form of every rendered artifact.
type Raster struct {
	// Width in pixels (columns).
	Width int
	// Height in pixels (rows).
	Height int
	// Pix holds Height*Width*Channels values.
	Pix []float32
}

// NewRaster allocates a black raster.
//
// Arguments:
//   - width: Number of columns.
//   - height: Number of rows.
//
// Returns:
//   - *Raster: The zeroed raster.
func NewRaster(width, height int) *Raster {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Raster{
		Width:  width,
		Height: height,
		Pix:    make([]float32, width*height*Channels),
	}
}

// FromImage converts any image.Image into a Raster, dropping alpha.
func FromImage(img image.Image) *Raster {
	b := img.Bounds()
	r := NewRaster(b.Dx(), b.Dy())
	Parallel(r.Height, func(partStart, partEnd int) {
		for y := partStart; y < partEnd; y++ {
			for x := 0; x < r.Width; x++ {
				cr, cg, cb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				i := r.offset(y, x)
				r.Pix[i+0] = float32(cr>>8) / 255.0
				r.Pix[i+1] = float32(cg>>8) / 255.0
				r.Pix[i+2] = float32(cb>>8) / 255.0
			}
		}
	})
	return r
}

func (r *Raster) offset(row, col int) int {
	return (row*r.Width + col) * Channels
}

// Contains reports whether (row, col) addresses a pixel of the raster.
func (r *Raster) Contains(row, col int) bool {
	return row >= 0 && row < r.Height && col >= 0 && col < r.Width
}

// At returns the pixel at (row, col). Out-of-range reads return black.
func (r *Raster) At(row, col int) RGB {
	if !r.Contains(row, col) {
		return RGB{}
	}
	i := r.offset(row, col)
	return RGB{R: r.Pix[i], G: r.Pix[i+1], B: r.Pix[i+2]}
}

// Set writes the pixel at (row, col). Out-of-range writes are ignored.
func (r *Raster) Set(row, col int, c RGB) {
	if !r.Contains(row, col) {
		return
	}
	i := r.offset(row, col)
	r.Pix[i+0] = c.R
	r.Pix[i+1] = c.G
	r.Pix[i+2] = c.B
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	out := &Raster{Width: r.Width, Height: r.Height, Pix: make([]float32, len(r.Pix))}
	copy(out.Pix, r.Pix)
	return out
}

// Crop copies the pixels addressed by box, which must lie inside the raster.
func (r *Raster) Crop(box Rect) (*Raster, error) {
	if box.RowStart < 0 || box.ColStart < 0 || box.RowEnd > r.Height || box.ColEnd > r.Width {
		return nil, errors.Errorf("crop %s outside %dx%d raster", box, r.Width, r.Height)
	}
	out := NewRaster(box.Width(), box.Height())
	rowLen := out.Width * Channels
	for y := 0; y < out.Height; y++ {
		src := r.offset(box.RowStart+y, box.ColStart)
		copy(out.Pix[y*rowLen:(y+1)*rowLen], r.Pix[src:src+rowLen])
	}
	return out, nil
}

// Blend returns a*r + b*o elementwise. Both rasters must share dimensions.
func (r *Raster) Blend(a float32, o *Raster, b float32) (*Raster, error) {
	if r.Width != o.Width || r.Height != o.Height {
		return nil, errors.Errorf("blend size mismatch: %dx%d vs %dx%d", r.Width, r.Height, o.Width, o.Height)
	}
	out := &Raster{Width: r.Width, Height: r.Height, Pix: make([]float32, len(r.Pix))}
	for i := range r.Pix {
		out.Pix[i] = a*r.Pix[i] + b*o.Pix[i]
	}
	return out, nil
}

// ToBGRBytes quantizes the raster into interleaved 8-bit BGR, the layout
// OpenCV expects for CV_8UC3.
func (r *Raster) ToBGRBytes() []byte {
	out := make([]byte, r.Width*r.Height*Channels)
	for i := 0; i+2 < len(r.Pix); i += Channels {
		out[i+0] = quantize(r.Pix[i+2])
		out[i+1] = quantize(r.Pix[i+1])
		out[i+2] = quantize(r.Pix[i+0])
	}
	return out
}

func quantize(v float32) uint8 {
	return uint8(Clamp(float64(v), 0, 1)*255 + 0.5)
}

// FromBGRBytes decodes interleaved 8-bit BGR, as read from a CV_8UC3 Mat.
func FromBGRBytes(width, height int, bgr []byte) (*Raster, error) {
	if len(bgr) != width*height*Channels {
		return nil, errors.Errorf("%dx%d BGR image needs %d bytes, got %d", width, height, width*height*Channels, len(bgr))
	}
	r := NewRaster(width, height)
	for i := 0; i+2 < len(bgr); i += Channels {
		r.Pix[i+0] = float32(bgr[i+2]) / 255
		r.Pix[i+1] = float32(bgr[i+1]) / 255
		r.Pix[i+2] = float32(bgr[i+0]) / 255
	}
	return r, nil
}
