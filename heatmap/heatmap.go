// Package heatmap renders prototype activation maps as color overlays on the
// analyzed image and locates their most highly activated region.
package heatmap

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/floats"

	"github.com/nvr-ai/protolens/images"
	"github.com/nvr-ai/protolens/inference"
)

// ErrDegenerateRange is returned when an activation map is flat and cannot
// be rescaled to [0,1].
var ErrDegenerateRange = errors.New("activation map has a degenerate range")

// BlendWeights are the coefficients of the overlay: Base*image + Heat*heatmap.
type BlendWeights struct {
	Base float32
	Heat float32
}

// DefaultBlend darkens the composite slightly; the weights sum to 0.8.
var DefaultBlend = BlendWeights{Base: 0.5, Heat: 0.3}

// Composer upsamples activation maps to image size and overlays them.
type Composer struct {
	// Size is the square side length of the analyzed image.
	Size int
	// Blend weights of the overlay.
	Blend BlendWeights
	// ColorMap applied to the rescaled map.
	ColorMap gocv.ColormapTypes
	// Interpolation used for upsampling.
	Interpolation gocv.InterpolationFlags
}

// NewComposer returns a composer using bicubic upsampling and the jet map.
func NewComposer(size int, blend BlendWeights) *Composer {
	return &Composer{
		Size:          size,
		Blend:         blend,
		ColorMap:      gocv.ColormapJet,
		Interpolation: gocv.InterpolationCubic,
	}
}

// Overlay holds the intermediate and final images of one composition.
type Overlay struct {
	// Upsampled is the activation map resized to Size x Size.
	Upsampled *images.Grid
	// Rescaled is Upsampled mapped to [0,1], all zero when Degenerate.
	Rescaled *images.Grid
	// Heatmap is the color-mapped Rescaled.
	Heatmap *images.Raster
	// Blended is the final overlay.
	Blended *images.Raster
	// Degenerate is set when the map was flat and a zero map was used.
	Degenerate bool
}

// Upsample resizes an activation map to Size x Size.
func (c *Composer) Upsample(act inference.ActivationMap) (*images.Grid, error) {
	if act.Rows <= 0 || act.Cols <= 0 || len(act.Values) != act.Rows*act.Cols {
		return nil, errors.Errorf("invalid activation map %dx%d", act.Rows, act.Cols)
	}
	src := gocv.NewMatWithSize(act.Rows, act.Cols, gocv.MatTypeCV32F)
	defer src.Close()
	buf, err := src.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "activation map buffer")
	}
	copy(buf, act.Values)

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(src, &dst, image.Pt(c.Size, c.Size), 0, 0, c.Interpolation)
	out, err := dst.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "upsampled buffer")
	}
	return images.GridFromFloat32(c.Size, c.Size, out)
}

// Colorize quantizes a grid with values in [0,1] to 8 bits and renders it
// through the color map.
func (c *Composer) Colorize(g *images.Grid) (*images.Raster, error) {
	gray := make([]byte, len(g.Data))
	for i, v := range g.Data {
		gray[i] = uint8(images.Clamp(v, 0, 1) * 255)
	}
	src, err := gocv.NewMatFromBytes(g.Rows, g.Cols, gocv.MatTypeCV8UC1, gray)
	if err != nil {
		return nil, errors.Wrap(err, "grayscale map")
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.ApplyColorMap(src, &dst, c.ColorMap)
	return images.FromBGRBytes(g.Cols, g.Rows, dst.ToBytes())
}

// Rescale maps the grid linearly to [0,1].
//
// Arguments:
//   - g: The grid to rescale; it is not modified.
//
// Returns:
//   - *images.Grid: (v - min) / (max - min) per cell.
//   - error: ErrDegenerateRange when max == min.
func Rescale(g *images.Grid) (*images.Grid, error) {
	if g == nil || len(g.Data) == 0 {
		return nil, errors.New("empty grid")
	}
	lo, hi := floats.Min(g.Data), floats.Max(g.Data)
	if !(hi > lo) {
		return nil, errors.Wrapf(ErrDegenerateRange, "min=max=%g", lo)
	}
	out := images.NewGrid(g.Rows, g.Cols)
	span := hi - lo
	for i, v := range g.Data {
		out.Data[i] = (v - lo) / span
	}
	return out, nil
}

// Compose builds the activation overlay for one prototype. A flat map is
// not an error: it is replaced by an all-zero map and Overlay.Degenerate is
// set.
//
// Arguments:
//   - act: The prototype's activation map.
//   - base: The analyzed image, Size x Size, values in [0,1].
//
// Returns:
//   - *Overlay: The upsampled map, heatmap and blended image.
//   - error: On shape mismatches.
func (c *Composer) Compose(act inference.ActivationMap, base *images.Raster) (*Overlay, error) {
	if base == nil || base.Width != c.Size || base.Height != c.Size {
		return nil, errors.Errorf("base image must be %dx%d", c.Size, c.Size)
	}
	up, err := c.Upsample(act)
	if err != nil {
		return nil, errors.Wrap(err, "upsample activation map")
	}

	o := &Overlay{Upsampled: up}
	o.Rescaled, err = Rescale(up)
	if errors.Is(err, ErrDegenerateRange) {
		o.Rescaled = images.NewGrid(up.Rows, up.Cols)
		o.Degenerate = true
	} else if err != nil {
		return nil, err
	}

	if o.Heatmap, err = c.Colorize(o.Rescaled); err != nil {
		return nil, errors.Wrap(err, "color map")
	}
	o.Blended, err = base.Blend(c.Blend.Base, o.Heatmap, c.Blend.Heat)
	if err != nil {
		return nil, errors.Wrap(err, "blend heatmap")
	}
	return o, nil
}
