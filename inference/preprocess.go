package inference

import (
	"image"

	"github.com/chewxy/math32"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/nvr-ai/protolens/images"
)

// Normalization holds the per-channel mean and standard deviation applied
// to [0,1] RGB values before the forward pass.
type Normalization struct {
	Mean [images.Channels]float32 `json:"mean" yaml:"mean"`
	Std  [images.Channels]float32 `json:"std" yaml:"std"`
}

// ImageNet is the normalization the classifiers are trained with.
var ImageNet = Normalization{
	Mean: [images.Channels]float32{0.485, 0.456, 0.406},
	Std:  [images.Channels]float32{0.229, 0.224, 0.225},
}

// Validate rejects non-positive standard deviations.
func (n Normalization) Validate() error {
	for c, s := range n.Std {
		if !(s > 0) {
			return errors.Errorf("std[%d] must be positive, got %v", c, s)
		}
	}
	return nil
}

// Preprocessor turns decoded images into model inputs.
type Preprocessor struct {
	// Size is the square input side length.
	Size int
	// Norm is applied channel-wise to the resized image.
	Norm Normalization
}

// NewPreprocessor creates a preprocessor for a model input size.
//
// Arguments:
//   - size: The square input side length.
//   - norm: The channel normalization.
//
// Returns:
//   - *Preprocessor: The preprocessor.
//   - error: If the size or normalization are invalid.
func NewPreprocessor(size int, norm Normalization) (*Preprocessor, error) {
	if size <= 0 {
		return nil, errors.Errorf("input size must be positive, got %d", size)
	}
	if err := norm.Validate(); err != nil {
		return nil, errors.Wrap(err, "normalization")
	}
	return &Preprocessor{Size: size, Norm: norm}, nil
}

// Prepared is a preprocessed image: the resized raster in [0,1] used for
// rendering, and the normalized CHW tensor used for inference.
type Prepared struct {
	Raster *images.Raster
	Input  *Input
}

// Prepare resizes img to Size x Size (bilinear) and normalizes it.
//
// Arguments:
//   - img: The decoded source image.
//
// Returns:
//   - *Prepared: The raster and model input.
//   - error: If img is nil or empty.
func (p *Preprocessor) Prepare(img image.Image) (*Prepared, error) {
	if img == nil {
		return nil, errors.New("image is nil")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.Errorf("image has invalid dimensions: %dx%d", b.Dx(), b.Dy())
	}

	resized := img
	if b.Dx() != p.Size || b.Dy() != p.Size {
		resized = resize.Resize(uint(p.Size), uint(p.Size), img, resize.Bilinear)
	}
	raster := images.FromImage(resized)

	return &Prepared{
		Raster: raster,
		Input:  &Input{Size: p.Size, Tensor: p.Normalize(raster)},
	}, nil
}

// Normalize converts an HWC raster to a normalized CHW tensor.
func (p *Preprocessor) Normalize(r *images.Raster) []float32 {
	plane := r.Width * r.Height
	out := make([]float32, images.Channels*plane)
	for i := 0; i < plane; i++ {
		for c := 0; c < images.Channels; c++ {
			out[c*plane+i] = (r.Pix[i*images.Channels+c] - p.Norm.Mean[c]) / p.Norm.Std[c]
		}
	}
	return out
}

// Denormalize inverts Normalize, clamping to [0,1].
func (p *Preprocessor) Denormalize(tensor []float32, width, height int) (*images.Raster, error) {
	plane := width * height
	if len(tensor) != images.Channels*plane {
		return nil, errors.Errorf("tensor has %d values, want %d", len(tensor), images.Channels*plane)
	}
	r := images.NewRaster(width, height)
	for i := 0; i < plane; i++ {
		for c := 0; c < images.Channels; c++ {
			v := tensor[c*plane+i]*p.Norm.Std[c] + p.Norm.Mean[c]
			r.Pix[i*images.Channels+c] = math32.Max(0, math32.Min(1, v))
		}
	}
	return r, nil
}
