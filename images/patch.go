package images

import "github.com/pkg/errors"

// ErrOutOfBounds signals that a box leaves the image extent. It is an expected
// outcome near image borders, not a fatal condition.
var ErrOutOfBounds = errors.New("box out of image bounds")

// InBounds reports whether box may be cropped from a width x height image.
//
// The upper bound is strict: a box whose end touches the image edge
// (ColEnd == width or RowEnd == height) is rejected even though it addresses
// only valid pixels. Crops produced by earlier tooling were filtered the same
// way, so the behavior is kept.
func InBounds(box Rect, width, height int) bool {
	return !(box.ColStart < 0 ||
		box.RowStart < 0 ||
		box.ColEnd >= width ||
		box.RowEnd >= height)
}

// ExtractPatch returns the exact sub-image addressed by box.
//
// Arguments:
//   - img: The source raster.
//   - box: The pixel-space box (end exclusive).
//
// Returns:
//   - *Raster: A copy of the addressed pixels, no resampling.
//   - error: ErrOutOfBounds when InBounds rejects the box.
//
// Example:
//
// ```go
//
//	patch, err := images.ExtractPatch(img, box)
//	if errors.Is(err, images.ErrOutOfBounds) {
//	    // skip the crop artifact
//	}
//
// ```
func ExtractPatch(img *Raster, box Rect) (*Raster, error) {
	if !InBounds(box, img.Width, img.Height) {
		return nil, errors.Wrapf(ErrOutOfBounds, "%s in %dx%d image", box, img.Width, img.Height)
	}
	return img.Crop(box)
}
