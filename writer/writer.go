// Package writer persists analysis artifacts as PNG files through OpenCV.
package writer

import (
	"image/color"
	"os"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/protolens/images"
)

// ErrMissingArtifact is returned when a prototype reference image cannot be
// read. The artifact is skipped and the analysis continues.
var ErrMissingArtifact = errors.New("missing artifact")

// Highlight is the color of the high-activation box.
var Highlight = color.RGBA{R: 255, G: 255, B: 0, A: 0}

// Writer encodes rasters to disk.
type Writer struct {
	// BoxColor of the high-activation box.
	BoxColor color.RGBA
	// BoxThickness of the high-activation box.
	BoxThickness int
	// DirMode for created directories.
	DirMode os.FileMode
}

// New returns a writer drawing a yellow high-activation box 2px wide.
func New() *Writer {
	return &Writer{
		BoxColor:     Highlight,
		BoxThickness: 2,
		DirMode:      0o755,
	}
}

// MkdirAll creates dir and its parents.
func (w *Writer) MkdirAll(dir string) error {
	return errors.Wrapf(os.MkdirAll(dir, w.DirMode), "create %s", dir)
}

func toMat(r *images.Raster) (gocv.Mat, error) {
	if r == nil || r.Width == 0 || r.Height == 0 {
		return gocv.Mat{}, errors.New("empty raster")
	}
	return gocv.NewMatFromBytes(r.Height, r.Width, gocv.MatTypeCV8UC3, r.ToBGRBytes())
}

func write(path string, mat gocv.Mat) error {
	if !gocv.IMWrite(path, mat) {
		return errors.Errorf("failed to write %s", path)
	}
	return nil
}

// WriteImage encodes r to path. The format follows the extension.
func (w *Writer) WriteImage(path string, r *images.Raster) error {
	mat, err := toMat(r)
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	defer mat.Close()
	return write(path, mat)
}

// WriteWithBox encodes r with box outlined in the highlight color.
//
// Arguments:
//   - path: The destination file.
//   - r: The image; it is not modified.
//   - box: The region to outline, end exclusive.
//
// Returns:
//   - error: If the raster is empty or the file cannot be written.
func (w *Writer) WriteWithBox(path string, r *images.Raster, box images.Rect) error {
	mat, err := toMat(r)
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	defer mat.Close()

	box.RowEnd--
	box.ColEnd--
	gocv.Rectangle(&mat, box.ToImageRect(), w.BoxColor, w.BoxThickness)
	return write(path, mat)
}

// WriteWithOutlines encodes r with every outline stroked in slice order.
// Later outlines cover earlier ones where they overlap.
func (w *Writer) WriteWithOutlines(path string, r *images.Raster, outlines []images.Outline) error {
	mat, err := toMat(r)
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	defer mat.Close()

	for _, o := range outlines {
		gocv.Rectangle(&mat, o.Box.ToImageRect(), o.Color.RGBA8(), o.Thickness)
	}
	return write(path, mat)
}

// CopyReference re-encodes the image at src to dst.
//
// Returns:
//   - error: ErrMissingArtifact when src cannot be read.
func (w *Writer) CopyReference(src, dst string) error {
	mat := gocv.IMRead(src, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return errors.Wrapf(ErrMissingArtifact, "read %s", src)
	}
	return write(dst, mat)
}
