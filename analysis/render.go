package analysis

import (
	"log/slog"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/nvr-ai/protolens/geometry"
	"github.com/nvr-ai/protolens/heatmap"
	"github.com/nvr-ai/protolens/images"
	"github.com/nvr-ai/protolens/inference"
	"github.com/nvr-ai/protolens/writer"
)

// render draws the artifacts of ranked prototypes on one image.
type render struct {
	a        *Analyzer
	result   *inference.Result
	original *images.Raster
}

// prototype writes every artifact of one ranked prototype into dir. Kernel
// elements are visited in order, so later element boxes cover earlier ones
// in the combined image.
//
// Returns:
//   - int: The number of artifacts skipped.
func (r *render) prototype(log *slog.Logger, dir string, names writer.Names, index int) int {
	a := r.a
	act, err := r.result.Patterns.Map(index)
	if err != nil {
		log.Error("no activation map", "error", err)
		return 1
	}

	skipped := r.deformation(log, dir, names, index, act)

	overlay, err := a.composer.Compose(act, r.original)
	if err != nil {
		log.Error("failed to compose heatmap", "error", err)
		return skipped + 3
	}
	if overlay.Degenerate {
		log.Warn("flat activation map, rendering an empty heatmap", "error", heatmap.ErrDegenerateRange)
	}

	box, err := heatmap.HighActivationBox(overlay.Upsampled, a.opts.Percentile)
	if err != nil {
		log.Warn("no high-activation region", "error", err)
		skipped += 2
	} else {
		log.Info("most highly activated patch of the chosen image by this prototype:", "box", box.String())
		if patch, err := r.original.Crop(box); err != nil {
			log.Warn("failed to crop high-activation patch", "error", err)
			skipped++
		} else {
			skipped += a.save(log, filepath.Join(dir, names.HighActivationPatch()), patch)
		}
		log.Info("most highly activated patch by this prototype shown in the original image:")
		path := filepath.Join(dir, names.HighActivationInImage())
		if err := a.writer.WriteWithBox(path, r.original, box); err != nil {
			log.Error("failed to write artifact", "path", path, "error", err)
			skipped++
		}
	}

	log.Info("prototype activation map of the chosen image:")
	skipped += a.save(log, filepath.Join(dir, names.ActivationMap()), overlay.Blended)
	log.Info("--------------------------------------------------------------")
	return skipped
}

// deformation writes the per-element crops and boxes and the combined box
// image. Element crops outside the image are skipped; their boxed images
// are still written.
func (r *render) deformation(log *slog.Logger, dir string, names writer.Names, index int, act inference.ActivationMap) int {
	a := r.a
	p, err := a.model.Prototype(index)
	if err != nil {
		log.Error("unknown prototype", "error", err)
		return 1
	}
	m, err := geometry.MapPrototype(act, r.result.Offsets, p, a.model.Stride, a.model.ImageSize)
	if err != nil {
		log.Error("failed to map prototype", "error", err)
		return 1
	}
	log.Debug("prototype mapped", "anchor_row", m.AnchorRow, "anchor_col", m.AnchorCol, "union", m.Union.String())

	skipped := 0
	for _, e := range m.Elements {
		elog := log.With("element", e.Index, "box", e.Box.String())

		outline, err := geometry.ElementOutline(e, a.opts.Palette, 1)
		if err != nil {
			elog.Error("failed to outline element", "error", err)
			skipped++
		} else {
			skipped += a.saveOutlined(elog, filepath.Join(dir, names.ElementWithBox(e.Index)), r.original, []images.Outline{outline})
		}

		patch, err := images.ExtractPatch(r.original, e.Box)
		switch {
		case errors.Is(err, images.ErrOutOfBounds):
			elog.Debug("element outside the image, crop skipped")
			skipped++
		case err != nil:
			elog.Error("failed to crop element", "error", err)
			skipped++
		default:
			skipped += a.save(elog, filepath.Join(dir, names.ElementPatch(e.Index)), patch)
		}
	}

	outlines, err := geometry.ElementOutlines(m, a.opts.Palette, 1)
	if err != nil {
		log.Error("failed to outline elements", "error", err)
		return skipped + 1
	}
	return skipped + a.saveOutlined(log, filepath.Join(dir, names.AllElementsWithBox()), r.original, outlines)
}
