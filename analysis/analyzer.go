// Package analysis explains single predictions of a deformable prototype
// classifier: it ranks the prototypes an image activates, maps each one back
// to the image, and renders the evidence to a directory tree.
package analysis

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/nvr-ai/protolens/heatmap"
	"github.com/nvr-ai/protolens/images"
	"github.com/nvr-ai/protolens/inference"
	"github.com/nvr-ai/protolens/models"
	"github.com/nvr-ai/protolens/profiler"
	"github.com/nvr-ai/protolens/ranking"
	"github.com/nvr-ai/protolens/store"
	"github.com/nvr-ai/protolens/writer"
)

// ArtifactWriter persists rendered artifacts.
type ArtifactWriter interface {
	MkdirAll(dir string) error
	WriteImage(path string, r *images.Raster) error
	WriteWithBox(path string, r *images.Raster, box images.Rect) error
	WriteWithOutlines(path string, r *images.Raster, outlines []images.Outline) error
	CopyReference(src, dst string) error
}

// Recorder stores the outcome of an analyzed image.
type Recorder interface {
	RecordImage(ctx context.Context, rec store.ImageRecord) (int64, error)
}

// Options tune an Analyzer.
type Options struct {
	// TopN prototypes are rendered from the global ranking.
	TopN int
	// TopKClasses classes, by logit, get their own prototype listing.
	TopKClasses int
	// Percentile of the high-activation region.
	Percentile float64
	// PrototypeImageDir holds the prototype reference images.
	PrototypeImageDir string
	// Normalization of the model input.
	Normalization inference.Normalization
	// Blend of the heatmap overlay.
	Blend heatmap.BlendWeights
	// Palette colors kernel element boxes.
	Palette images.Palette
}

// DefaultOptions returns the standard selection and rendering settings.
func DefaultOptions() Options {
	return Options{
		TopN:          ranking.DefaultTopN,
		TopKClasses:   ranking.DefaultTopKClasses,
		Percentile:    heatmap.DefaultPercentile,
		Normalization: inference.ImageNet,
		Blend:         heatmap.DefaultBlend,
		Palette:       images.KernelPalette,
	}
}

// Analyzer runs the explanation pipeline for one image at a time. It holds
// only read-only state after construction and may be shared by workers.
type Analyzer struct {
	model        *models.Model
	engine       inference.Engine
	writer       ArtifactWriter
	index        Recorder
	logger       *slog.Logger
	opts         Options
	preprocessor *inference.Preprocessor
	composer     *heatmap.Composer
	// strongest is the class each prototype connects to most strongly.
	strongest []int
	profiler  *profiler.Profiler
}

// NewAnalyzer builds an analyzer for a loaded model.
//
// Arguments:
//   - model: The classifier metadata and weights.
//   - engine: The forward pass.
//   - w: Where artifacts are written.
//   - index: Optional result index, nil to disable.
//   - logger: The run logger.
//   - opts: Selection and rendering settings.
//
// Returns:
//   - *Analyzer: The analyzer.
//   - error: If the options are invalid.
func NewAnalyzer(
	model *models.Model,
	engine inference.Engine,
	w ArtifactWriter,
	index Recorder,
	logger *slog.Logger,
	opts Options,
) (*Analyzer, error) {
	if model == nil || engine == nil || w == nil {
		return nil, errors.New("model, engine and writer are required")
	}
	if opts.TopN < 1 || opts.TopKClasses < 1 {
		return nil, errors.Errorf("top_n and top_k_classes must be >= 1, got %d and %d", opts.TopN, opts.TopKClasses)
	}
	if opts.Palette == nil {
		opts.Palette = images.KernelPalette
	}
	if logger == nil {
		logger = slog.Default()
	}
	pre, err := inference.NewPreprocessor(model.ImageSize, opts.Normalization)
	if err != nil {
		return nil, err
	}
	strongest, err := models.MaxConnection(model.Weights)
	if err != nil {
		return nil, err
	}
	return &Analyzer{
		model:        model,
		engine:       engine,
		writer:       w,
		index:        index,
		logger:       logger,
		opts:         opts,
		preprocessor: pre,
		composer:     heatmap.NewComposer(model.ImageSize, opts.Blend),
		strongest:    strongest,
		profiler:     profiler.New(),
	}, nil
}

// Profiler returns the stage timings of every analyzed image.
func (a *Analyzer) Profiler() *profiler.Profiler {
	return a.profiler
}

// SanityCheck compares each prototype's push class and assigned class
// against the class it connects to most strongly and logs the outcome. Mismatches never stop
// the analysis.
func (a *Analyzer) SanityCheck() models.SanityReport {
	report, err := a.model.CheckIdentity()
	if err != nil {
		a.logger.Error("sanity check failed", "error", err)
		return report
	}

	classes := map[int]struct{}{}
	for _, c := range a.model.PushIdentity {
		classes[c] = struct{}{}
	}
	a.logger.Info(fmt.Sprintf("Prototypes are chosen from %d number of classes.", len(classes)),
		"identities", a.model.PushIdentity)
	a.logIdentity("push class", report.Push)
	a.logIdentity("assigned class", report.Assigned)
	return report
}

func (a *Analyzer) logIdentity(check string, report models.MatchReport) {
	if report.AllMatch() {
		a.logger.Info(report.Summary(), "check", check)
		return
	}
	a.logger.Warn(report.Summary(), "check", check, "mismatches", len(report.Mismatches))
}

// ClassListing is the within-class ranking of one top-K class.
type ClassListing struct {
	ranking.ClassScore
	Prototypes []ranking.Entry
}

// Report is the outcome of analyzing one image.
type Report struct {
	// Image is the file name.
	Image string
	// Dir holds the image's artifacts.
	Dir       string
	Predicted int
	// Actual is -1 when the file name carries no known class.
	Actual        int
	Logits        []float32
	MostActivated []ranking.Entry
	Classes       []ClassListing
	// Skipped counts artifacts that were not produced.
	Skipped int
}

// Correct reports whether the prediction matches a known label.
func (r *Report) Correct() bool {
	return r.Actual >= 0 && r.Predicted == r.Actual
}

// Analyze explains the prediction for one decoded image and writes its
// artifacts under run.Dir/<image stem>.
//
// Arguments:
//   - ctx: Cancels before the forward pass.
//   - run: The run the image belongs to.
//   - name: The image file name; its prefix before '-' names the true class.
//   - img: The decoded image, any size.
//
// Returns:
//   - *Report: The prediction and the rendered prototypes.
//   - error: Matching inference.ErrInference when the forward pass fails, or
//     a setup failure for this image. Skipped artifacts are not errors.
func (a *Analyzer) Analyze(ctx context.Context, run *Run, name string, img image.Image) (*Report, error) {
	log := a.logger.With("run_id", run.ID, "image", name)

	stop := a.profiler.Time("preprocess")
	prepared, err := a.preprocessor.Prepare(img)
	stop()
	if err != nil {
		return nil, errors.Wrapf(err, "prepare %s", name)
	}
	stop = a.profiler.Time("inference")
	result, err := a.engine.Analyze(ctx, prepared.Input)
	stop()
	if err != nil {
		return nil, errors.Wrapf(err, "analyze %s", name)
	}
	if err := a.checkResult(result); err != nil {
		return nil, errors.Wrapf(err, "analyze %s", name)
	}
	original, err := a.preprocessor.Denormalize(prepared.Input.Tensor, a.model.ImageSize, a.model.ImageSize)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		Image:     name,
		Dir:       writer.ImageDir(run.Dir, name),
		Predicted: result.PredictedClass(),
		Logits:    result.Logits,
	}
	rep.Actual, err = a.model.Classes.LabelFromFileName(name)
	if err != nil {
		log.Debug("no ground-truth class", "error", err)
	}

	log.Info(name)
	log.Info("Predicted: "+a.className(rep.Predicted), "class", rep.Predicted)
	log.Info("Actual: "+a.className(rep.Actual), "class", rep.Actual)

	if err := a.writer.MkdirAll(rep.Dir); err != nil {
		return nil, err
	}
	rep.Skipped += a.save(log, filepath.Join(rep.Dir, writer.OriginalImage), original)

	r := &render{a: a, result: result, original: original}
	defer a.profiler.Time("render")()

	// Global ranking.
	dir := filepath.Join(rep.Dir, writer.MostActivatedDir)
	if err := a.writer.MkdirAll(dir); err != nil {
		return nil, err
	}
	rep.MostActivated = ranking.TopN(ranking.Global(result.Activations), a.opts.TopN)
	log.Info(fmt.Sprintf("Most activated %d prototypes of this image:", len(rep.MostActivated)))
	for _, e := range rep.MostActivated {
		plog := log.With("listing", writer.MostActivatedDir, "rank", e.Rank, "prototype", e.Prototype)
		plog.Info(fmt.Sprintf("top %d activated prototype for this image:", e.Rank))
		names := writer.Names{Rank: e.Rank, Prototype: e.Prototype}
		rep.Skipped += a.copyReference(plog, writer.PrototypeImage(a.opts.PrototypeImageDir, e.Prototype),
			filepath.Join(dir, names.Reference()))
		rep.Skipped += a.copyReference(plog, writer.PrototypeImageWithBox(a.opts.PrototypeImageDir, e.Prototype),
			filepath.Join(dir, names.ReferenceWithBox()))
		a.logPrototype(plog, e, rep.Predicted, "last layer connection with predicted class")
		rep.Skipped += r.prototype(plog, dir, names, e.Prototype)
	}

	// Per-class rankings.
	log.Info(fmt.Sprintf("Prototypes from top-%d classes:", a.opts.TopKClasses))
	for _, cs := range ranking.TopKClasses(result.Logits, a.opts.TopKClasses) {
		dir := filepath.Join(rep.Dir, writer.ClassDir(cs.Rank))
		if err := a.writer.MkdirAll(dir); err != nil {
			return nil, err
		}
		log.Info(fmt.Sprintf("top %d predicted class: %d", cs.Rank, cs.Class), "class", cs.Class)
		log.Info(fmt.Sprintf("logit of the class: %f", cs.Logit), "logit", cs.Logit)

		entries, err := ranking.WithinClass(result.Activations, a.model.ClassPrototypes(cs.Class))
		if err != nil {
			return nil, err
		}
		listing := ClassListing{ClassScore: cs, Prototypes: entries}
		for _, e := range entries {
			plog := log.With("listing", writer.ClassDir(cs.Rank), "rank", e.Rank, "prototype", e.Prototype)
			names := writer.Names{Rank: e.Rank, Prototype: e.Prototype}
			rep.Skipped += a.copyReference(plog, writer.PrototypeImageWithBox(a.opts.PrototypeImageDir, e.Prototype),
				filepath.Join(dir, names.ReferenceWithBox()))
			a.logPrototype(plog, e, cs.Class, "last layer connection")
			rep.Skipped += r.prototype(plog, dir, names, e.Prototype)
		}
		rep.Classes = append(rep.Classes, listing)
		log.Info("***************************************************************")
	}

	if rep.Correct() {
		log.Info("Prediction is correct.")
	} else {
		log.Info("Prediction is wrong.")
	}

	if a.index != nil {
		if _, err := a.index.RecordImage(ctx, a.record(run, rep)); err != nil {
			log.Error("failed to index image", "error", err)
		}
	}
	return rep, nil
}

func (a *Analyzer) checkResult(r *inference.Result) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if n := len(r.Activations); n != a.model.NumPrototypes() {
		return errors.Errorf("model has %d prototypes, inference returned %d", a.model.NumPrototypes(), n)
	}
	if n := len(r.Logits); n != a.model.NumClasses {
		return errors.Errorf("model has %d classes, inference returned %d", a.model.NumClasses, n)
	}
	return nil
}

// logPrototype writes the identity block of a ranked prototype.
func (a *Analyzer) logPrototype(log *slog.Logger, e ranking.Entry, class int, connectionLabel string) {
	identity := a.model.PushIdentity[e.Prototype]
	log.Info(fmt.Sprintf("prototype index: %d", e.Prototype), "prototype", e.Prototype)
	log.Info(fmt.Sprintf("prototype class identity: %d", identity), "class", identity)
	if strongest := a.strongest[e.Prototype]; strongest != identity {
		log.Info(fmt.Sprintf("prototype connection identity: %d", strongest), "class", strongest)
	}
	log.Info(fmt.Sprintf("activation value (similarity score): %v", e.Score), "score", e.Score)
	w := a.model.Connection(class, e.Prototype)
	log.Info(fmt.Sprintf("%s: %v", connectionLabel, w), "class", class, "connection", w)
}

func (a *Analyzer) className(class int) string {
	if name, err := a.model.Classes.GetName(class); err == nil {
		return name
	}
	return fmt.Sprint(class)
}

// save writes r to path and returns the number of skipped artifacts.
func (a *Analyzer) save(log *slog.Logger, path string, r *images.Raster) int {
	if err := a.writer.WriteImage(path, r); err != nil {
		log.Error("failed to write artifact", "path", path, "error", err)
		return 1
	}
	return 0
}

func (a *Analyzer) saveOutlined(log *slog.Logger, path string, r *images.Raster, outlines []images.Outline) int {
	if err := a.writer.WriteWithOutlines(path, r, outlines); err != nil {
		log.Error("failed to write artifact", "path", path, "error", err)
		return 1
	}
	return 0
}

func (a *Analyzer) copyReference(log *slog.Logger, src, dst string) int {
	err := a.writer.CopyReference(src, dst)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, writer.ErrMissingArtifact):
		log.Warn("Problem loading "+src, "error", err)
	default:
		log.Error("failed to copy prototype image", "path", dst, "error", err)
	}
	return 1
}

func (a *Analyzer) record(run *Run, rep *Report) store.ImageRecord {
	rec := store.ImageRecord{
		RunID:     run.ID,
		Name:      rep.Image,
		Predicted: rep.Predicted,
		Actual:    rep.Actual,
		Logits:    rep.Logits,
	}
	add := func(listing string, entries []ranking.Entry, class int) {
		for _, e := range entries {
			rec.Prototypes = append(rec.Prototypes, store.PrototypeRecord{
				Listing:    listing,
				Rank:       e.Rank,
				Prototype:  e.Prototype,
				Class:      a.model.Prototypes[e.Prototype].Class,
				Score:      e.Score,
				Connection: a.model.Connection(class, e.Prototype),
			})
		}
	}
	add(store.MostActivated, rep.MostActivated, rep.Predicted)
	for _, c := range rep.Classes {
		add(writer.ClassDir(c.Rank), c.Prototypes, c.Class)
	}
	return rec
}
