package analysis

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/protolens/images"
	"github.com/nvr-ai/protolens/inference"
	"github.com/nvr-ai/protolens/models"
	"github.com/nvr-ai/protolens/ranking"
	"github.com/nvr-ai/protolens/store"
	"github.com/nvr-ai/protolens/util"
	"github.com/nvr-ai/protolens/writer"
)

// memWriter keeps written artifacts in memory.
type memWriter struct {
	mu         sync.Mutex
	files      map[string]*images.Raster
	boxes      map[string]images.Rect
	outlines   map[string][]images.Outline
	dirs       map[string]bool
	references map[string]bool
}

func newMemWriter(references ...string) *memWriter {
	w := &memWriter{
		files:      map[string]*images.Raster{},
		boxes:      map[string]images.Rect{},
		outlines:   map[string][]images.Outline{},
		dirs:       map[string]bool{},
		references: map[string]bool{},
	}
	for _, r := range references {
		w.references[r] = true
	}
	return w
}

func (w *memWriter) MkdirAll(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirs[dir] = true
	return nil
}

func (w *memWriter) WriteImage(path string, r *images.Raster) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = r
	return nil
}

func (w *memWriter) WriteWithBox(path string, r *images.Raster, box images.Rect) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = r
	w.boxes[path] = box
	return nil
}

func (w *memWriter) WriteWithOutlines(path string, r *images.Raster, outlines []images.Outline) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = r
	w.outlines[path] = outlines
	return nil
}

func (w *memWriter) CopyReference(src, dst string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.references[src] {
		return errors.Wrapf(writer.ErrMissingArtifact, "read %s", src)
	}
	w.files[dst] = nil
	return nil
}

func (w *memWriter) has(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.files[path]
	return ok
}

// fakeEngine returns a fixed result, failing for bright inputs.
type fakeEngine struct {
	result *inference.Result
	calls  int
	mu     sync.Mutex
}

func (e *fakeEngine) Analyze(ctx context.Context, in *inference.Input) (*inference.Result, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Tensor[0] > 0 {
		return nil, &inference.Error{Op: "run", Err: errors.New("device lost")}
	}
	return e.result, nil
}

func (e *fakeEngine) Close() error { return nil }

var _ inference.Engine = (*fakeEngine)(nil)

const imageSize = 9

// testModel has four 1x1 prototypes on a 3x3 latent grid, two per class,
// each connecting most strongly to its own class.
func testModel(t *testing.T) *models.Model {
	t.Helper()
	md := &models.Metadata{
		ImageSize:      imageSize,
		NumClasses:     2,
		PrototypeShape: []int{4, 8, 1, 1},
		ClassIdentity:  []int{0, 0, 1, 1},
		LastLayerWeights: [][]float64{
			{1, 0.5, -0.5, 0},
			{0, -0.5, 1, 0.5},
		},
		ClassNames: []string{"CNV", "DME"},
	}
	m, err := md.Build()
	require.NoError(t, err)
	return m
}

// testResult peaks prototype 0 at the grid center, prototype 1 at the
// bottom-right corner, prototype 2 at the top-left and leaves prototype 3
// flat.
func testResult(t *testing.T) *inference.Result {
	t.Helper()
	patterns := make([]float32, 4*9)
	patterns[0*9+4] = 1
	patterns[1*9+8] = 1
	patterns[2*9+0] = 1
	p, err := inference.NewPatterns(4, 3, 3, patterns)
	require.NoError(t, err)
	o, err := inference.NewOffsets(2, 3, 3, make([]float32, 2*9))
	require.NoError(t, err)
	return &inference.Result{
		Logits:      []float32{0.2, 1.5},
		Activations: []float32{0.9, 0.5, 0.7, 0.1},
		Patterns:    p,
		Offsets:     o,
	}
}

func solid(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, imageSize, imageSize))
	for y := 0; y < imageSize; y++ {
		for x := 0; x < imageSize; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func newTestAnalyzer(t *testing.T, w ArtifactWriter, index Recorder, logs io.Writer) (*Analyzer, *fakeEngine) {
	t.Helper()
	engine := &fakeEngine{result: testResult(t)}
	opts := DefaultOptions()
	opts.TopN = 3
	opts.PrototypeImageDir = "img"
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a, err := NewAnalyzer(testModel(t), engine, w, index, logger, opts)
	require.NoError(t, err)
	return a, engine
}

// references lists every prototype reference image except prototype 1's.
func references() []string {
	var out []string
	for _, p := range []int{0, 2, 3} {
		out = append(out, writer.PrototypeImage("img", p), writer.PrototypeImageWithBox("img", p))
	}
	return out
}

// TestAnalyzeWritesArtifactTree runs one image end to end and checks the
// rankings, the directory tree and the skipped artifacts.
func TestAnalyzeWritesArtifactTree(t *testing.T) {
	w := newMemWriter(references()...)
	var logs bytes.Buffer
	a, _ := newTestAnalyzer(t, w, nil, &logs)
	run := &Run{ID: "run-1", Dir: "out/run"}

	rep, err := a.Analyze(context.Background(), run, "DME-1.png", solid(color.Black))
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Predicted)
	assert.Equal(t, 1, rep.Actual)
	assert.True(t, rep.Correct())
	assert.Equal(t, filepath.Join("out", "run", "DME-1.png"), rep.Dir)

	assert.Equal(t, []ranking.Entry{
		{Prototype: 0, Score: 0.9, Rank: 1},
		{Prototype: 2, Score: 0.7, Rank: 2},
		{Prototype: 1, Score: 0.5, Rank: 3},
	}, rep.MostActivated)

	require.Len(t, rep.Classes, 2)
	assert.Equal(t, 1, rep.Classes[0].Class)
	assert.Equal(t, []int{2, 3}, prototypesOf(rep.Classes[0].Prototypes))
	assert.Equal(t, 0, rep.Classes[1].Class)
	assert.Equal(t, []int{0, 1}, prototypesOf(rep.Classes[1].Prototypes))

	most := filepath.Join(rep.Dir, writer.MostActivatedDir)
	top1 := writer.Names{Rank: 1, Prototype: 0}
	for _, name := range []string{
		top1.Reference(),
		top1.ReferenceWithBox(),
		top1.ElementPatch(0),
		top1.ElementWithBox(0),
		top1.AllElementsWithBox(),
		top1.HighActivationPatch(),
		top1.HighActivationInImage(),
		top1.ActivationMap(),
	} {
		assert.True(t, w.has(filepath.Join(most, name)), name)
	}
	assert.True(t, w.has(filepath.Join(rep.Dir, writer.OriginalImage)))

	// The center element maps to rows [3,6), cols [3,6).
	patch := w.files[filepath.Join(most, top1.ElementPatch(0))]
	assert.Equal(t, 3, patch.Width)
	assert.Equal(t, 3, patch.Height)

	center := images.Rect{RowStart: 3, RowEnd: 6, ColStart: 3, ColEnd: 6}
	first, _ := images.KernelPalette.Color(0)
	want := []images.Outline{{Box: center, Color: first, Thickness: 1}}
	assert.Equal(t, want, w.outlines[filepath.Join(most, top1.AllElementsWithBox())])
	assert.Equal(t, want, w.outlines[filepath.Join(most, top1.ElementWithBox(0))])

	// Prototype 1 peaks in the corner: its box ends at the image edge, so
	// the crop is skipped while the boxed image is still written.
	top3 := writer.Names{Rank: 3, Prototype: 1}
	assert.False(t, w.has(filepath.Join(most, top3.ElementPatch(0))))
	assert.True(t, w.has(filepath.Join(most, top3.ElementWithBox(0))))
	assert.False(t, w.has(filepath.Join(most, top3.Reference())))

	// Class listings copy only the boxed reference.
	class1 := filepath.Join(rep.Dir, writer.ClassDir(1))
	c1 := writer.Names{Rank: 1, Prototype: 2}
	assert.True(t, w.has(filepath.Join(class1, c1.ReferenceWithBox())))
	assert.False(t, w.has(filepath.Join(class1, c1.Reference())))
	assert.True(t, w.has(filepath.Join(class1, writer.Names{Rank: 2, Prototype: 3}.ActivationMap())))

	// Two missing references and one crop in the global listing, one
	// missing reference and one crop in class 0's listing.
	assert.Equal(t, 5, rep.Skipped)

	out := logs.String()
	assert.Contains(t, out, "Prediction is correct.")
	assert.Contains(t, out, "last layer connection with predicted class")
	assert.Contains(t, out, "top 2 predicted class: 0")
	assert.Contains(t, out, "flat activation map")
	assert.NotContains(t, out, "prototype connection identity")
}

func prototypesOf(entries []ranking.Entry) []int {
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.Prototype
	}
	return out
}

func TestAnalyzeInferenceFailure(t *testing.T) {
	w := newMemWriter()
	a, _ := newTestAnalyzer(t, w, nil, io.Discard)

	_, err := a.Analyze(context.Background(), &Run{ID: "r", Dir: "out"}, "CNV-1.png", solid(color.White))
	require.Error(t, err)
	assert.True(t, errors.Is(err, inference.ErrInference))
	assert.Empty(t, w.files, "nothing is written for a failed image")
}

func TestAnalyzeRejectsMismatchedResult(t *testing.T) {
	a, engine := newTestAnalyzer(t, newMemWriter(), nil, io.Discard)
	engine.result.Activations = engine.result.Activations[:3]

	_, err := a.Analyze(context.Background(), &Run{ID: "r", Dir: "out"}, "CNV-1.png", solid(color.Black))
	assert.Error(t, err)
}

func TestSanityCheck(t *testing.T) {
	var logs bytes.Buffer
	a, _ := newTestAnalyzer(t, newMemWriter(), nil, &logs)
	report := a.SanityCheck()
	assert.True(t, report.AllMatch())
	assert.Contains(t, logs.String(), "Prototypes are chosen from 2 number of classes.")
	assert.NotContains(t, logs.String(), "level=WARN")

	// Push prototype 1 onto class 1 while it still connects to class 0.
	a.model.PushIdentity[1] = 1
	logs.Reset()
	report = a.SanityCheck()
	require.Len(t, report.Push.Mismatches, 1)
	assert.Equal(t, 1, report.Push.Mismatches[0].Prototype)
	assert.True(t, report.Assigned.AllMatch())
	assert.Contains(t, logs.String(), `level=WARN msg="1 of 4 prototypes`)
	assert.Contains(t, logs.String(), `check="push class"`)

	// Reassign prototype 3 to class 0 while it still connects to class 1.
	a.model.PushIdentity[1] = 0
	a.model.Prototypes[3].Class = 0
	logs.Reset()
	report = a.SanityCheck()
	assert.True(t, report.Push.AllMatch())
	require.Len(t, report.Assigned.Mismatches, 1)
	assert.Equal(t, models.Mismatch{Prototype: 3, Assigned: 0, Strongest: 1}, report.Assigned.Mismatches[0])
	assert.Contains(t, logs.String(), `check="assigned class"`)
}

func TestNewAnalyzerValidates(t *testing.T) {
	m := testModel(t)
	_, err := NewAnalyzer(m, nil, newMemWriter(), nil, nil, DefaultOptions())
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.TopN = 0
	_, err = NewAnalyzer(m, &fakeEngine{}, newMemWriter(), nil, nil, opts)
	assert.Error(t, err)
}

// TestRunnerContinuesAfterFailure runs three images on two workers; the
// bright one fails inference and the others are analyzed and indexed.
func TestRunnerContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	index, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), writer.IndexFile)})
	require.NoError(t, err)
	defer index.Close()

	a, _ := newTestAnalyzer(t, newMemWriter(references()...), index, io.Discard)
	run := NewRun("out", time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC))
	assert.Equal(t, filepath.Join("out", "2024-05-06_07-08-09"), run.Dir)
	assert.NotEmpty(t, run.ID)

	files := []util.ImageFile{
		{Name: "CNV-1.png", Path: "CNV-1.png"},
		{Name: "DME-2.png", Path: "DME-2.png"},
		{Name: "NORMAL-3.png", Path: "NORMAL-3.png"},
	}
	runner := &Runner{
		Analyzer: a,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Workers:  2,
		Decode: func(path string) (image.Image, error) {
			if strings.HasPrefix(path, "DME") {
				return solid(color.White), nil
			}
			return solid(color.Black), nil
		},
	}

	summary := runner.Run(ctx, run, files)
	assert.False(t, summary.Canceled)
	require.Len(t, summary.Reports, 2)
	assert.Equal(t, "CNV-1.png", summary.Reports[0].Image)
	assert.Equal(t, "NORMAL-3.png", summary.Reports[1].Image)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "DME-2.png", summary.Failures[0].Image)
	assert.True(t, errors.Is(summary.Failures[0].Err, inference.ErrInference))

	correct, labeled := summary.Accuracy()
	assert.Equal(t, 0, correct)
	assert.Equal(t, 1, labeled)

	records, err := index.Images(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		// Three globally ranked prototypes plus two per class listing.
		assert.Len(t, rec.Prototypes, 7)
	}
	c, l, err := index.Accuracy(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, c)
	assert.Equal(t, 1, l)
}

func TestRunnerDecodeFailure(t *testing.T) {
	a, _ := newTestAnalyzer(t, newMemWriter(), nil, io.Discard)
	runner := &Runner{
		Analyzer: a,
		Decode: func(string) (image.Image, error) {
			return nil, errors.New("truncated file")
		},
	}
	summary := runner.Run(context.Background(), &Run{ID: "r", Dir: "out"}, []util.ImageFile{{Name: "a.png"}})
	require.Len(t, summary.Failures, 1)
	assert.False(t, errors.Is(summary.Failures[0].Err, inference.ErrInference))
}

func TestRunnerCanceledBeforeStart(t *testing.T) {
	a, engine := newTestAnalyzer(t, newMemWriter(), nil, io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &Runner{
		Analyzer: a,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Decode:   func(string) (image.Image, error) { return solid(color.Black), nil },
	}
	summary := runner.Run(ctx, &Run{ID: "r", Dir: "out"}, []util.ImageFile{{Name: "a.png"}, {Name: "b.png"}})
	assert.True(t, summary.Canceled)
	assert.Empty(t, summary.Reports)
	assert.Zero(t, engine.calls)
}
