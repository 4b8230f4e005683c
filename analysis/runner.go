package analysis

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nvr-ai/protolens/inference"
	"github.com/nvr-ai/protolens/util"
	"github.com/nvr-ai/protolens/writer"
)

// Run identifies one invocation over a set of images.
type Run struct {
	ID      string
	Dir     string
	Started time.Time
}

// NewRun names a run started at t under outputDir.
func NewRun(outputDir string, t time.Time) *Run {
	return &Run{
		ID:      uuid.NewString(),
		Dir:     writer.RunDir(outputDir, t),
		Started: t,
	}
}

// Failure is an image that could not be analyzed.
type Failure struct {
	Image string
	Err   error
}

// Summary collects the outcome of a run. Reports and Failures keep the
// input order.
type Summary struct {
	Reports  []*Report
	Failures []Failure
	// Canceled is set when the context ended before every image started.
	Canceled bool
}

// Accuracy returns the number of correct predictions among labeled images.
func (s *Summary) Accuracy() (correct, labeled int) {
	for _, r := range s.Reports {
		if r.Actual < 0 {
			continue
		}
		labeled++
		if r.Correct() {
			correct++
		}
	}
	return correct, labeled
}

// Runner analyzes a list of images with a bounded number of workers.
type Runner struct {
	Analyzer *Analyzer
	Logger   *slog.Logger
	// Workers is the number of images analyzed concurrently.
	Workers int
	// Decode reads an image file, util.DecodeImage when nil.
	Decode func(path string) (image.Image, error)
}

// Run analyzes every file. A failing image is logged and recorded in the
// summary; the other images continue. Cancellation is checked between
// images: images already started finish.
//
// Arguments:
//   - ctx: Stops new images from starting.
//   - run: The run the images belong to.
//   - files: The images to analyze.
//
// Returns:
//   - *Summary: Per-image reports and failures.
func (r *Runner) Run(ctx context.Context, run *Run, files []util.ImageFile) *Summary {
	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	decode := r.Decode
	if decode == nil {
		decode = util.DecodeImage
	}

	reports := make([]*Report, len(files))
	failures := make([]error, len(files))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	canceled := false

	for i, f := range files {
		if !acquire(ctx, sem) {
			canceled = true
			break
		}

		wg.Add(1)
		go func(idx int, file util.ImageFile) {
			defer wg.Done()
			defer func() { <-sem }()

			stop := r.Analyzer.Profiler().Time("decode")
			img, err := decode(file.Path)
			stop()
			if err == nil {
				reports[idx], err = r.Analyzer.Analyze(ctx, run, file.Name, img)
			} else {
				err = errors.Wrapf(err, "load %s", file.Name)
			}
			if err != nil {
				failures[idx] = err
				level := slog.LevelError
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					level = slog.LevelWarn
				}
				logger.Log(context.Background(), level, "image analysis failed", "run_id", run.ID, "image", file.Name,
					"inference", errors.Is(err, inference.ErrInference), "error", err)
			}
		}(i, f)
	}
	wg.Wait()

	s := &Summary{Canceled: canceled}
	for i, f := range files {
		switch {
		case failures[i] != nil:
			s.Failures = append(s.Failures, Failure{Image: f.Name, Err: failures[i]})
		case reports[i] != nil:
			s.Reports = append(s.Reports, reports[i])
		}
	}
	if canceled {
		logger.Warn("run canceled", "run_id", run.ID, "analyzed", len(s.Reports), "total", len(files))
	}
	return s
}

// acquire takes a worker slot unless ctx is done first.
func acquire(ctx context.Context, sem chan struct{}) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case sem <- struct{}{}:
		return true
	}
}
