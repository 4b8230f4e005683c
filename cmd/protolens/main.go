// Command protolens explains the predictions of a deformable prototype
// classifier on a directory of images.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nvr-ai/protolens/analysis"
	"github.com/nvr-ai/protolens/config"
	"github.com/nvr-ai/protolens/inference"
	"github.com/nvr-ai/protolens/inference/providers"
	"github.com/nvr-ai/protolens/models"
	"github.com/nvr-ai/protolens/store"
	"github.com/nvr-ai/protolens/util"
	"github.com/nvr-ai/protolens/writer"
)

func main() {
	var (
		configPath string
		imageDir   string
		outputDir  string
		workers    int
		gpuID      int
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "", "Path to the run configuration (YAML)")
	flag.StringVar(&imageDir, "images", "", "Directory of images to analyze (overrides test_image_dir)")
	flag.StringVar(&outputDir, "out", "", "Output directory (overrides output_dir)")
	flag.IntVar(&workers, "workers", 0, "Images analyzed concurrently (overrides workers)")
	flag.IntVar(&gpuID, "gpuid", -1, "CUDA device to run on; -1 keeps the configured provider")
	flag.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides log_level)")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			log.Fatalf("Error loading config: %v", err)
		}
	}
	if imageDir != "" {
		cfg.TestImageDir = imageDir
	}
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if gpuID >= 0 {
		cfg.Provider.Backend = providers.CUDABackend
		cfg.Provider.CUDA.DeviceID = gpuID
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	os.Exit(run(cfg))
}

func run(cfg config.Config) int {
	model, err := models.LoadModel(cfg.MetadataPath())
	if err != nil {
		log.Printf("Error loading model metadata: %v", err)
		return 1
	}

	w := writer.New()
	r := analysis.NewRun(cfg.OutputDir, time.Now())
	if err := w.MkdirAll(r.Dir); err != nil {
		log.Printf("Error creating run directory: %v", err)
		return 1
	}

	logFile, err := os.Create(filepath.Join(r.Dir, writer.LogFile))
	if err != nil {
		log.Printf("Error creating log file: %v", err)
		return 1
	}
	defer logFile.Close()

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, logFile), &slog.HandlerOptions{Level: level}))

	logger.Info("load model from " + cfg.ModelPath())
	logger.Info("experiment run: " + filepath.Base(r.Dir))
	logger.Info(fmt.Sprintf("epoch number: %d", model.Epoch))
	logger.Info(model.String())

	engine, err := inference.NewONNXEngine(cfg.ONNX(model.ImageSize))
	if err != nil {
		logger.Error("failed to create inference engine", "error", err)
		return 1
	}
	defer engine.Close()

	var recorder analysis.Recorder
	if cfg.Index {
		index, err := store.Open(store.Config{Path: filepath.Join(r.Dir, writer.IndexFile)})
		if err != nil {
			logger.Error("failed to open result index", "error", err)
			return 1
		}
		defer index.Close()
		recorder = index
	}

	opts := analysis.DefaultOptions()
	opts.TopN = cfg.TopN
	opts.TopKClasses = cfg.TopKClasses
	opts.Percentile = cfg.HighActivationPercentile
	opts.PrototypeImageDir = cfg.PrototypeImagePath()
	opts.Normalization = cfg.Normalization
	analyzer, err := analysis.NewAnalyzer(model, engine, w, recorder, logger, opts)
	if err != nil {
		logger.Error("failed to create analyzer", "error", err)
		return 1
	}
	analyzer.SanityCheck()

	files, err := util.LoadDirectoryImageFiles(cfg.TestImageDir)
	if err != nil {
		logger.Error("failed to list images", "dir", cfg.TestImageDir, "error", err)
		return 1
	}
	logger.Info(fmt.Sprintf("test set size: %d", len(files)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := &analysis.Runner{Analyzer: analyzer, Logger: logger, Workers: cfg.Workers}
	summary := runner.Run(ctx, r, files)

	analyzer.Profiler().Report(logger)
	correct, labeled := summary.Accuracy()
	logger.Info("run finished",
		"run_id", r.ID,
		"analyzed", len(summary.Reports),
		"failed", len(summary.Failures),
		"correct", correct,
		"labeled", labeled,
		"dir", r.Dir)

	if summary.Canceled || len(summary.Failures) > 0 {
		return 1
	}
	return 0
}
