package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"videoscan/internal/align"
	"videoscan/internal/config"
	"videoscan/internal/engine"
	"videoscan/internal/export"
	"videoscan/internal/extract"
	"videoscan/internal/fsutil"
	"videoscan/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	cfg      *config.Config
	source   align.FrameSource
	prober   durationProber
	alignFac alignerFactory
	exporter datasetWriter
	tracker  *align.ProgressTracker
}

// aligner is the iteration loop as the router sees it.
type aligner interface {
	Run(ctx context.Context, p align.Params) (align.Result, align.StopReason, []align.IterationRecord, error)
	WorkingSet() []align.Frame
}

type alignerFactory func() aligner

type durationProber interface {
	ProbeDuration(ctx context.Context, video string) (float64, error)
}

type datasetWriter interface {
	Write(outputDir string, frames []align.Frame, res align.Result, reason align.StopReason, history []align.IterationRecord, score float64) (string, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, tracker *align.ProgressTracker) Processor {
	gate := extract.NewGate(cfg.Gate, logger)
	source := extract.NewFFmpegSource(cfg.Extraction, gate, logger)
	eng := engine.New(cfg.Engine, logger)
	stops := align.StopConditions{
		SingleComponentThreshold: cfg.Engine.StopConditions.SingleComponentThreshold,
		ErrorThreshold:           cfg.Engine.StopConditions.ReprojectionErrorThreshold,
		RatioThreshold:           cfg.Engine.StopConditions.AlignmentRatioThreshold,
		ImprovementThreshold:     cfg.Engine.StopConditions.ImprovementThreshold,
	}
	return &router{
		log:    logger,
		store:  store,
		cfg:    cfg,
		source: source,
		prober: source,
		alignFac: func() aligner {
			return align.NewOrchestrator(eng, source, tracker, stops, logger)
		},
		exporter: export.NewDataset(cfg.Export, logger),
		tracker:  tracker,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobReconstruct:
		return r.handleReconstruct(ctx, job)
	case JobExtract:
		return r.handleExtract(ctx, job)
	case JobProbe:
		return r.handleProbe(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// handleReconstruct runs the full adaptive alignment loop over the input
// videos and writes the dataset when a usable result came out.
func (r *router) handleReconstruct(ctx context.Context, job Job) Result {
	videos, err := r.collectVideos(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	quality, _ := job.Options["quality"].(string)
	if quality == "" {
		quality = r.cfg.Engine.Quality
	}
	maxIterations, _ := job.Options["maxIterations"].(int)
	if maxIterations <= 0 {
		maxIterations = r.cfg.Processing.MaxIterations
	}
	targetImages, _ := job.Options["targetImages"].(int)
	if targetImages <= 0 {
		targetImages = r.cfg.Processing.TargetImagesPerVideo * len(videos)
	}

	run := r.alignFac()
	res, reason, history, err := run.Run(ctx, align.Params{
		Videos:            videos,
		TargetTotalImages: targetImages,
		Quality:           align.Quality(quality),
		MaxIterations:     maxIterations,
		OutputDir:         job.Output,
	})
	if err != nil {
		return Result{Job: job, Error: err}
	}

	score := align.QualityScore(res)
	meta := map[string]any{
		"stop_reason":     string(reason),
		"result":          res,
		"history":         history,
		"quality_score":   score,
		"videos":          len(videos),
		"total_images":    res.TotalImages,
		"aligned_images":  res.AlignedImageCount(),
		"component_count": len(res.Components),
	}

	r.tracker.Update(func(s align.ProgressSnapshot) align.ProgressSnapshot {
		s.CurrentPhase = "exporting dataset"
		s.OverallProgress = 90
		return s
	})

	datasetPath, err := r.exporter.Write(job.Output, run.WorkingSet(), res, reason, history, score)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("dataset export: %w", err), Meta: meta}
	}
	meta["dataset"] = datasetPath

	r.tracker.Update(func(s align.ProgressSnapshot) align.ProgressSnapshot {
		s.CurrentPhase = "done"
		s.OverallProgress = 100
		s.PhaseProgress = 100
		return s
	})

	return Result{Job: job, Meta: meta}
}

// handleExtract performs a one-shot initial extraction without the
// alignment loop, for previewing frame selection.
func (r *router) handleExtract(ctx context.Context, job Job) Result {
	videos, err := r.collectVideos(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	targetImages, _ := job.Options["targetImages"].(int)
	if targetImages <= 0 {
		targetImages = r.cfg.Processing.TargetImagesPerVideo
	}

	total := 0
	for _, video := range videos {
		frames, err := r.source.ExtractInitial(ctx, video, targetImages, job.Output)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		total += len(frames)
	}
	meta := map[string]any{
		"videos": len(videos),
		"frames": total,
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleProbe(ctx context.Context, job Job) Result {
	videos, err := r.collectVideos(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	durations := make(map[string]float64, len(videos))
	total := 0.0
	for _, video := range videos {
		d, err := r.prober.ProbeDuration(ctx, video)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		durations[video] = d
		total += d
	}
	meta := map[string]any{
		"videos":             len(videos),
		"durations":          durations,
		"total_duration_sec": total,
	}
	return Result{Job: job, Meta: meta}
}

// collectVideos accepts either a single video file or a directory to
// scan.
func (r *router) collectVideos(inputPath string) ([]string, error) {
	if fsutil.IsVideoFile(inputPath) {
		return []string{inputPath}, nil
	}
	videos, err := fsutil.ListVideos(inputPath)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", inputPath, err)
	}
	if len(videos) == 0 {
		return nil, fmt.Errorf("no video files found under %s", inputPath)
	}
	return videos, nil
}
