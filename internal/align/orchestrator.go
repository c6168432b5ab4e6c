package align

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Progress bands: initial extraction fills 0-70, the iteration loop
// interpolates 70-90, dataset export takes the rest.
const (
	extractionBandEnd = 70.0
	iterationBandEnd  = 90.0
)

// StopConditions holds the thresholds the iteration loop evaluates after
// every alignment call.
type StopConditions struct {
	SingleComponentThreshold float64
	ErrorThreshold           float64
	RatioThreshold           float64
	ImprovementThreshold     float64
}

// DefaultStopConditions mirrors the engine presets the pipeline ships with.
func DefaultStopConditions() StopConditions {
	return StopConditions{
		SingleComponentThreshold: 0.95,
		ErrorThreshold:           2.0,
		RatioThreshold:           0.95,
		ImprovementThreshold:     0.02,
	}
}

// Params describes one reconstruction run.
type Params struct {
	Videos            []string
	TargetTotalImages int
	Quality           Quality
	MaxIterations     int
	OutputDir         string
}

// Orchestrator owns the adaptive alignment loop: extract an initial
// working set, align, score, analyze failures, reacquire, repeat.
type Orchestrator struct {
	engine    Engine
	source    FrameSource
	analyzer  *ProblemAnalyzer
	scheduler *ReacquisitionScheduler
	tracker   *ProgressTracker
	stops     StopConditions
	log       *slog.Logger

	stopRequested atomic.Bool
	finalWorking  []Frame
}

func NewOrchestrator(engine Engine, source FrameSource, tracker *ProgressTracker, stops StopConditions, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if tracker == nil {
		tracker = NewProgressTracker()
	}
	return &Orchestrator{
		engine:    engine,
		source:    source,
		analyzer:  NewProblemAnalyzer(logger),
		scheduler: NewReacquisitionScheduler(logger),
		tracker:   tracker,
		stops:     stops,
		log:       logger,
	}
}

// Tracker exposes the progress cell for presentation pollers.
func (o *Orchestrator) Tracker() *ProgressTracker {
	return o.tracker
}

// WorkingSet returns the frames submitted on the final alignment call of
// the last completed Run, for export layers.
func (o *Orchestrator) WorkingSet() []Frame {
	return o.finalWorking
}

// Stop requests cooperative cancellation. The flag is observed before
// each per-video initial extraction and at each iteration start; an
// alignment call already in flight is only interrupted by asking the
// engine to terminate its process.
func (o *Orchestrator) Stop() {
	o.stopRequested.Store(true)
	o.engine.Abort()
}

func (o *Orchestrator) cancelled(ctx context.Context) bool {
	return o.stopRequested.Load() || ctx.Err() != nil
}

// Run executes the full adaptive loop and returns the final alignment
// result, the reason the loop stopped, and the iteration history.
// The only fatal condition is zero frames from all videos combined.
func (o *Orchestrator) Run(ctx context.Context, p Params) (Result, StopReason, []IterationRecord, error) {
	working, err := o.extractInitial(ctx, p)
	if err != nil {
		return Result{}, "", nil, err
	}
	defer func() { o.finalWorking = working }()

	o.tracker.Update(func(s ProgressSnapshot) ProgressSnapshot {
		s.TotalImages = len(working)
		s.CurrentPhase = "aligning"
		s.PhaseProgress = 0
		return s
	})

	var (
		history []IterationRecord
		result  = EmptyResult(len(working))
	)

	for iteration := 0; iteration < p.MaxIterations; iteration++ {
		if o.cancelled(ctx) {
			o.log.Info("run cancelled", "iteration", iteration)
			return result, StopCancelled, history, nil
		}

		o.log.Info("alignment iteration starting", "iteration", iteration+1, "images", len(working))
		o.tracker.Update(func(s ProgressSnapshot) ProgressSnapshot {
			s.IterationCount = iteration + 1
			s.CurrentPhase = "aligning"
			return s
		})

		res, degraded := o.runEngine(ctx, working, p.Quality)
		result = res

		record := IterationRecord{
			Iteration:      iteration,
			ImageCount:     len(working),
			ComponentCount: len(res.Components),
			QualityScore:   QualityScore(res),
		}
		history = append(history, record)
		o.log.Info("alignment iteration scored",
			"iteration", iteration+1,
			"components", record.ComponentCount,
			"ratio", res.AlignmentRatio,
			"mean_error", res.MeanReprojectionError,
			"score", record.QualityScore,
		)

		if !degraded {
			if reason, stop := o.evaluateStop(res, history); stop {
				o.log.Info("iteration loop stopping", "reason", reason)
				return res, reason, history, nil
			}

			added := o.reacquire(ctx, res, working, p.OutputDir)
			if len(added) == 0 {
				o.log.Info("no further frames available, stopping")
				return res, StopExhausted, history, nil
			}
			working = append(working, added...)
			o.log.Info("working set grown", "added", len(added), "total", len(working))
		}

		o.tracker.Update(func(s ProgressSnapshot) ProgressSnapshot {
			s.TotalImages = len(working)
			progress := extractionBandEnd + float64(iteration+1)/float64(p.MaxIterations)*(iterationBandEnd-extractionBandEnd)
			if progress > iterationBandEnd {
				progress = iterationBandEnd
			}
			s.OverallProgress = progress
			return s
		})
	}

	return result, StopMaxIterations, history, nil
}

// extractInitial divides the image target evenly across the videos using
// integer division; the remainder is intentionally never requested.
func (o *Orchestrator) extractInitial(ctx context.Context, p Params) ([]Frame, error) {
	o.tracker.Update(func(s ProgressSnapshot) ProgressSnapshot {
		s.CurrentPhase = "extracting initial frames"
		s.PhaseProgress = 0
		s.OverallProgress = 0
		s.IterationCount = 0
		return s
	})

	if len(p.Videos) == 0 {
		return nil, fmt.Errorf("%w: no videos supplied", ErrNoFramesExtracted)
	}
	perVideo := p.TargetTotalImages / len(p.Videos)

	var working []Frame
	for i, video := range p.Videos {
		if o.cancelled(ctx) {
			break
		}
		o.log.Info("extracting initial frames", "video", video, "index", i+1, "of", len(p.Videos), "target", perVideo)
		frames, err := o.source.ExtractInitial(ctx, video, perVideo, p.OutputDir)
		if err != nil {
			o.log.Warn("initial extraction failed for video", "video", video, "error", err)
			continue
		}
		working = append(working, frames...)

		done := float64(i+1) / float64(len(p.Videos))
		o.tracker.Update(func(s ProgressSnapshot) ProgressSnapshot {
			s.PhaseProgress = done * 100
			s.OverallProgress = done * extractionBandEnd
			s.TotalImages = len(working)
			return s
		})
	}

	if len(working) == 0 {
		return nil, fmt.Errorf("%w: %d videos attempted", ErrNoFramesExtracted, len(p.Videos))
	}
	o.log.Info("initial extraction complete", "frames", len(working))
	return working, nil
}

// runEngine wraps the blocking engine call. Collaborator failures and
// incoherent results never abort the run: both degrade to an empty
// result so the loop can retry or terminate via the iteration bound.
func (o *Orchestrator) runEngine(ctx context.Context, working []Frame, quality Quality) (Result, bool) {
	res, err := o.engine.Run(ctx, working, quality)
	if err != nil {
		o.log.Warn("engine call failed, substituting empty result", "error", err)
		return EmptyResult(len(working)), true
	}
	if err := validateCoverage(res, working); err != nil {
		o.log.Warn("engine result rejected", "error", err)
		return EmptyResult(len(working)), true
	}
	return res, false
}

func (o *Orchestrator) reacquire(ctx context.Context, res Result, working []Frame, outputDir string) []Frame {
	o.tracker.Update(func(s ProgressSnapshot) ProgressSnapshot {
		s.CurrentPhase = "acquiring additional frames"
		return s
	})
	problems := o.analyzer.Analyze(res, working)
	if len(problems) == 0 {
		return nil
	}
	o.log.Info("problem areas located", "count", len(problems))
	return o.scheduler.Schedule(ctx, problems, o.source, outputDir)
}

// evaluateStop checks the stop conditions in priority order; the first
// match wins.
func (o *Orchestrator) evaluateStop(res Result, history []IterationRecord) (StopReason, bool) {
	if len(res.Components) == 1 && res.TotalImages > 0 {
		share := float64(res.Components[0].ImageCount) / float64(res.TotalImages)
		if share >= o.stops.SingleComponentThreshold {
			return StopSingleComponent, true
		}
	}

	if res.MeanReprojectionError <= o.stops.ErrorThreshold && res.AlignmentRatio >= o.stops.RatioThreshold {
		return StopQualityThreshold, true
	}

	// Three consecutive score deltas need four history entries.
	if len(history) >= 4 {
		converged := true
		for k := 0; k < 3; k++ {
			i := len(history) - 1 - k
			if history[i].QualityScore-history[i-1].QualityScore >= o.stops.ImprovementThreshold {
				converged = false
				break
			}
		}
		if converged {
			return StopConvergence, true
		}
	}

	return "", false
}

// QualityScore is the deliberately simple linear combination used to
// track convergence: ratio rewards, components and error penalize.
func QualityScore(res Result) float64 {
	return res.AlignmentRatio - 0.1*float64(len(res.Components)) - res.MeanReprojectionError/10.0
}

// validateCoverage checks that every working image is accounted for by
// the result, either inside a component or in the unaligned set. A name
// in neither is a data defect and the result is rejected.
func validateCoverage(res Result, working []Frame) error {
	known := make(map[string]struct{}, res.TotalImages)
	for _, c := range res.Components {
		for _, name := range c.MemberImageNames {
			known[name] = struct{}{}
		}
	}
	for _, name := range res.UnalignedImageNames {
		known[name] = struct{}{}
	}
	for _, f := range working {
		if _, ok := known[f.ImageName()]; !ok {
			return fmt.Errorf("%w: image %q missing from both components and unaligned set", ErrEngineResultParse, f.ImageName())
		}
	}
	return nil
}
