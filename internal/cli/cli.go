package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/schollz/progressbar/v3"

	"videoscan/internal/align"
	"videoscan/internal/config"
	"videoscan/internal/estimate"
	"videoscan/internal/pipeline"
	"videoscan/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
	Tracker() *align.ProgressTracker
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
}

// NewRoot constructs the CLI root state.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
	}
}

// enqueueAndWait submits a job and blocks until its result comes back,
// drawing a progress bar fed by the shared tracker while waiting.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job, showProgress bool) error {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return err
	}

	var stopBar func()
	if showProgress {
		stopBar = r.startProgressBar(ctx)
		defer stopBar()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				if res.Error != nil {
					return res.Error
				}
				return nil
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// startProgressBar polls the shared progress tracker and renders it.
// The returned function stops the poller and finishes the bar.
func (r *Root) startProgressBar(ctx context.Context) func() {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	eta := estimate.New()
	eta.Start()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				snap := r.pipeline.Tracker().Read()
				bar.Describe(fmt.Sprintf("%s (iter %d, %d images, ~%s left)",
					snap.CurrentPhase, snap.IterationCount, snap.TotalImages,
					eta.Remaining(snap.OverallProgress).Round(time.Minute)))
				_ = bar.Set(int(snap.OverallProgress))
			}
		}
	}()

	return func() {
		close(done)
		_ = bar.Finish()
	}
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
