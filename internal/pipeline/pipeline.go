package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"videoscan/internal/align"
	"videoscan/internal/config"
	"videoscan/internal/logging"
	"videoscan/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobReconstruct JobType = "reconstruct"
	JobExtract     JobType = "extract"
	JobProbe       JobType = "probe"
)

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	cfg       *config.Config
	tracker   *align.ProgressTracker
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency. All jobs share
// one progress tracker so presentation layers can poll a single cell.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config, tracker *align.ProgressTracker) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if tracker == nil {
		tracker = align.NewProgressTracker()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:     logger,
		jobs:    make(chan Job, concurrency*2),
		cancel:  cancel,
		store:   store,
		cfg:     cfg,
		tracker: tracker,
		subs:    make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.processor = newRouter(logger, store, cfg, tracker)
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Tracker exposes the shared progress cell.
func (p *Pipeline) Tracker() *align.ProgressTracker {
	return p.tracker
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		quality, _ := job.Options["quality"].(string)
		_ = p.store.RecordRunQueued(storage.RunRecord{
			ID:         job.ID,
			Status:     "queued",
			InputPath:  job.InputPath,
			OutputPath: job.Output,
			Quality:    quality,
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return errors.New("job queue is full")
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()

			logging.LogRunStart(p.log, job.ID, []string{job.InputPath}, job.Output, 0)

			if p.store != nil {
				_ = p.store.RecordRunStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			if res.Error != nil {
				logging.LogRunError(p.log, job.ID, duration, res.Error, map[string]any{
					"input":   job.InputPath,
					"output":  job.Output,
					"options": job.Options,
				})
			} else {
				reason, _ := res.Meta["stop_reason"].(string)
				logging.LogRunComplete(p.log, job.ID, duration, reason, res.Meta)
			}
			p.recordOutcome(job, res)

			p.broadcast(res)
		}
	}
}

func (p *Pipeline) recordOutcome(job Job, res Result) {
	if p.store == nil {
		return
	}
	status := "completed"
	if res.Error != nil {
		status = "failed"
	}
	reason, _ := res.Meta["stop_reason"].(string)
	alignRes, _ := res.Meta["result"].(align.Result)
	_ = p.store.RecordRunResult(job.ID, status, align.StopReason(reason), alignRes, errString(res.Error))

	if history, ok := res.Meta["history"].([]align.IterationRecord); ok {
		for _, rec := range history {
			_ = p.store.RecordIteration(job.ID, rec)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
