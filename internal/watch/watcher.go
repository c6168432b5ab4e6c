package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"videoscan/internal/fsutil"
	"videoscan/internal/pipeline"
)

// settleDelay is how long a new video must stay the same size before we
// treat the copy as finished and submit it.
const settleDelay = 5 * time.Second

// Watcher monitors a drop folder and submits a reconstruct job for each
// new video once its file size stops changing.
type Watcher struct {
	watcher   *fsnotify.Watcher
	pipe      *pipeline.Pipeline
	outputDir string
	log       *slog.Logger
	done      chan struct{}
	pending   chan string
}

func New(pipe *pipeline.Pipeline, outputDir string, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watcher:   w,
		pipe:      pipe,
		outputDir: outputDir,
		log:       logger,
		done:      make(chan struct{}),
		pending:   make(chan string, 100),
	}, nil
}

// Start begins monitoring the directory.
func (w *Watcher) Start(dir string) error {
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.log.Info("watching drop folder", "dir", dir)

	go w.processEvents()
	go w.settleLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !fsutil.IsVideoFile(event.Name) {
				continue
			}
			select {
			case w.pending <- event.Name:
			default:
				w.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// settleLoop waits for each candidate file to stop growing, then submits
// it. Repeated write events for one file collapse into a single job.
func (w *Watcher) settleLoop() {
	var mu sync.Mutex
	inFlight := make(map[string]struct{})
	for {
		select {
		case path, ok := <-w.pending:
			if !ok {
				return
			}
			mu.Lock()
			_, busy := inFlight[path]
			if !busy {
				inFlight[path] = struct{}{}
			}
			mu.Unlock()
			if busy {
				continue
			}
			go func(p string) {
				defer func() {
					mu.Lock()
					delete(inFlight, p)
					mu.Unlock()
				}()
				if w.waitForSettle(p) {
					w.submit(p)
				}
			}(path)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) waitForSettle(path string) bool {
	var lastSize int64 = -1
	for {
		select {
		case <-w.done:
			return false
		case <-time.After(settleDelay):
		}
		info, err := os.Stat(path)
		if err != nil {
			// Removed or renamed before the copy finished.
			return false
		}
		if info.Size() == lastSize {
			return true
		}
		lastSize = info.Size()
	}
}

func (w *Watcher) submit(video string) {
	stem := filepath.Base(video)
	jobID := fmt.Sprintf("watch-%s-%d", stem, time.Now().Unix())
	job := pipeline.Job{
		ID:        jobID,
		Type:      pipeline.JobReconstruct,
		InputPath: video,
		Output:    filepath.Join(w.outputDir, stem),
		Options:   map[string]any{},
	}
	if err := w.pipe.Submit(job); err != nil {
		w.log.Error("could not submit watched video", "video", video, "error", err)
		return
	}
	w.log.Info("queued reconstruction for new video", "video", video, "job", jobID)
}
