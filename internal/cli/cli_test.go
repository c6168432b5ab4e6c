package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"videoscan/internal/align"
	"videoscan/internal/config"
	"videoscan/internal/pipeline"
)

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()
	fake := newFakePipeline()
	root := &Root{
		pipeline: fake,
		cfg:      config.Default(),
		log:      slog.Default(),
	}
	return root, fake
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReconstructCommandSubmitsJob(t *testing.T) {
	root, fake := newTestRoot(t)
	video := filepath.Join(t.TempDir(), "scene.mp4")
	touch(t, video)

	cmd := newReconstructCmd(root)
	cmd.SetArgs([]string{video, "--quality", "high", "--max-iterations", "4", "--target-images", "120", "--no-progress"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("reconstruct failed: %v", err)
	}

	if len(fake.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fake.jobs))
	}
	job := fake.jobs[0]
	if job.Type != pipeline.JobReconstruct || job.InputPath != video {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Options["quality"] != "high" || job.Options["maxIterations"] != 4 || job.Options["targetImages"] != 120 {
		t.Fatalf("flags not forwarded: %v", job.Options)
	}
}

func TestReconstructDefaultsOutputFromConfig(t *testing.T) {
	root, fake := newTestRoot(t)
	video := filepath.Join(t.TempDir(), "scene.mp4")
	touch(t, video)

	cmd := newReconstructCmd(root)
	cmd.SetArgs([]string{video, "--no-progress"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("reconstruct failed: %v", err)
	}

	want := filepath.Join(root.cfg.Paths.DefaultOutput, "scene.mp4")
	if fake.jobs[0].Output != want {
		t.Fatalf("expected default output %s, got %s", want, fake.jobs[0].Output)
	}
}

func TestExtractAndProbeCommands(t *testing.T) {
	root, fake := newTestRoot(t)
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.mp4"))

	cases := []struct {
		name       string
		cmd        func(*Root) interface{ ExecuteContext(context.Context) error }
		expectType pipeline.JobType
	}{
		{"extract", func(r *Root) interface{ ExecuteContext(context.Context) error } {
			c := newExtractCmd(r)
			c.SetArgs([]string{dir})
			return c
		}, pipeline.JobExtract},
		{"probe", func(r *Root) interface{ ExecuteContext(context.Context) error } {
			c := newProbeCmd(r)
			c.SetArgs([]string{dir})
			return c
		}, pipeline.JobProbe},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake.reset()
			if err := tc.cmd(root).ExecuteContext(context.Background()); err != nil {
				t.Fatalf("command failed: %v", err)
			}
			if len(fake.jobs) != 1 || fake.jobs[0].Type != tc.expectType {
				t.Fatalf("expected one %s job, got %+v", tc.expectType, fake.jobs)
			}
		})
	}
}

func TestEnqueueAndWaitReturnsJobError(t *testing.T) {
	root, fake := newTestRoot(t)
	fake.resultError = errors.New("engine exploded")

	job := pipeline.Job{ID: "j-1", Type: pipeline.JobProbe, InputPath: "/x"}
	err := root.enqueueAndWait(context.Background(), job, false)
	if err == nil || err.Error() != "engine exploded" {
		t.Fatalf("expected job error, got %v", err)
	}
}

func TestEnqueueAndWaitIgnoresOtherJobs(t *testing.T) {
	root, fake := newTestRoot(t)
	fake.extraResults = []pipeline.Result{
		{Job: pipeline.Job{ID: "someone-else"}},
	}

	job := pipeline.Job{ID: "j-2", Type: pipeline.JobProbe, InputPath: "/x"}
	if err := root.enqueueAndWait(context.Background(), job, false); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	cfg := config.Default()
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}

	bad := config.Default()
	bad.Engine.Quality = "ultra"
	if err := validateConfig(bad); err == nil {
		t.Fatal("expected error for unknown engine quality")
	}

	bad = config.Default()
	bad.Extraction.MaxIntervalSec = 0.5
	if err := validateConfig(bad); err == nil {
		t.Fatal("expected error for inverted interval bounds")
	}

	bad = config.Default()
	bad.Processing.MaxIterations = 0
	if err := validateConfig(bad); err == nil {
		t.Fatal("expected error for zero iterations")
	}
}

// fakePipeline records submissions and answers each with a result.
type fakePipeline struct {
	mu           sync.Mutex
	jobs         []pipeline.Job
	resultError  error
	extraResults []pipeline.Result
	tracker      *align.ProgressTracker
	subscribers  []chan pipeline.Result
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{tracker: align.NewProgressTracker()}
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.resultError = nil
	f.extraResults = nil
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	for _, ch := range f.subscribers {
		for _, extra := range f.extraResults {
			ch <- extra
		}
		ch <- pipeline.Result{Job: job, Error: f.resultError}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 8)
	f.subscribers = append(f.subscribers, ch)
	return ch, func() {}
}

func (f *fakePipeline) Tracker() *align.ProgressTracker {
	return f.tracker
}
