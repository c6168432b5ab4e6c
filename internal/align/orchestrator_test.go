package align

import (
	"context"
	"fmt"
	"math"
	"testing"
)

func testFrame(name, source string, ts float64) Frame {
	return Frame{VideoSource: source, Timestamp: ts, ImagePath: "/tmp/frames/" + name, Kind: FrameInitial}
}

func allNames(images []Frame) []string {
	names := make([]string, len(images))
	for i, f := range images {
		names[i] = f.ImageName()
	}
	return names
}

// stubEngine scripts Run per call; runFn receives the call ordinal.
type stubEngine struct {
	runFn  func(call int, images []Frame) (Result, error)
	calls  int
	aborts int
}

func (e *stubEngine) Run(ctx context.Context, images []Frame, quality Quality) (Result, error) {
	call := e.calls
	e.calls++
	return e.runFn(call, images)
}

func (e *stubEngine) Abort() { e.aborts++ }

type stubSource struct {
	initialFn func(video string, target int) []Frame
	atFn      func(video string, timestamps []float64) []Frame
	atCalls   int
}

func (s *stubSource) ExtractInitial(ctx context.Context, video string, target int, outputDir string) ([]Frame, error) {
	if s.initialFn == nil {
		return nil, nil
	}
	return s.initialFn(video, target), nil
}

func (s *stubSource) ExtractAt(ctx context.Context, video string, timestamps []float64, outputDir string) ([]Frame, error) {
	s.atCalls++
	if s.atFn == nil {
		return nil, nil
	}
	return s.atFn(video, timestamps), nil
}

func newTestOrchestrator(engine Engine, source FrameSource) *Orchestrator {
	return NewOrchestrator(engine, source, NewProgressTracker(), DefaultStopConditions(), nil)
}

func TestQualityScore(t *testing.T) {
	res := Result{
		Components:            []Component{{ID: 1}, {ID: 2}},
		AlignmentRatio:        0.9,
		MeanReprojectionError: 1.5,
	}
	got := QualityScore(res)
	if math.Abs(got-0.55) > 1e-9 {
		t.Fatalf("expected score 0.55, got %v", got)
	}
}

func TestEvaluateStopSingleComponent(t *testing.T) {
	o := newTestOrchestrator(&stubEngine{}, &stubSource{})

	res := Result{
		Components:  []Component{{ID: 1, ImageCount: 96}},
		TotalImages: 100,
		// keep the quality rule out of the way
		MeanReprojectionError: 10,
	}
	reason, stop := o.evaluateStop(res, nil)
	if !stop || reason != StopSingleComponent {
		t.Fatalf("expected single_component_achieved, got %q stop=%v", reason, stop)
	}

	res.Components[0].ImageCount = 94
	if _, stop := o.evaluateStop(res, nil); stop {
		t.Fatalf("94/100 must not satisfy the 0.95 threshold")
	}
}

func TestEvaluateStopQualityThreshold(t *testing.T) {
	o := newTestOrchestrator(&stubEngine{}, &stubSource{})

	res := Result{
		Components:            []Component{{ID: 1}, {ID: 2}},
		TotalImages:           100,
		AlignmentRatio:        0.97,
		MeanReprojectionError: 1.8,
	}
	reason, stop := o.evaluateStop(res, nil)
	if !stop || reason != StopQualityThreshold {
		t.Fatalf("expected quality_threshold_met, got %q stop=%v", reason, stop)
	}

	res.MeanReprojectionError = 2.1
	if _, stop := o.evaluateStop(res, nil); stop {
		t.Fatalf("error 2.1 must not satisfy the 2.0 threshold")
	}
}

func TestEvaluateStopConvergenceNeedsFourEntries(t *testing.T) {
	o := newTestOrchestrator(&stubEngine{}, &stubSource{})
	res := Result{
		Components:            []Component{{ID: 1}, {ID: 2}, {ID: 3}},
		TotalImages:           10,
		AlignmentRatio:        0.5,
		MeanReprojectionError: 8,
	}

	flat := func(n int) []IterationRecord {
		h := make([]IterationRecord, n)
		for i := range h {
			h[i] = IterationRecord{Iteration: i, QualityScore: 0.4}
		}
		return h
	}

	if _, stop := o.evaluateStop(res, flat(3)); stop {
		t.Fatalf("three entries under-supply the three-delta window")
	}
	reason, stop := o.evaluateStop(res, flat(4))
	if !stop || reason != StopConvergence {
		t.Fatalf("expected convergence_detected with four flat entries, got %q stop=%v", reason, stop)
	}

	// A single strong improvement inside the window defeats convergence.
	h := flat(4)
	h[3].QualityScore = 0.6
	if _, stop := o.evaluateStop(res, h); stop {
		t.Fatalf("recent improvement must defeat convergence")
	}
}

func TestRunStopsOnFirstIterationSingleComponent(t *testing.T) {
	initial := []Frame{
		testFrame("a.jpg", "v1.mp4", 0),
		testFrame("b.jpg", "v1.mp4", 3),
		testFrame("c.jpg", "v1.mp4", 6),
		testFrame("d.jpg", "v1.mp4", 9),
	}
	source := &stubSource{initialFn: func(video string, target int) []Frame { return initial }}
	engine := &stubEngine{runFn: func(call int, images []Frame) (Result, error) {
		return Result{
			Components:            []Component{{ID: 1, ImageCount: len(images), MemberImageNames: allNames(images)}},
			TotalImages:           len(images),
			AlignmentRatio:        1.0,
			MeanReprojectionError: 1.0,
		}, nil
	}}
	o := newTestOrchestrator(engine, source)

	res, reason, history, err := o.Run(context.Background(), Params{
		Videos: []string{"v1.mp4"}, TargetTotalImages: 4, Quality: QualityNormal, MaxIterations: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != StopSingleComponent {
		t.Fatalf("expected single_component_achieved, got %q", reason)
	}
	if len(history) != 1 || history[0].ImageCount != 4 {
		t.Fatalf("unexpected history: %+v", history)
	}
	if res.TotalImages != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if source.atCalls != 0 {
		t.Fatalf("no reacquisition expected, got %d calls", source.atCalls)
	}
}

func TestRunGrowsWorkingSetMonotonically(t *testing.T) {
	initial := []Frame{
		testFrame("a.jpg", "v1.mp4", 0),
		testFrame("b.jpg", "v1.mp4", 3),
		testFrame("c.jpg", "v1.mp4", 20),
		testFrame("d.jpg", "v1.mp4", 23),
	}
	source := &stubSource{
		initialFn: func(video string, target int) []Frame { return initial },
		atFn: func(video string, timestamps []float64) []Frame {
			frames := make([]Frame, len(timestamps))
			for i, ts := range timestamps {
				frames[i] = Frame{
					VideoSource: video,
					Timestamp:   ts,
					ImagePath:   fmt.Sprintf("/tmp/frames/targeted_%03d.jpg", i),
					Kind:        FrameTargeted,
				}
			}
			return frames
		},
	}
	engine := &stubEngine{runFn: func(call int, images []Frame) (Result, error) {
		if call == 0 {
			// Two components split around the 3s..20s gap: no stop rule fires.
			return Result{
				Components: []Component{
					{ID: 1, ImageCount: 2, MemberImageNames: []string{"a.jpg", "b.jpg"}},
					{ID: 2, ImageCount: 2, MemberImageNames: []string{"c.jpg", "d.jpg"}},
				},
				TotalImages:           len(images),
				AlignmentRatio:        1.0,
				MeanReprojectionError: 3.0,
			}, nil
		}
		return Result{
			Components:            []Component{{ID: 1, ImageCount: len(images), MemberImageNames: allNames(images)}},
			TotalImages:           len(images),
			AlignmentRatio:        1.0,
			MeanReprojectionError: 1.0,
		}, nil
	}}
	o := newTestOrchestrator(engine, source)

	_, reason, history, err := o.Run(context.Background(), Params{
		Videos: []string{"v1.mp4"}, TargetTotalImages: 4, Quality: QualityNormal, MaxIterations: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != StopSingleComponent {
		t.Fatalf("expected eventual single component, got %q", reason)
	}
	if len(history) != 2 {
		t.Fatalf("expected two iterations, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].ImageCount < history[i-1].ImageCount {
			t.Fatalf("working set shrank between iterations: %+v", history)
		}
	}
	if history[1].ImageCount <= history[0].ImageCount {
		t.Fatalf("expected reacquisition to grow the set: %+v", history)
	}
}

func TestRunEngineUnavailableTerminatesAtIterationBound(t *testing.T) {
	source := &stubSource{initialFn: func(video string, target int) []Frame {
		return []Frame{testFrame("a.jpg", "v1.mp4", 0), testFrame("b.jpg", "v1.mp4", 3)}
	}}
	engine := &stubEngine{runFn: func(call int, images []Frame) (Result, error) {
		return Result{}, ErrEngineUnavailable
	}}
	o := newTestOrchestrator(engine, source)

	res, reason, history, err := o.Run(context.Background(), Params{
		Videos: []string{"v1.mp4"}, TargetTotalImages: 2, Quality: QualityNormal, MaxIterations: 5,
	})
	if err != nil {
		t.Fatalf("engine failure must not abort the run: %v", err)
	}
	if reason != StopMaxIterations {
		t.Fatalf("expected max_iterations_reached, got %q", reason)
	}
	if engine.calls != 5 {
		t.Fatalf("expected exactly 5 alignment calls, got %d", engine.calls)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(history))
	}
	if res.MeanReprojectionError != 99.0 || res.TotalImages != 2 {
		t.Fatalf("expected degraded empty result, got %+v", res)
	}
}

func TestRunRejectsIncoherentEngineResult(t *testing.T) {
	source := &stubSource{initialFn: func(video string, target int) []Frame {
		return []Frame{testFrame("a.jpg", "v1.mp4", 0), testFrame("b.jpg", "v1.mp4", 3)}
	}}
	engine := &stubEngine{runFn: func(call int, images []Frame) (Result, error) {
		// b.jpg is accounted for nowhere: a data defect, not a valid result.
		return Result{
			Components:            []Component{{ID: 1, ImageCount: 1, MemberImageNames: []string{"a.jpg"}}},
			TotalImages:           len(images),
			AlignmentRatio:        0.5,
			MeanReprojectionError: 1.0,
		}, nil
	}}
	o := newTestOrchestrator(engine, source)

	res, reason, _, err := o.Run(context.Background(), Params{
		Videos: []string{"v1.mp4"}, TargetTotalImages: 2, Quality: QualityNormal, MaxIterations: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != StopMaxIterations {
		t.Fatalf("expected max_iterations_reached after rejected results, got %q", reason)
	}
	if res.MeanReprojectionError != 99.0 {
		t.Fatalf("rejected result must degrade to the empty sentinel, got %+v", res)
	}
}

func TestRunExhaustedWhenNoProblemsFound(t *testing.T) {
	source := &stubSource{initialFn: func(video string, target int) []Frame {
		return []Frame{testFrame("a.jpg", "v1.mp4", 0), testFrame("b.jpg", "v1.mp4", 0.5)}
	}}
	engine := &stubEngine{runFn: func(call int, images []Frame) (Result, error) {
		// Two adjacent components, everything aligned, gap under 1s:
		// nothing to target, loop must report exhaustion.
		return Result{
			Components: []Component{
				{ID: 1, ImageCount: 1, MemberImageNames: []string{"a.jpg"}},
				{ID: 2, ImageCount: 1, MemberImageNames: []string{"b.jpg"}},
			},
			TotalImages:           len(images),
			AlignmentRatio:        1.0,
			MeanReprojectionError: 5.0,
		}, nil
	}}
	o := newTestOrchestrator(engine, source)

	_, reason, _, err := o.Run(context.Background(), Params{
		Videos: []string{"v1.mp4"}, TargetTotalImages: 2, Quality: QualityNormal, MaxIterations: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != StopExhausted {
		t.Fatalf("expected exhausted, got %q", reason)
	}
}

func TestRunFailsWhenAllVideosYieldNothing(t *testing.T) {
	source := &stubSource{initialFn: func(video string, target int) []Frame { return nil }}
	o := newTestOrchestrator(&stubEngine{}, source)

	_, _, _, err := o.Run(context.Background(), Params{
		Videos: []string{"v1.mp4", "v2.mp4"}, TargetTotalImages: 10, Quality: QualityNormal, MaxIterations: 3,
	})
	if err == nil {
		t.Fatalf("expected fatal extraction failure")
	}
}

func TestStopRequestObservedAtIterationStart(t *testing.T) {
	source := &stubSource{
		initialFn: func(video string, target int) []Frame {
			return []Frame{testFrame("a.jpg", "v1.mp4", 0), testFrame("b.jpg", "v1.mp4", 30)}
		},
		atFn: func(video string, timestamps []float64) []Frame {
			return []Frame{{VideoSource: video, Timestamp: timestamps[0], ImagePath: "/tmp/frames/t.jpg", Kind: FrameTargeted}}
		},
	}
	engine := &stubEngine{}
	o := newTestOrchestrator(engine, source)
	engine.runFn = func(call int, images []Frame) (Result, error) {
		// Simulate a stop request arriving while alignment is in flight.
		o.Stop()
		return Result{
			Components: []Component{
				{ID: 1, ImageCount: 1, MemberImageNames: []string{"a.jpg"}},
				{ID: 2, ImageCount: 1, MemberImageNames: allNames(images)[1:]},
			},
			TotalImages:           len(images),
			AlignmentRatio:        1.0,
			MeanReprojectionError: 5.0,
		}, nil
	}

	_, reason, history, err := o.Run(context.Background(), Params{
		Videos: []string{"v1.mp4"}, TargetTotalImages: 2, Quality: QualityNormal, MaxIterations: 10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != StopCancelled {
		t.Fatalf("expected cancelled, got %q", reason)
	}
	if engine.calls != 1 {
		t.Fatalf("second iteration must not start after a stop request, got %d calls", engine.calls)
	}
	if engine.aborts == 0 {
		t.Fatalf("stop must forward a best-effort abort to the engine")
	}
	if len(history) != 1 {
		t.Fatalf("partial progress must be kept, got %d records", len(history))
	}
}

func TestTargetDivisionTruncates(t *testing.T) {
	var requested []int
	source := &stubSource{initialFn: func(video string, target int) []Frame {
		requested = append(requested, target)
		return []Frame{testFrame(video+".jpg", video, 0)}
	}}
	engine := &stubEngine{runFn: func(call int, images []Frame) (Result, error) {
		return Result{
			Components:            []Component{{ID: 1, ImageCount: len(images), MemberImageNames: allNames(images)}},
			TotalImages:           len(images),
			AlignmentRatio:        1.0,
			MeanReprojectionError: 1.0,
		}, nil
	}}
	o := newTestOrchestrator(engine, source)

	_, _, _, err := o.Run(context.Background(), Params{
		Videos: []string{"v1.mp4", "v2.mp4", "v3.mp4"}, TargetTotalImages: 100, Quality: QualityNormal, MaxIterations: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 100/3 truncates to 33 per video; the remainder is never requested.
	for _, target := range requested {
		if target != 33 {
			t.Fatalf("expected per-video target 33, got %v", requested)
		}
	}
}
