package align

import (
	"context"
	"math"
	"testing"
)

func TestSamplePointsInteriorOnly(t *testing.T) {
	points := SamplePoints(10.0, 13.0, 3.0)
	if len(points) != 9 {
		t.Fatalf("duration 3.0 at 3/s yields 9 samples, got %d", len(points))
	}
	for i, p := range points {
		want := 10.0 + 0.3*float64(i+1)
		if math.Abs(p-want) > 1e-9 {
			t.Fatalf("point %d: expected %v, got %v", i, want, p)
		}
		if p <= 10.0 || p >= 13.0 {
			t.Fatalf("endpoints must never be sampled, got %v", p)
		}
	}
}

func TestSamplePointsZeroDuration(t *testing.T) {
	points := SamplePoints(5.5, 5.5, 3.0)
	if len(points) != 1 || points[0] != 5.5 {
		t.Fatalf("zero-duration window samples only its start, got %v", points)
	}
}

func TestSamplePointsShortWindowStillSamplesOnce(t *testing.T) {
	points := SamplePoints(2.0, 2.2, 3.0)
	if len(points) != 1 {
		t.Fatalf("expected minimum of one sample, got %v", points)
	}
	if points[0] <= 2.0 || points[0] >= 2.2 {
		t.Fatalf("sample must fall inside the window, got %v", points[0])
	}
}

func TestScheduleGroupsByVideo(t *testing.T) {
	problems := []ProblemArea{
		{Kind: ProblemUnalignedCluster, StartTime: 1, EndTime: 2, VideoSource: "v1.mp4"},
		{Kind: ProblemComponentGap, StartTime: 10, EndTime: 11, VideoSource: "v2.mp4"},
		{Kind: ProblemUnalignedCluster, StartTime: 5, EndTime: 6, VideoSource: "v1.mp4"},
	}

	var videos []string
	perVideo := map[string]int{}
	source := &stubSource{atFn: nil}
	source.atFn = func(video string, timestamps []float64) []Frame {
		videos = append(videos, video)
		perVideo[video] = len(timestamps)
		frames := make([]Frame, len(timestamps))
		for i, ts := range timestamps {
			frames[i] = Frame{VideoSource: video, Timestamp: ts, ImagePath: "t.jpg", Kind: FrameTargeted}
		}
		return frames
	}

	s := NewReacquisitionScheduler(nil)
	frames := s.Schedule(context.Background(), problems, source, t.TempDir())

	if len(videos) != 2 {
		t.Fatalf("expected one extraction call per video, got %v", videos)
	}
	// Both v1 windows are 1s at 3/s: 3 samples each.
	if perVideo["v1.mp4"] != 6 || perVideo["v2.mp4"] != 3 {
		t.Fatalf("unexpected per-video sample counts: %v", perVideo)
	}
	if len(frames) != 9 {
		t.Fatalf("expected 9 targeted frames, got %d", len(frames))
	}
}

func TestScheduleEmptyProblems(t *testing.T) {
	s := NewReacquisitionScheduler(nil)
	if frames := s.Schedule(context.Background(), nil, &stubSource{}, t.TempDir()); frames != nil {
		t.Fatalf("no problems means no frames, got %v", frames)
	}
}
