package align

import (
	"context"
	"log/slog"
	"math"
)

const defaultFramesPerSecond = 3.0

// ReacquisitionScheduler turns problem areas into concrete targeted
// extraction requests, grouped per source video.
type ReacquisitionScheduler struct {
	// FramesPerSecond controls sample density inside a problem window.
	FramesPerSecond float64

	log *slog.Logger
}

func NewReacquisitionScheduler(logger *slog.Logger) *ReacquisitionScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReacquisitionScheduler{FramesPerSecond: defaultFramesPerSecond, log: logger}
}

// Schedule extracts new frames for every problem area. Extraction
// failures for one video only cost that video's contribution.
func (s *ReacquisitionScheduler) Schedule(ctx context.Context, problems []ProblemArea, source FrameSource, outputDir string) []Frame {
	if len(problems) == 0 {
		return nil
	}

	byVideo := make(map[string][]float64)
	var order []string
	for _, p := range problems {
		if _, seen := byVideo[p.VideoSource]; !seen {
			order = append(order, p.VideoSource)
		}
		byVideo[p.VideoSource] = append(byVideo[p.VideoSource], SamplePoints(p.StartTime, p.EndTime, s.FramesPerSecond)...)
	}

	var frames []Frame
	for _, video := range order {
		got, err := source.ExtractAt(ctx, video, byVideo[video], outputDir)
		if err != nil {
			s.log.Warn("targeted extraction failed", "video", video, "error", err)
			continue
		}
		frames = append(frames, got...)
	}
	return frames
}

// SamplePoints distributes sample timestamps strictly inside the window
// at even spacing; the endpoints themselves are never sampled. A window
// of zero (or negative) duration yields the single point at start.
func SamplePoints(start, end, perSecond float64) []float64 {
	duration := end - start
	if duration <= 0 {
		return []float64{start}
	}
	count := int(math.Floor(duration * perSecond))
	if count < 1 {
		count = 1
	}
	spacing := duration / float64(count+1)
	points := make([]float64, count)
	for i := 0; i < count; i++ {
		points[i] = start + spacing*float64(i+1)
	}
	return points
}
