package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"videoscan/internal/align"
	"videoscan/internal/config"
)

// faceOrientation maps a cube face to the v360 view angles used to
// project it out of an equirectangular source.
type faceOrientation struct {
	yaw   float64
	pitch float64
}

var faceOrientations = map[string]faceOrientation{
	"front": {yaw: 0, pitch: 0},
	"back":  {yaw: 180, pitch: 0},
	"left":  {yaw: -90, pitch: 0},
	"right": {yaw: 90, pitch: 0},
	"up":    {yaw: 0, pitch: 90},
	"down":  {yaw: 0, pitch: -90},
}

// FFmpegSource extracts frames from videos with ffmpeg/ffprobe and
// filters them through the quality gate before they are admitted.
type FFmpegSource struct {
	cfg  config.Extraction
	gate Gate
	log  *slog.Logger
	seq  atomic.Uint64
}

func NewFFmpegSource(cfg config.Extraction, gate Gate, logger *slog.Logger) *FFmpegSource {
	if logger == nil {
		logger = slog.Default()
	}
	if gate == nil {
		gate = AcceptAll{}
	}
	return &FFmpegSource{cfg: cfg, gate: gate, log: logger}
}

// ProbeDuration returns the container duration in seconds.
func (s *FFmpegSource) ProbeDuration(ctx context.Context, video string) (float64, error) {
	out, err := exec.CommandContext(ctx, s.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		video,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", video, err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: unparsable duration %q", video, strings.TrimSpace(string(out)))
	}
	return duration, nil
}

// ExtractInitial samples the video at an adaptive interval until the
// target count is reached or the video runs out. Short or heavily gated
// videos legitimately return fewer frames; only an unreadable video is
// an error.
func (s *FFmpegSource) ExtractInitial(ctx context.Context, video string, targetCount int, outputDir string) ([]align.Frame, error) {
	if targetCount <= 0 {
		return nil, nil
	}
	duration, err := s.ProbeDuration(ctx, video)
	if err != nil {
		return nil, err
	}

	frameDir, err := s.frameDir(outputDir)
	if err != nil {
		return nil, err
	}

	timestamps := PlanInitialTimestamps(duration, targetCount,
		s.cfg.BaseIntervalSec, s.cfg.MinIntervalSec, s.cfg.MaxIntervalSec)

	var frames []align.Frame
	for _, ts := range timestamps {
		if len(frames) >= targetCount {
			break
		}
		got, err := s.decodeAt(ctx, video, ts, frameDir, align.FrameInitial)
		if err != nil {
			s.log.Debug("frame decode failed", "video", video, "timestamp", ts, "error", err)
			continue
		}
		frames = append(frames, got...)
	}
	s.log.Info("initial frames extracted", "video", filepath.Base(video), "frames", len(frames), "target", targetCount)
	return frames, nil
}

// ExtractAt decodes frames at explicit timestamps for targeted
// reacquisition. Timestamps that fail to decode are dropped silently.
func (s *FFmpegSource) ExtractAt(ctx context.Context, video string, timestamps []float64, outputDir string) ([]align.Frame, error) {
	frameDir, err := s.frameDir(outputDir)
	if err != nil {
		return nil, err
	}
	var frames []align.Frame
	for _, ts := range timestamps {
		got, err := s.decodeAt(ctx, video, ts, frameDir, align.FrameTargeted)
		if err != nil {
			s.log.Debug("targeted decode failed", "video", video, "timestamp", ts, "error", err)
			continue
		}
		frames = append(frames, got...)
	}
	s.log.Info("targeted frames extracted", "video", filepath.Base(video), "frames", len(frames), "requested", len(timestamps))
	return frames, nil
}

func (s *FFmpegSource) frameDir(outputDir string) (string, error) {
	dir := filepath.Join(outputDir, "frames")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// decodeAt writes one image (or six face projections) for the timestamp
// and runs each through the gate. Gate tooling failures admit the frame
// with a warning: a flaky detector must not starve the run.
func (s *FFmpegSource) decodeAt(ctx context.Context, video string, ts float64, frameDir string, kind align.FrameKind) ([]align.Frame, error) {
	if !s.cfg.CubeFaces {
		path := s.framePath(frameDir, video, ts, kind, "")
		if err := s.runFFmpeg(ctx, video, ts, nil, path); err != nil {
			return nil, err
		}
		if !s.admit(ctx, path) {
			return nil, nil
		}
		return []align.Frame{{VideoSource: video, Timestamp: ts, ImagePath: path, Kind: kind}}, nil
	}

	var frames []align.Frame
	for _, face := range s.cfg.FaceNames {
		o, ok := faceOrientations[face]
		if !ok {
			return nil, fmt.Errorf("unknown cube face %q", face)
		}
		path := s.framePath(frameDir, video, ts, align.FrameProjectedFace, face)
		filter := fmt.Sprintf("v360=input=e:output=flat:yaw=%g:pitch=%g:w=%d:h=%d",
			o.yaw, o.pitch, s.cfg.FaceResolution, s.cfg.FaceResolution)
		if err := s.runFFmpeg(ctx, video, ts, []string{"-vf", filter}, path); err != nil {
			return nil, err
		}
		if !s.admit(ctx, path) {
			continue
		}
		frames = append(frames, align.Frame{
			VideoSource: video,
			Timestamp:   ts,
			ImagePath:   path,
			Kind:        align.FrameProjectedFace,
			FaceID:      face,
		})
	}
	return frames, nil
}

func (s *FFmpegSource) admit(ctx context.Context, path string) bool {
	ok, err := s.gate.Accept(ctx, path)
	if err != nil {
		s.log.Warn("quality gate failed, admitting frame", "image", path, "error", err)
		return true
	}
	if !ok {
		os.Remove(path)
	}
	return ok
}

func (s *FFmpegSource) runFFmpeg(ctx context.Context, video string, ts float64, extraArgs []string, outPath string) error {
	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", ts),
		"-i", video,
		"-frames:v", "1",
		"-q:v", strconv.Itoa(jpegQScale(s.cfg.JPEGQuality)),
	}
	args = append(args, extraArgs...)
	args = append(args, outPath)

	out, err := exec.CommandContext(ctx, s.cfg.FFmpegPath, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %v: %s", err, lastLine(out))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("ffmpeg produced no frame at %.3fs", ts)
	}
	return nil
}

// framePath builds a unique output name: each extraction call must
// produce distinct files even for repeated timestamps.
func (s *FFmpegSource) framePath(frameDir, video string, ts float64, kind align.FrameKind, face string) string {
	stem := strings.TrimSuffix(filepath.Base(video), filepath.Ext(video))
	n := s.seq.Add(1)
	tsPart := strings.ReplaceAll(fmt.Sprintf("%.3f", ts), ".", "_")
	if face != "" {
		return filepath.Join(frameDir, fmt.Sprintf("%s_%s_%ss_%06d_%s.jpg", stem, kind, tsPart, n, face))
	}
	return filepath.Join(frameDir, fmt.Sprintf("%s_%s_%ss_%06d.jpg", stem, kind, tsPart, n))
}

// PlanInitialTimestamps spaces samples evenly across the video: the
// interval adapts toward the target count but stays inside the
// configured bounds, so short videos simply yield fewer frames.
func PlanInitialTimestamps(duration float64, targetCount int, base, min, max float64) []float64 {
	if duration <= 0 || targetCount <= 0 {
		return nil
	}
	interval := base
	if targetCount > 0 {
		interval = duration / float64(targetCount)
	}
	if interval < min {
		interval = min
	}
	if interval > max {
		interval = max
	}

	var timestamps []float64
	for ts := 0.0; ts < duration && len(timestamps) < targetCount; ts += interval {
		timestamps = append(timestamps, ts)
	}
	return timestamps
}

// jpegQScale maps a 0-100 quality to ffmpeg's inverted 2-31 qscale.
func jpegQScale(quality int) int {
	if quality <= 0 {
		quality = 95
	}
	q := 2 + (100-quality)*29/100
	if q < 2 {
		q = 2
	}
	if q > 31 {
		q = 31
	}
	return q
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
