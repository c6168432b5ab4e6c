package align

import (
	"context"
	"errors"
)

// Quality selects the engine's alignment quality preset.
type Quality string

const (
	QualityDraft  Quality = "draft"
	QualityNormal Quality = "normal"
	QualityHigh   Quality = "high"
)

// Engine is the external alignment black box. Run blocks for the full
// external-process runtime; Abort asks a run in flight to terminate,
// best-effort only.
type Engine interface {
	Run(ctx context.Context, images []Frame, quality Quality) (Result, error)
	Abort()
}

// FrameSource extracts frames from source videos, applying the quality
// gate before frames are admitted. ExtractInitial may return fewer than
// targetCount frames for short or heavily gated videos; that is not an
// error. Timestamps that fail to decode in ExtractAt are dropped silently.
type FrameSource interface {
	ExtractInitial(ctx context.Context, video string, targetCount int, outputDir string) ([]Frame, error)
	ExtractAt(ctx context.Context, video string, timestamps []float64, outputDir string) ([]Frame, error)
}

var (
	// ErrEngineUnavailable means the engine executable or service is missing.
	ErrEngineUnavailable = errors.New("alignment engine unavailable")

	// ErrEngineExecution means the engine ran but exited abnormally.
	ErrEngineExecution = errors.New("alignment engine execution failed")

	// ErrEngineResultParse means the engine produced unreadable output.
	ErrEngineResultParse = errors.New("alignment engine result unreadable")

	// ErrNoFramesExtracted is the one fatal extraction condition: zero
	// frames from every video combined.
	ErrNoFramesExtracted = errors.New("no frames extracted from any video")
)
