package align

import "path/filepath"

// FrameKind describes how a frame entered the working set.
type FrameKind string

const (
	FrameInitial       FrameKind = "initial"
	FrameTargeted      FrameKind = "targeted"
	FrameProjectedFace FrameKind = "projected_face"
)

// Frame is a single extracted image tied back to its source video.
// Frames are immutable once created; the working set only ever grows.
type Frame struct {
	VideoSource string
	Timestamp   float64
	ImagePath   string
	Kind        FrameKind
	FaceID      string
}

// ImageName returns the frame's file name, the key the engine reports by.
func (f Frame) ImageName() string {
	return filepath.Base(f.ImagePath)
}

// Component is a connected group of images the engine judged consistent.
// Components are produced fresh per alignment call and never carried over.
type Component struct {
	ID                int
	ImageCount        int
	ReprojectionError float64
	MemberImageNames  []string
}

// Result captures one alignment call over the current working set.
type Result struct {
	Components            []Component
	TotalImages           int
	UnalignedImageNames   []string
	AlignmentRatio        float64
	MeanReprojectionError float64
}

// AlignedImageCount sums member counts across components.
func (r Result) AlignedImageCount() int {
	n := 0
	for _, c := range r.Components {
		n += c.ImageCount
	}
	return n
}

// failureSentinelError is substituted for the mean reprojection error when
// the engine could not produce a result at all.
const failureSentinelError = 99.0

// EmptyResult is the degraded stand-in used when the engine fails; the
// total image count is preserved so ratios stay meaningful downstream.
func EmptyResult(totalImages int) Result {
	return Result{
		TotalImages:           totalImages,
		MeanReprojectionError: failureSentinelError,
	}
}

// ProblemKind classifies a detected alignment failure region.
type ProblemKind string

const (
	ProblemUnalignedCluster ProblemKind = "unaligned_cluster"
	ProblemComponentGap     ProblemKind = "component_gap"
)

// ProblemArea is a time window on one source video likely responsible for
// alignment failure, used to drive targeted re-acquisition.
type ProblemArea struct {
	Kind        ProblemKind
	StartTime   float64
	EndTime     float64
	VideoSource string
}

// IterationRecord is an append-only history entry, one per alignment call.
type IterationRecord struct {
	Iteration      int
	ImageCount     int
	ComponentCount int
	QualityScore   float64
}

// StopReason explains why the iteration loop ended.
type StopReason string

const (
	StopSingleComponent  StopReason = "single_component_achieved"
	StopQualityThreshold StopReason = "quality_threshold_met"
	StopConvergence      StopReason = "convergence_detected"
	StopExhausted        StopReason = "exhausted"
	StopCancelled        StopReason = "cancelled"
	StopMaxIterations    StopReason = "max_iterations_reached"
)

// ProgressSnapshot is the complete run state published to presentation
// layers. Snapshots are replaced wholesale, never field-patched.
type ProgressSnapshot struct {
	OverallProgress float64 `json:"overall_progress"`
	PhaseProgress   float64 `json:"phase_progress"`
	CurrentPhase    string  `json:"current_phase"`
	IterationCount  int     `json:"iteration_count"`
	TotalImages     int     `json:"total_images"`
}
