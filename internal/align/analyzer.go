package align

import (
	"log/slog"
	"sort"
)

const (
	defaultUnalignedGapSeconds = 5.0
	defaultComponentGapSeconds = 1.0
)

// ProblemAnalyzer locates the regions of the source videos responsible
// for alignment failure. Analyze is pure: identical inputs yield
// identical output.
type ProblemAnalyzer struct {
	// UnalignedGap is the timestamp gap that splits unaligned frames
	// into separate clusters.
	UnalignedGap float64

	// ComponentGap is the minimum time between adjacent components on
	// the same video before the span between them is flagged.
	ComponentGap float64

	log *slog.Logger
}

func NewProblemAnalyzer(logger *slog.Logger) *ProblemAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProblemAnalyzer{
		UnalignedGap: defaultUnalignedGapSeconds,
		ComponentGap: defaultComponentGapSeconds,
		log:          logger,
	}
}

// Analyze runs two independent passes over the result and concatenates
// them: clustering of unaligned frames, then inter-component gaps.
func (a *ProblemAnalyzer) Analyze(res Result, frames []Frame) []ProblemArea {
	index := indexFramesByName(frames)
	problems := a.clusterUnaligned(res, index)
	problems = append(problems, a.componentGaps(res, index)...)
	return problems
}

func indexFramesByName(frames []Frame) map[string]Frame {
	index := make(map[string]Frame, len(frames))
	for _, f := range frames {
		index[f.ImageName()] = f
	}
	return index
}

// clusterUnaligned walks unaligned frames in timestamp order and emits a
// cluster each time the gap to the previous frame exceeds UnalignedGap.
// A single-member cluster with start == end is legitimate.
func (a *ProblemAnalyzer) clusterUnaligned(res Result, index map[string]Frame) []ProblemArea {
	var members []Frame
	for _, name := range res.UnalignedImageNames {
		f, ok := index[name]
		if !ok {
			a.log.Debug("unaligned image has no frame metadata", "image", name)
			continue
		}
		members = append(members, f)
	}
	if len(members) == 0 {
		return nil
	}

	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Timestamp < members[j].Timestamp
	})

	var problems []ProblemArea
	clusterStart := 0
	for i := 1; i <= len(members); i++ {
		if i < len(members) && members[i].Timestamp-members[i-1].Timestamp <= a.UnalignedGap {
			continue
		}
		cluster := members[clusterStart:i]
		problems = append(problems, ProblemArea{
			Kind:        ProblemUnalignedCluster,
			StartTime:   cluster[0].Timestamp,
			EndTime:     cluster[len(cluster)-1].Timestamp,
			VideoSource: cluster[0].VideoSource,
		})
		clusterStart = i
	}
	return problems
}

type componentSpan struct {
	minTime float64
	maxTime float64
	source  string
}

// componentGaps flags the time between adjacent components on the same
// video when more than one component exists. Components whose members
// straddle several source videos are skipped: reacquisition operates
// per-video, so a mixed span is not a usable target.
func (a *ProblemAnalyzer) componentGaps(res Result, index map[string]Frame) []ProblemArea {
	if len(res.Components) <= 1 {
		return nil
	}

	var spans []componentSpan
	for _, c := range res.Components {
		span, ok := a.resolveSpan(c, index)
		if !ok {
			continue
		}
		spans = append(spans, span)
	}

	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].minTime < spans[j].minTime
	})

	var problems []ProblemArea
	for i := 1; i < len(spans); i++ {
		prev, next := spans[i-1], spans[i]
		if prev.source != next.source {
			continue
		}
		if next.minTime-prev.maxTime <= a.ComponentGap {
			continue
		}
		problems = append(problems, ProblemArea{
			Kind:        ProblemComponentGap,
			StartTime:   prev.maxTime,
			EndTime:     next.minTime,
			VideoSource: prev.source,
		})
	}
	return problems
}

func (a *ProblemAnalyzer) resolveSpan(c Component, index map[string]Frame) (componentSpan, bool) {
	var span componentSpan
	resolved := 0
	for _, name := range c.MemberImageNames {
		f, ok := index[name]
		if !ok {
			continue
		}
		if resolved == 0 {
			span = componentSpan{minTime: f.Timestamp, maxTime: f.Timestamp, source: f.VideoSource}
		} else {
			if f.VideoSource != span.source {
				a.log.Debug("component spans multiple videos, skipping gap analysis",
					"component", c.ID, "source", span.source, "other", f.VideoSource)
				return componentSpan{}, false
			}
			if f.Timestamp < span.minTime {
				span.minTime = f.Timestamp
			}
			if f.Timestamp > span.maxTime {
				span.maxTime = f.Timestamp
			}
		}
		resolved++
	}
	return span, resolved > 0
}
