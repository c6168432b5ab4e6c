package align

import (
	"reflect"
	"testing"
)

func TestClusterUnalignedSplitsOnGap(t *testing.T) {
	frames := []Frame{
		testFrame("f1.jpg", "v1.mp4", 1.0),
		testFrame("f2.jpg", "v1.mp4", 2.0),
		testFrame("f3.jpg", "v1.mp4", 3.0),
		testFrame("f4.jpg", "v1.mp4", 9.0),
		testFrame("f5.jpg", "v1.mp4", 9.5),
	}
	res := Result{
		TotalImages:         5,
		UnalignedImageNames: []string{"f1.jpg", "f2.jpg", "f3.jpg", "f4.jpg", "f5.jpg"},
	}

	a := NewProblemAnalyzer(nil)
	got := a.Analyze(res, frames)

	want := []ProblemArea{
		{Kind: ProblemUnalignedCluster, StartTime: 1.0, EndTime: 3.0, VideoSource: "v1.mp4"},
		{Kind: ProblemUnalignedCluster, StartTime: 9.0, EndTime: 9.5, VideoSource: "v1.mp4"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected clusters:\n got %+v\nwant %+v", got, want)
	}
}

func TestClusterAllowsSingleMember(t *testing.T) {
	frames := []Frame{testFrame("only.jpg", "v1.mp4", 4.2)}
	res := Result{TotalImages: 1, UnalignedImageNames: []string{"only.jpg"}}

	got := NewProblemAnalyzer(nil).Analyze(res, frames)
	if len(got) != 1 {
		t.Fatalf("expected one cluster, got %+v", got)
	}
	if got[0].StartTime != got[0].EndTime {
		t.Fatalf("single-member cluster must have start == end: %+v", got[0])
	}
}

func TestClusterSkipsUnknownNames(t *testing.T) {
	frames := []Frame{testFrame("known.jpg", "v1.mp4", 1.0)}
	res := Result{TotalImages: 2, UnalignedImageNames: []string{"known.jpg", "ghost.jpg"}}

	got := NewProblemAnalyzer(nil).Analyze(res, frames)
	if len(got) != 1 || got[0].StartTime != 1.0 {
		t.Fatalf("unresolvable names must not produce clusters: %+v", got)
	}
}

func TestComponentGapsBetweenAdjacentComponents(t *testing.T) {
	frames := []Frame{
		testFrame("a1.jpg", "v1.mp4", 0.0),
		testFrame("a2.jpg", "v1.mp4", 4.0),
		testFrame("b1.jpg", "v1.mp4", 10.0),
		testFrame("b2.jpg", "v1.mp4", 14.0),
	}
	res := Result{
		TotalImages: 4,
		Components: []Component{
			{ID: 2, ImageCount: 2, MemberImageNames: []string{"b1.jpg", "b2.jpg"}},
			{ID: 1, ImageCount: 2, MemberImageNames: []string{"a1.jpg", "a2.jpg"}},
		},
	}

	got := NewProblemAnalyzer(nil).Analyze(res, frames)
	want := []ProblemArea{
		{Kind: ProblemComponentGap, StartTime: 4.0, EndTime: 10.0, VideoSource: "v1.mp4"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected gaps:\n got %+v\nwant %+v", got, want)
	}
}

func TestComponentGapsSkipDifferentSources(t *testing.T) {
	frames := []Frame{
		testFrame("a.jpg", "v1.mp4", 0.0),
		testFrame("b.jpg", "v2.mp4", 20.0),
	}
	res := Result{
		TotalImages: 2,
		Components: []Component{
			{ID: 1, ImageCount: 1, MemberImageNames: []string{"a.jpg"}},
			{ID: 2, ImageCount: 1, MemberImageNames: []string{"b.jpg"}},
		},
	}

	if got := NewProblemAnalyzer(nil).Analyze(res, frames); len(got) != 0 {
		t.Fatalf("gap straddling two videos is not a target: %+v", got)
	}
}

func TestComponentGapsSkipMixedSourceComponent(t *testing.T) {
	frames := []Frame{
		testFrame("a.jpg", "v1.mp4", 0.0),
		testFrame("mix1.jpg", "v1.mp4", 10.0),
		testFrame("mix2.jpg", "v2.mp4", 12.0),
	}
	res := Result{
		TotalImages: 3,
		Components: []Component{
			{ID: 1, ImageCount: 1, MemberImageNames: []string{"a.jpg"}},
			{ID: 2, ImageCount: 2, MemberImageNames: []string{"mix1.jpg", "mix2.jpg"}},
		},
	}

	if got := NewProblemAnalyzer(nil).Analyze(res, frames); len(got) != 0 {
		t.Fatalf("mixed-source components must be skipped: %+v", got)
	}
}

func TestComponentGapsRequireMultipleComponents(t *testing.T) {
	frames := []Frame{
		testFrame("a.jpg", "v1.mp4", 0.0),
		testFrame("b.jpg", "v1.mp4", 50.0),
	}
	res := Result{
		TotalImages: 2,
		Components:  []Component{{ID: 1, ImageCount: 2, MemberImageNames: []string{"a.jpg", "b.jpg"}}},
	}

	if got := NewProblemAnalyzer(nil).Analyze(res, frames); len(got) != 0 {
		t.Fatalf("a single component has no inter-component gaps: %+v", got)
	}
}

func TestAnalyzeIsIdempotent(t *testing.T) {
	frames := []Frame{
		testFrame("u1.jpg", "v1.mp4", 1.0),
		testFrame("u2.jpg", "v1.mp4", 12.0),
		testFrame("c1.jpg", "v1.mp4", 20.0),
		testFrame("c2.jpg", "v1.mp4", 30.0),
	}
	res := Result{
		TotalImages:         4,
		UnalignedImageNames: []string{"u1.jpg", "u2.jpg"},
		Components: []Component{
			{ID: 1, ImageCount: 1, MemberImageNames: []string{"c1.jpg"}},
			{ID: 2, ImageCount: 1, MemberImageNames: []string{"c2.jpg"}},
		},
	}

	a := NewProblemAnalyzer(nil)
	first := a.Analyze(res, frames)
	second := a.Analyze(res, frames)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("analyze must be pure:\nfirst  %+v\nsecond %+v", first, second)
	}
}
