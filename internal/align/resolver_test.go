package align_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/vkazmirchuk/voxalign/internal/align"
)

func mustResolver(t *testing.T, opts ...align.Option) *align.Resolver {
	t.Helper()
	r, err := align.NewResolver(opts...)
	if err != nil {
		t.Fatalf("NewResolver: unexpected error: %v", err)
	}
	return r
}

func TestResolver_ContainedTargetIsDirectSingle(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)
	ref := mustTimeline(t, seg(0, 10, "A"))

	for _, target := range []align.Segment{seg(0, 1, ""), seg(1, 2, ""), seg(2, 3, "")} {
		got := r.Resolve(ref, target)
		if got.Speaker != "A" {
			t.Errorf("Resolve(%v): speaker=%q, want A", target, got.Speaker)
		}
		if got.Confidence != 1.0 {
			t.Errorf("Resolve(%v): confidence=%v, want 1.0", target, got.Confidence)
		}
		if got.Match != align.MatchDirectSingle {
			t.Errorf("Resolve(%v): match=%q, want %q", target, got.Match, align.MatchDirectSingle)
		}
		if got.Band != align.BandExcellent {
			t.Errorf("Resolve(%v): band=%q, want %q", target, got.Band, align.BandExcellent)
		}
	}
}

func TestResolver_TieBreaksByEarlierFirstSegment(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)
	ref := mustTimeline(t,
		seg(0, 2, "A"),
		seg(2, 4, "B"),
	)

	// Both speakers accumulate exactly 2 s against the target; the tie
	// goes to A, whose contributing segment starts first.
	got := r.Resolve(ref, seg(0, 4, ""))

	if got.Speaker != "A" {
		t.Errorf("speaker=%q, want A", got.Speaker)
	}
	if got.Confidence != 0.5 {
		t.Errorf("confidence=%v, want 0.5", got.Confidence)
	}
	// Winner share is 0.5, below the 0.6 margin.
	if got.Match != align.MatchDirectContested {
		t.Errorf("match=%q, want %q", got.Match, align.MatchDirectContested)
	}
}

func TestResolver_AccumulatedOverlapBeatsLongestSegment(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)

	// A speaks in three short bursts totalling 3 s; B has the single
	// longest segment at 1 s. The majority vote goes to A.
	ref := mustTimeline(t,
		seg(0, 1, "A"),
		seg(1, 2, "A"),
		seg(2, 3, "A"),
		seg(3, 4, "B"),
	)
	got := r.Resolve(ref, seg(0, 4, ""))

	if got.Speaker != "A" {
		t.Errorf("speaker=%q, want A", got.Speaker)
	}
	if got.Confidence != 0.75 {
		t.Errorf("confidence=%v, want 0.75", got.Confidence)
	}
	// A holds 75 % of the accumulated overlap and B a meaningful 25 %.
	if got.Match != align.MatchDirectDominant {
		t.Errorf("match=%q, want %q", got.Match, align.MatchDirectDominant)
	}
}

func TestResolver_ContestedBoundaryIsStrict(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)

	// Winner share lands exactly on the 0.6 margin: 3 s of 5 s total.
	// Exactly-at-margin is not contested.
	ref := mustTimeline(t,
		seg(0, 3, "A"),
		seg(3, 5, "B"),
	)
	got := r.Resolve(ref, seg(0, 5, ""))

	if got.Speaker != "A" {
		t.Errorf("speaker=%q, want A", got.Speaker)
	}
	if got.Match != align.MatchDirectDominant {
		t.Errorf("match=%q at exact margin, want %q", got.Match, align.MatchDirectDominant)
	}
}

func TestResolver_SingleCandidateNeverContested(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)
	ref := mustTimeline(t, seg(0, 2, "A"))

	// Only a quarter of the target is covered, so confidence is low, but
	// with one voter the attribution itself is uncontested.
	got := r.Resolve(ref, seg(1, 5, ""))

	if got.Match != align.MatchDirectSingle {
		t.Errorf("match=%q, want %q", got.Match, align.MatchDirectSingle)
	}
	if got.Confidence != 0.25 {
		t.Errorf("confidence=%v, want 0.25", got.Confidence)
	}
	if got.Band != align.BandLow {
		t.Errorf("band=%q, want %q", got.Band, align.BandLow)
	}
}

func TestResolver_DominantMinorityBoundary(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)

	// Second place holds exactly 5 % of the accumulated overlap. The
	// dominant tag requires strictly more, so this stays single.
	ref := mustTimeline(t,
		seg(0, 9.5, "A"),
		seg(9.5, 10, "B"),
	)
	got := r.Resolve(ref, seg(0, 10, ""))

	if got.Match != align.MatchDirectSingle {
		t.Errorf("match=%q at exact minority threshold, want %q", got.Match, align.MatchDirectSingle)
	}
}

func TestResolver_NearestToleranceBoundaryInclusive(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)
	ref := mustTimeline(t, seg(0, 1, "A"))

	// Centers are 0.5 and 5.5: distance exactly 5.0, the default
	// tolerance. The boundary is inclusive, so this still matches.
	got := r.Resolve(ref, seg(5, 6, ""))

	if got.Speaker != "A" {
		t.Errorf("speaker=%q, want A", got.Speaker)
	}
	if got.Match != align.MatchNearest {
		t.Errorf("match=%q, want %q", got.Match, align.MatchNearest)
	}
	if got.Confidence != 0.3 {
		t.Errorf("confidence=%v, want the fixed 0.3", got.Confidence)
	}
	if len(got.Votes) != 0 {
		t.Errorf("votes=%v, want none for a nearest match", got.Votes)
	}
}

func TestResolver_UnknownBeyondTolerance(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)
	ref := mustTimeline(t, seg(0, 1, "A"))

	got := r.Resolve(ref, seg(20, 22, "")) // center distance 20.5

	if got.Speaker != align.SpeakerUnknown {
		t.Errorf("speaker=%q, want %q", got.Speaker, align.SpeakerUnknown)
	}
	if got.Match != align.MatchUnknown {
		t.Errorf("match=%q, want %q", got.Match, align.MatchUnknown)
	}
	if got.Confidence != 0 {
		t.Errorf("confidence=%v, want 0", got.Confidence)
	}
}

func TestResolver_ConfidenceClampedOnSelfOverlap(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)

	// The same speaker recorded twice over the same span accumulates
	// more overlap than the target even lasts; confidence must clamp.
	ref := mustTimeline(t,
		seg(0, 4, "A"),
		seg(0, 4, "A"),
	)
	got := r.Resolve(ref, seg(1, 3, ""))

	if got.Confidence != 1.0 {
		t.Errorf("confidence=%v, want clamped 1.0", got.Confidence)
	}
	if got.Speaker != "A" {
		t.Errorf("speaker=%q, want A", got.Speaker)
	}
}

func TestResolver_VotesCarryAuditBreakdown(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)
	ref := mustTimeline(t,
		seg(0, 1, "B"),
		seg(1, 4, "A"),
	)
	got := r.Resolve(ref, seg(0, 4, ""))

	want := []align.SpeakerVote{
		{Speaker: "A", Overlap: 3, FirstStart: 1},
		{Speaker: "B", Overlap: 1, FirstStart: 0},
	}
	if !reflect.DeepEqual(got.Votes, want) {
		t.Errorf("votes=%v, want %v", got.Votes, want)
	}
}

func TestResolver_PerSpeakerOverlapBoundedByTarget(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)

	// Disjoint reference segments: no speaker's accumulated overlap can
	// exceed the target duration.
	ref := mustTimeline(t,
		seg(0, 2, "A"),
		seg(2, 5, "B"),
		seg(5, 6, "A"),
		seg(6, 9, "C"),
	)
	target := seg(1, 8, "")
	got := r.Resolve(ref, target)

	for _, v := range got.Votes {
		if v.Overlap > target.Duration() {
			t.Errorf("speaker %s accumulated %v s against a %v s target", v.Speaker, v.Overlap, target.Duration())
		}
	}
}

func TestResolveAll_PreservesTargetOrder(t *testing.T) {
	t.Parallel()

	r := mustResolver(t, align.WithWorkers(3))
	ref := mustTimeline(t,
		seg(0, 5, "A"),
		seg(5, 10, "B"),
		seg(10, 15, "C"),
	)

	var targetSegs []align.Segment
	for i := 0; i < 30; i++ {
		targetSegs = append(targetSegs, seg(float64(i)/2, float64(i)/2+0.5, ""))
	}
	targets := mustTimeline(t, targetSegs...)

	got, err := r.ResolveAll(context.Background(), ref, targets)
	if err != nil {
		t.Fatalf("ResolveAll: unexpected error: %v", err)
	}
	if len(got) != len(targetSegs) {
		t.Fatalf("ResolveAll: got %d results, want %d", len(got), len(targetSegs))
	}
	for i, res := range got {
		if res.Target != targetSegs[i] {
			t.Fatalf("result %d is for target %v, want %v", i, res.Target, targetSegs[i])
		}
	}
}

func TestResolveAll_DeterministicAcrossWorkerCounts(t *testing.T) {
	t.Parallel()

	ref := mustTimeline(t,
		seg(0, 3, "A"),
		seg(2, 6, "B"),
		seg(6, 7, "A"),
		seg(8, 12, "C"),
	)
	targets := mustTimeline(t,
		seg(0, 2, ""),
		seg(1.5, 4, ""),
		seg(5, 9, ""),
		seg(14, 15, ""),
		seg(30, 31, ""),
	)

	serial := mustResolver(t, align.WithWorkers(1))
	parallel := mustResolver(t, align.WithWorkers(4))

	want, err := serial.ResolveAll(context.Background(), ref, targets)
	if err != nil {
		t.Fatalf("ResolveAll(workers=1): unexpected error: %v", err)
	}
	got, err := parallel.ResolveAll(context.Background(), ref, targets)
	if err != nil {
		t.Fatalf("ResolveAll(workers=4): unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("results differ across worker counts:\n got=%v\nwant=%v", got, want)
	}
}

func TestResolveAll_HonorsContextCancellation(t *testing.T) {
	t.Parallel()

	r := mustResolver(t)
	ref := mustTimeline(t, seg(0, 1, "A"))
	targets := mustTimeline(t, seg(0, 1, ""), seg(1, 2, ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.ResolveAll(ctx, ref, targets); !errors.Is(err, context.Canceled) {
		t.Errorf("ResolveAll(cancelled ctx): err=%v, want context.Canceled", err)
	}
}

func TestNewResolver_RejectsBadThresholds(t *testing.T) {
	t.Parallel()

	_, err := align.NewResolver(
		align.WithContestedMargin(1.5),
		align.WithNearestTolerance(-1),
	)
	if err == nil {
		t.Fatal("NewResolver(bad thresholds): expected error, got nil")
	}
	// Both violations are reported together.
	if !strings.Contains(err.Error(), "contested margin") {
		t.Errorf("error %q does not mention the contested margin", err)
	}
	if !strings.Contains(err.Error(), "nearest tolerance") {
		t.Errorf("error %q does not mention the nearest tolerance", err)
	}
}

func TestNewResolver_RejectsNonMonotonicBands(t *testing.T) {
	t.Parallel()

	_, err := align.NewResolver(align.WithBands(align.BandThresholds{
		Excellent: 0.5,
		Good:      0.7,
		Medium:    0.4,
	}))
	if err == nil {
		t.Fatal("NewResolver(non-monotonic bands): expected error, got nil")
	}
}
