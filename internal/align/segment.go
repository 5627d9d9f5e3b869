package align

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Validation errors reported by [NewSegment] and [NewTimeline]. Wrapped
// errors carry the offending values and segment index; match with
// [errors.Is].
var (
	// ErrInvalidSegment marks a segment whose start does not lie strictly
	// before its end, or whose boundaries are not finite numbers.
	ErrInvalidSegment = errors.New("segment start must lie before its end")

	// ErrEmptyTimeline marks a timeline with no segments at all.
	ErrEmptyTimeline = errors.New("timeline contains no segments")

	// ErrUnsortedTimeline marks a timeline whose segments are not ordered
	// by ascending start time.
	ErrUnsortedTimeline = errors.New("timeline segments are out of order")
)

// Segment is one time-coded span of a transcript timeline.
//
// The interval is half-open: [Start, End). Two segments that merely touch
// (a.End == b.Start) do not overlap. Times are seconds from the start of
// the recording and may be fractional.
//
// Both input roles share this type. Reference segments carry a Speaker
// label and possibly noisy text; target segments carry clean Text and no
// speaker.
type Segment struct {
	// Start is the inclusive begin time in seconds.
	Start float64

	// End is the exclusive end time in seconds. Must be strictly greater
	// than Start.
	End float64

	// Speaker is the speaker label. Empty for target-role segments.
	Speaker string

	// Text is the transcript text. May be empty for reference-role
	// segments whose words are not needed.
	Text string
}

// NewSegment builds a validated segment. It returns [ErrInvalidSegment]
// (wrapped) when start is not strictly before end or either bound is not
// finite. Degenerate input is never silently repaired.
func NewSegment(start, end float64, speaker, text string) (Segment, error) {
	s := Segment{Start: start, End: end, Speaker: speaker, Text: text}
	if err := s.Validate(); err != nil {
		return Segment{}, err
	}
	return s, nil
}

// Validate checks the segment's time bounds. See [NewSegment].
func (s Segment) Validate() error {
	if !isFinite(s.Start) || !isFinite(s.End) || s.Start >= s.End {
		return fmt.Errorf("align: %w: start=%v end=%v", ErrInvalidSegment, s.Start, s.End)
	}
	return nil
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Center returns the temporal midpoint of the segment in seconds.
func (s Segment) Center() float64 {
	return (s.Start + s.End) / 2
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Timeline is an immutable, validated sequence of segments ordered by
// ascending start time.
//
// Reference timelines may contain mutually overlapping segments
// (crosstalk); that is legal input. A Timeline is safe for concurrent
// readers once constructed.
type Timeline struct {
	segments []Segment

	// maxEnd[i] holds the largest End among segments[0..i]. Because it is
	// non-decreasing it supports binary search for the first segment that
	// could still reach a given instant, even when segments nest.
	maxEnd []float64
}

// NewTimeline validates and wraps segments into a [Timeline].
//
// The input must be non-empty, every segment must satisfy
// [Segment.Validate], and segments must already be sorted by ascending
// Start. Violations return [ErrEmptyTimeline], [ErrInvalidSegment] or
// [ErrUnsortedTimeline] (wrapped with the offending index); the input is
// never reordered or repaired on the caller's behalf.
//
// The segments slice is copied, so the caller may reuse it afterwards.
func NewTimeline(segments []Segment) (*Timeline, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("align: %w", ErrEmptyTimeline)
	}

	segs := make([]Segment, len(segments))
	copy(segs, segments)

	maxEnd := make([]float64, len(segs))
	for i, s := range segs {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("align: segment %d: %w", i, err)
		}
		if i > 0 && s.Start < segs[i-1].Start {
			return nil, fmt.Errorf("align: segment %d starts at %v, before segment %d at %v: %w",
				i, s.Start, i-1, segs[i-1].Start, ErrUnsortedTimeline)
		}
		if i > 0 && segs[i-1].End > s.End {
			maxEnd[i] = maxEnd[i-1]
		} else {
			maxEnd[i] = s.End
		}
	}

	return &Timeline{segments: segs, maxEnd: maxEnd}, nil
}

// Len returns the number of segments.
func (t *Timeline) Len() int {
	return len(t.segments)
}

// Segments returns the underlying segment slice in timeline order.
// The slice is shared with the Timeline; callers must not modify it.
func (t *Timeline) Segments() []Segment {
	return t.segments
}

// Span returns the earliest start and the latest end across all segments.
func (t *Timeline) Span() (start, end float64) {
	return t.segments[0].Start, t.maxEnd[len(t.maxEnd)-1]
}

// firstReaching returns the index of the first segment whose running
// maximum end exceeds instant, i.e. the leftmost segment that could still
// overlap anything starting at instant. maxEnd is non-decreasing, which is
// what makes this a valid binary search predicate.
func (t *Timeline) firstReaching(instant float64) int {
	return sort.Search(len(t.maxEnd), func(i int) bool {
		return t.maxEnd[i] > instant
	})
}
