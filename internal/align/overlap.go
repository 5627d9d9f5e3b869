package align

import (
	"math"
	"slices"
	"sort"
)

// Overlap returns the length in seconds of the intersection of a and b.
//
// Defined as max(0, min(ends) - max(starts)) over the half-open
// intervals, so segments that merely touch report zero. Overlap is pure,
// total and symmetric: it never fails, and Overlap(a, b) == Overlap(b, a)
// for every pair of segments.
func Overlap(a, b Segment) float64 {
	o := math.Min(a.End, b.End) - math.Max(a.Start, b.Start)
	if o < 0 {
		return 0
	}
	return o
}

// Candidate pairs a reference segment with its overlap against one target
// segment.
type Candidate struct {
	Segment Segment
	Overlap float64
}

// Candidates returns every segment of t that overlaps target by more than
// zero, ordered by overlap descending; equal overlaps are ordered by the
// earlier segment start.
//
// The scan is windowed: a binary search over the running-max-end array
// finds the leftmost segment that can still reach target.Start, a second
// binary search over the sorted starts bounds the right edge, and only
// the segments in between are tested. The result is exactly the set a
// full linear scan would produce.
func (t *Timeline) Candidates(target Segment) []Candidate {
	lo := t.firstReaching(target.Start)
	hi := sort.Search(len(t.segments), func(i int) bool {
		return t.segments[i].Start >= target.End
	})

	var out []Candidate
	for i := lo; i < hi; i++ {
		if o := Overlap(t.segments[i], target); o > 0 {
			out = append(out, Candidate{Segment: t.segments[i], Overlap: o})
		}
	}

	slices.SortStableFunc(out, func(a, b Candidate) int {
		switch {
		case a.Overlap > b.Overlap:
			return -1
		case a.Overlap < b.Overlap:
			return 1
		case a.Segment.Start < b.Segment.Start:
			return -1
		case a.Segment.Start > b.Segment.Start:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Nearest returns the segment whose temporal center lies closest to the
// center of target, together with the absolute center distance in
// seconds. Ties on distance resolve to the earlier segment.
//
// Centers are not monotonic when segments nest, so this is a plain linear
// scan. It only runs on the fallback path where no segment overlaps the
// target, which is rare in practice.
func (t *Timeline) Nearest(target Segment) (Segment, float64) {
	center := target.Center()
	best := t.segments[0]
	bestDist := math.Abs(best.Center() - center)
	for _, s := range t.segments[1:] {
		if d := math.Abs(s.Center() - center); d < bestDist {
			best, bestDist = s, d
		}
	}
	return best, bestDist
}
