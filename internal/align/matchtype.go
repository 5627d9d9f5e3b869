package align

import (
	"errors"
	"fmt"
)

// MatchType records how a speaker attribution was decided. It travels with
// every [Attribution] so downstream consumers can route uncertain results
// to human review instead of silently accepting a guess.
type MatchType string

const (
	// MatchDirectSingle: one speaker supplied essentially all of the
	// accumulated overlap for the target.
	MatchDirectSingle MatchType = "direct-single"

	// MatchDirectDominant: the winner holds a clear majority, but at least
	// one other speaker contributed a meaningful minority share.
	MatchDirectDominant MatchType = "direct-dominant"

	// MatchDirectContested: the winner's share of the accumulated overlap
	// fell below the contested margin. The attribution is a best guess.
	MatchDirectContested MatchType = "direct-contested"

	// MatchNearest: nothing overlapped the target; the speaker was taken
	// from the reference segment with the closest temporal center inside
	// the tolerance window.
	MatchNearest MatchType = "nearest"

	// MatchUnknown: nothing overlapped and nothing was near enough. The
	// speaker is [SpeakerUnknown].
	MatchUnknown MatchType = "unknown"
)

// IsValid reports whether m is one of the known match types.
func (m MatchType) IsValid() bool {
	switch m {
	case MatchDirectSingle, MatchDirectDominant, MatchDirectContested, MatchNearest, MatchUnknown:
		return true
	}
	return false
}

// NeedsReview reports whether results with this match type should be
// surfaced for human (or assisted) review.
func (m MatchType) NeedsReview() bool {
	switch m {
	case MatchDirectContested, MatchNearest, MatchUnknown:
		return true
	}
	return false
}

// Band is the coarse quality classification of a confidence score, used
// by reports to triage which parts of a transcript deserve a second look.
type Band string

const (
	BandExcellent Band = "excellent"
	BandGood      Band = "good"
	BandMedium    Band = "medium"
	BandLow       Band = "low"
)

// IsValid reports whether b is one of the known bands.
func (b Band) IsValid() bool {
	switch b {
	case BandExcellent, BandGood, BandMedium, BandLow:
		return true
	}
	return false
}

// BandThresholds maps confidence scores onto [Band] values. Each field is
// the inclusive lower bound of its band; everything below Medium is
// [BandLow].
type BandThresholds struct {
	Excellent float64
	Good      float64
	Medium    float64
}

// DefaultBandThresholds returns the standard banding: excellent ≥ 0.9,
// good ≥ 0.7, medium ≥ 0.4, low below that.
func DefaultBandThresholds() BandThresholds {
	return BandThresholds{Excellent: 0.9, Good: 0.7, Medium: 0.4}
}

// Validate checks that the thresholds are each within [0, 1] and strictly
// descending, so that every confidence value maps to exactly one band.
func (b BandThresholds) Validate() error {
	var errs []error
	for _, t := range []struct {
		name  string
		value float64
	}{
		{"excellent", b.Excellent},
		{"good", b.Good},
		{"medium", b.Medium},
	} {
		if t.value < 0 || t.value > 1 || !isFinite(t.value) {
			errs = append(errs, fmt.Errorf("align: %s threshold %v is outside [0, 1]", t.name, t.value))
		}
	}
	if b.Excellent <= b.Good {
		errs = append(errs, fmt.Errorf("align: excellent threshold %v must exceed good threshold %v", b.Excellent, b.Good))
	}
	if b.Good <= b.Medium {
		errs = append(errs, fmt.Errorf("align: good threshold %v must exceed medium threshold %v", b.Good, b.Medium))
	}
	return errors.Join(errs...)
}

// Classify maps a confidence score to its [Band]. Thresholds are
// inclusive lower bounds.
func (b BandThresholds) Classify(confidence float64) Band {
	switch {
	case confidence >= b.Excellent:
		return BandExcellent
	case confidence >= b.Good:
		return BandGood
	case confidence >= b.Medium:
		return BandMedium
	default:
		return BandLow
	}
}
