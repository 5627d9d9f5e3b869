package align

import (
	"slices"
	"strings"
)

// Transcript is the merged, speaker-attributed output of an alignment
// run: every target segment in timeline order with its attribution.
type Transcript struct {
	Results []Attribution
}

// Merge assembles resolved attributions into a [Transcript], sorting by
// target start time. Parallel resolution may complete out of order;
// sorting here guarantees emission order matches the target timeline
// regardless of how the results were produced. The sort is stable, text
// and timing pass through untouched.
func Merge(results []Attribution) Transcript {
	sorted := make([]Attribution, len(results))
	copy(sorted, results)
	slices.SortStableFunc(sorted, func(a, b Attribution) int {
		switch {
		case a.Target.Start < b.Target.Start:
			return -1
		case a.Target.Start > b.Target.Start:
			return 1
		default:
			return 0
		}
	})
	return Transcript{Results: sorted}
}

// Span returns the earliest target start and the latest target end in
// seconds. Both are zero for an empty transcript.
func (t Transcript) Span() (start, end float64) {
	if len(t.Results) == 0 {
		return 0, 0
	}
	start = t.Results[0].Target.Start
	for _, r := range t.Results {
		if r.Target.End > end {
			end = r.Target.End
		}
	}
	return start, end
}

// Speakers returns the distinct attributed speaker labels in sorted
// order. [SpeakerUnknown] is included when present.
func (t Transcript) Speakers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range t.Results {
		if _, ok := seen[r.Speaker]; !ok {
			seen[r.Speaker] = struct{}{}
			out = append(out, r.Speaker)
		}
	}
	slices.Sort(out)
	return out
}

// SpeakerStats aggregates one speaker's contribution to a transcript.
type SpeakerStats struct {
	// Speaker is the attributed label.
	Speaker string

	// Segments is the number of target segments attributed to the
	// speaker.
	Segments int

	// Seconds is the summed duration of those segments.
	Seconds float64

	// Share is Seconds divided by the total attributed seconds of the
	// whole transcript.
	Share float64

	// MeanConfidence is the average confidence across the speaker's
	// segments.
	MeanConfidence float64
}

// Stats summarizes a transcript for reports, notifications and metrics.
type Stats struct {
	// Segments is the total number of results.
	Segments int

	// Speakers holds the per-speaker aggregates, most speaking time
	// first.
	Speakers []SpeakerStats

	// MeanConfidence is the average confidence across all results.
	MeanConfidence float64

	// MatchCounts is the distribution of results over match types.
	MatchCounts map[MatchType]int

	// BandCounts is the distribution of results over confidence bands.
	BandCounts map[Band]int

	// NeedsReview is the number of results whose match type asks for a
	// second look (contested, nearest, unknown).
	NeedsReview int
}

// Stats computes aggregate statistics over the transcript.
func (t Transcript) Stats() Stats {
	s := Stats{
		Segments:    len(t.Results),
		MatchCounts: make(map[MatchType]int),
		BandCounts:  make(map[Band]int),
	}

	perSpeaker := make(map[string]*SpeakerStats)
	var totalSeconds, totalConfidence float64

	for _, r := range t.Results {
		s.MatchCounts[r.Match]++
		s.BandCounts[r.Band]++
		if r.Match.NeedsReview() {
			s.NeedsReview++
		}
		totalConfidence += r.Confidence

		ss, ok := perSpeaker[r.Speaker]
		if !ok {
			ss = &SpeakerStats{Speaker: r.Speaker}
			perSpeaker[r.Speaker] = ss
		}
		ss.Segments++
		ss.Seconds += r.Target.Duration()
		ss.MeanConfidence += r.Confidence
		totalSeconds += r.Target.Duration()
	}

	for _, ss := range perSpeaker {
		if ss.Segments > 0 {
			ss.MeanConfidence /= float64(ss.Segments)
		}
		if totalSeconds > 0 {
			ss.Share = ss.Seconds / totalSeconds
		}
		s.Speakers = append(s.Speakers, *ss)
	}
	slices.SortStableFunc(s.Speakers, func(a, b SpeakerStats) int {
		switch {
		case a.Seconds > b.Seconds:
			return -1
		case a.Seconds < b.Seconds:
			return 1
		default:
			return strings.Compare(a.Speaker, b.Speaker)
		}
	})

	if s.Segments > 0 {
		s.MeanConfidence = totalConfidence / float64(s.Segments)
	}
	return s
}
