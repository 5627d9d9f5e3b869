// Package report renders aligned transcripts into their two output
// forms: a human-readable markdown document with grouped speaker turns
// and alignment statistics, and a JSONL stream for machine reprocessing.
//
// Both renderings preserve segment text byte for byte and never reorder
// results; everything they add (speaker prefixes, timestamps, statistics)
// wraps around the text rather than changing it.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/vkazmirchuk/voxalign/internal/align"
	"github.com/vkazmirchuk/voxalign/internal/vtt"
)

// Meta carries the document-level facts a report header mentions.
type Meta struct {
	// Title is the meeting title; empty falls back to a generic heading.
	Title string

	// Date is the meeting date. The zero value omits the line.
	Date time.Time

	// ReferenceSource and TargetSource name the input files.
	ReferenceSource string
	TargetSource    string
}

// Group is a run of consecutive results attributed to the same speaker,
// the compact form human readers get.
type Group struct {
	Speaker string

	// Start is the first member's start; End is the last member's end.
	Start float64
	End   float64

	// Texts holds each member's text, byte for byte, in timeline order.
	Texts []string

	// MeanConfidence averages the members' confidence scores.
	MeanConfidence float64
}

// Groups folds consecutive same-speaker results into [Group] runs.
func Groups(tr align.Transcript) []Group {
	var groups []Group
	for _, r := range tr.Results {
		if n := len(groups); n > 0 && groups[n-1].Speaker == r.Speaker {
			g := &groups[n-1]
			g.End = r.Target.End
			g.Texts = append(g.Texts, r.Target.Text)
			g.MeanConfidence += r.Confidence
			continue
		}
		groups = append(groups, Group{
			Speaker:        r.Speaker,
			Start:          r.Target.Start,
			End:            r.Target.End,
			Texts:          []string{r.Target.Text},
			MeanConfidence: r.Confidence,
		})
	}
	for i := range groups {
		groups[i].MeanConfidence /= float64(len(groups[i].Texts))
	}
	return groups
}

// RenderMarkdown renders the full meeting document: header, grouped
// transcript, statistics, and a needs-review section when any
// attribution deserves a second look.
func RenderMarkdown(meta Meta, tr align.Transcript) string {
	var b strings.Builder

	stats := tr.Stats()
	_, spanEnd := tr.Span()

	if meta.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", meta.Title)
	} else {
		b.WriteString("# Meeting Transcript\n\n")
	}
	if !meta.Date.IsZero() {
		fmt.Fprintf(&b, "- Date: %s\n", meta.Date.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "- Duration: %s\n", vtt.FormatClock(spanEnd))
	if participants := participants(tr); len(participants) > 0 {
		fmt.Fprintf(&b, "- Participants: %s\n", strings.Join(participants, ", "))
	}
	if meta.ReferenceSource != "" {
		fmt.Fprintf(&b, "- Speaker reference: `%s`\n", meta.ReferenceSource)
	}
	if meta.TargetSource != "" {
		fmt.Fprintf(&b, "- Text source: `%s`\n", meta.TargetSource)
	}
	fmt.Fprintf(&b, "- Mean confidence: %.1f%%\n", stats.MeanConfidence*100)
	b.WriteString("\n---\n\n")

	b.WriteString("## Transcript\n\n")
	for _, g := range Groups(tr) {
		fmt.Fprintf(&b, "**%s** [%s - %s]: %s\n\n",
			g.Speaker, vtt.FormatClock(g.Start), vtt.FormatClock(g.End), strings.Join(g.Texts, " "))
	}

	b.WriteString("## Statistics\n\n")
	for _, ss := range stats.Speakers {
		fmt.Fprintf(&b, "- %s: %d segments, %s speaking time (%.1f%%), mean confidence %.1f%%\n",
			ss.Speaker, ss.Segments, vtt.FormatClock(ss.Seconds), ss.Share*100, ss.MeanConfidence*100)
	}
	b.WriteString("\nMatch types: ")
	b.WriteString(matchSummary(stats))
	b.WriteString("\n")

	if review := reviewLines(tr); len(review) > 0 {
		b.WriteString("\n### Needs review\n\n")
		for _, line := range review {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return b.String()
}

// participants lists attributed speakers for the header, leaving out the
// unknown placeholder.
func participants(tr align.Transcript) []string {
	var out []string
	for _, s := range tr.Speakers() {
		if s != align.SpeakerUnknown {
			out = append(out, s)
		}
	}
	return out
}

// matchSummary renders the match-type distribution in a fixed order so
// documents diff cleanly between runs.
func matchSummary(stats align.Stats) string {
	order := []align.MatchType{
		align.MatchDirectSingle,
		align.MatchDirectDominant,
		align.MatchDirectContested,
		align.MatchNearest,
		align.MatchUnknown,
	}
	var parts []string
	for _, m := range order {
		if n := stats.MatchCounts[m]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", m, n))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// reviewLines lists every result whose match type flags it for review.
func reviewLines(tr align.Transcript) []string {
	var lines []string
	for _, r := range tr.Results {
		if !r.Match.NeedsReview() || r.Reviewed {
			continue
		}
		lines = append(lines, fmt.Sprintf("- [%s - %s] %s (%s, %.1f%%): %s",
			vtt.FormatClock(r.Target.Start), vtt.FormatClock(r.Target.End),
			r.Speaker, r.Match, r.Confidence*100, r.Target.Text))
	}
	return lines
}
