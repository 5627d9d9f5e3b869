// Package vtt reads and writes the subtitle formats the alignment
// toolchain meets in the wild: standard WebVTT cue files and TurboScribe
// text exports.
//
// Parsing is deliberately liberal (optional headers, CRLF, comma decimal
// separators, cue settings after the timing line) while never repairing
// cue content: payload text reaches the caller byte for byte. Timeline
// validation (ordering, non-emptiness, degenerate cues) is the
// alignment engine's job, not the parser's.
package vtt

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/vkazmirchuk/voxalign/internal/align"
)

// Cue is one parsed subtitle block.
type Cue struct {
	// ID is the optional cue identifier line preceding the timing line.
	ID string

	// Start and End are the cue bounds in seconds.
	Start float64
	End   float64

	// Speaker is the extracted speaker label. Only set by
	// [ParseSpeakers]; [Parse] leaves it empty and the payload untouched.
	Speaker string

	// Text is the cue payload with multi-line content joined by single
	// spaces.
	Text string
}

// voiceTagPattern matches a WebVTT voice span opening the payload:
// "<v Maria>text" or "<v.loud Maria>text".
var voiceTagPattern = regexp.MustCompile(`^<v(?:\.[^\s>]+)?\s+([^>]+)>\s*(.*)$`)

// speakerPrefixPattern matches the conventional "Name: text" payload
// shape produced by diarizing transcribers.
var speakerPrefixPattern = regexp.MustCompile(`^([^:]+):\s*(.*)$`)

// Parse reads WebVTT cues without interpreting speaker markup. Use it
// for target-role files whose text must survive byte for byte.
func Parse(r io.Reader) ([]Cue, error) {
	return parse(r, false)
}

// ParseSpeakers reads WebVTT cues and extracts speaker labels from
// payloads, honoring voice spans ("<v Maria>…") and the "Maria: …"
// prefix convention. Use it for reference-role files.
func ParseSpeakers(r io.Reader) ([]Cue, error) {
	return parse(r, true)
}

func parse(r io.Reader, extractSpeakers bool) ([]Cue, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vtt: read input: %w", err)
	}

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	var cues []Cue
	i := 0

	// Optional signature line, possibly after a BOM: "WEBVTT" plus free
	// trailing text.
	if len(lines) > 0 && strings.HasPrefix(strings.TrimPrefix(lines[0], "﻿"), "WEBVTT") {
		i = 1
	}

	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "" {
			i++
			continue
		}
		blockLine := i
		var block []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			block = append(block, lines[i])
			i++
		}
		cue, ok, err := parseBlock(block, blockLine+1, extractSpeakers)
		if err != nil {
			return nil, err
		}
		if ok {
			cues = append(cues, cue)
		}
	}
	return cues, nil
}

// parseBlock turns one blank-line-delimited block into a cue. Non-cue
// blocks (NOTE, STYLE, REGION) report ok=false without an error.
func parseBlock(block []string, lineNo int, extractSpeakers bool) (Cue, bool, error) {
	first := strings.TrimSpace(block[0])
	if strings.HasPrefix(first, "NOTE") || first == "STYLE" || first == "REGION" {
		return Cue{}, false, nil
	}

	// The timing line is either the first line or the second, after an
	// optional cue identifier.
	timingIdx := -1
	for j := 0; j < len(block) && j < 2; j++ {
		if strings.Contains(block[j], "-->") {
			timingIdx = j
			break
		}
	}
	if timingIdx < 0 {
		return Cue{}, false, fmt.Errorf("vtt: block at line %d has no timing line", lineNo)
	}

	var cue Cue
	if timingIdx == 1 {
		cue.ID = first
	}

	start, end, err := parseTimingLine(block[timingIdx])
	if err != nil {
		return Cue{}, false, fmt.Errorf("vtt: line %d: %w", lineNo+timingIdx, err)
	}
	cue.Start, cue.End = start, end

	payloadLines := make([]string, 0, len(block)-timingIdx-1)
	for _, l := range block[timingIdx+1:] {
		payloadLines = append(payloadLines, strings.TrimSpace(l))
	}
	payload := strings.Join(payloadLines, " ")

	if extractSpeakers {
		cue.Speaker, cue.Text = splitSpeaker(payload)
	} else {
		cue.Text = payload
	}
	return cue, true, nil
}

// parseTimingLine parses "start --> end", tolerating cue settings after
// the end timestamp.
func parseTimingLine(line string) (start, end float64, err error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("vtt: malformed timing line %q", line)
	}
	start, err = ParseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	endFields := strings.Fields(parts[1])
	if len(endFields) == 0 {
		return 0, 0, fmt.Errorf("vtt: timing line %q is missing its end timestamp", line)
	}
	end, err = ParseTimestamp(endFields[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// splitSpeaker extracts a speaker label from a cue payload. Voice spans
// win over the colon convention; a payload with neither stays unlabeled.
func splitSpeaker(payload string) (speaker, text string) {
	if m := voiceTagPattern.FindStringSubmatch(payload); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSuffix(strings.TrimSpace(m[2]), "</v>")
	}
	if m := speakerPrefixPattern.FindStringSubmatch(payload); m != nil {
		return strings.TrimSpace(m[1]), m[2]
	}
	return "", payload
}

// Segments converts parsed cues to alignment segments in input order.
// Validation happens in [align.NewTimeline], which reports empty,
// unsorted or degenerate timelines instead of repairing them.
func Segments(cues []Cue) []align.Segment {
	segs := make([]align.Segment, len(cues))
	for i, c := range cues {
		segs[i] = align.Segment{Start: c.Start, End: c.End, Speaker: c.Speaker, Text: c.Text}
	}
	return segs
}
