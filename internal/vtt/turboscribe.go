package vtt

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// turboHeaderPattern matches a TurboScribe block header:
// "[Speaker 1] (0:00 - 1:23)" or "[Maria] (1:02:03 - 1:02:45)".
var turboHeaderPattern = regexp.MustCompile(`^\[([^\]]+)\]\s*\(([0-9:]+)\s*-\s*([0-9:]+)\)\s*$`)

// turboWatermarkPattern matches the advertisement TurboScribe embeds in
// free-tier exports.
var turboWatermarkPattern = regexp.MustCompile(`\(?Transcribed by TurboScribe\.ai[^)\n]*\)?`)

// ParseTurboScribe reads a TurboScribe text export: bracketed speaker
// headers with a time range, followed by the spoken text. Watermark
// lines are dropped, multi-line text is joined with single spaces, and
// any preamble before the first header is ignored.
func ParseTurboScribe(r io.Reader) ([]Cue, error) {
	var (
		cues    []Cue
		current *Cue
		lineNo  int
	)

	flush := func() {
		if current != nil {
			current.Text = strings.TrimSpace(current.Text)
			cues = append(cues, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if m := turboHeaderPattern.FindStringSubmatch(line); m != nil {
			flush()
			start, err := ParseTimestamp(m[2])
			if err != nil {
				return nil, fmt.Errorf("vtt: turboscribe line %d: %w", lineNo, err)
			}
			end, err := ParseTimestamp(m[3])
			if err != nil {
				return nil, fmt.Errorf("vtt: turboscribe line %d: %w", lineNo, err)
			}
			current = &Cue{Speaker: strings.TrimSpace(m[1]), Start: start, End: end}
			continue
		}

		if current == nil {
			continue // preamble before the first header
		}

		line = strings.TrimSpace(turboWatermarkPattern.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		if current.Text != "" {
			current.Text += " "
		}
		current.Text += line
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("vtt: read turboscribe input: %w", err)
	}
	flush()
	return cues, nil
}
