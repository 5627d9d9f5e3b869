package vtt

import (
	"bytes"
	"fmt"
	"strings"
)

// Format identifies a recognized transcript file format.
type Format string

const (
	FormatWebVTT      Format = "webvtt"
	FormatTurboScribe Format = "turboscribe"
	FormatUnknown     Format = "unknown"
)

// DetectFormat sniffs the transcript format from file content. A WEBVTT
// signature or a cue timing arrow marks WebVTT; a bracketed speaker
// header marks TurboScribe.
func DetectFormat(data []byte) Format {
	head := data
	if len(head) > 8*1024 {
		head = head[:8*1024]
	}
	text := strings.TrimPrefix(string(bytes.TrimLeft(head, "\xef\xbb\xbf")), "﻿")

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "WEBVTT"):
			return FormatWebVTT
		case strings.Contains(line, "-->"):
			return FormatWebVTT
		case turboHeaderPattern.MatchString(line):
			return FormatTurboScribe
		}
	}
	return FormatUnknown
}

// ParseAuto sniffs the format of data and routes to the matching parser.
// extractSpeakers applies to the WebVTT path; TurboScribe headers always
// name their speaker.
func ParseAuto(data []byte, extractSpeakers bool) ([]Cue, Format, error) {
	switch format := DetectFormat(data); format {
	case FormatWebVTT:
		var (
			cues []Cue
			err  error
		)
		if extractSpeakers {
			cues, err = ParseSpeakers(bytes.NewReader(data))
		} else {
			cues, err = Parse(bytes.NewReader(data))
		}
		return cues, format, err
	case FormatTurboScribe:
		cues, err := ParseTurboScribe(bytes.NewReader(data))
		return cues, format, err
	default:
		return nil, FormatUnknown, fmt.Errorf("vtt: unrecognized transcript format")
	}
}
