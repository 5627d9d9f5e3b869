package vtt

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// timestampPattern accepts WebVTT cue times with an optional hour field
// and either decimal separator: "HH:MM:SS.mmm", "MM:SS.mmm",
// "HH:MM:SS,mmm". TurboScribe headers reuse the first two groups without
// milliseconds.
var timestampPattern = regexp.MustCompile(`^(?:(\d{1,2}):)?(\d{1,2}):(\d{2})(?:[.,](\d{1,3}))?$`)

// ParseTimestamp converts a WebVTT timestamp to seconds. The hour field
// and milliseconds are optional; both "." and "," work as the decimal
// separator (some exporters emit SRT-style commas).
func ParseTimestamp(s string) (float64, error) {
	m := timestampPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("vtt: malformed timestamp %q", s)
	}

	var hours int
	if m[1] != "" {
		hours, _ = strconv.Atoi(m[1])
	}
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])
	if minutes > 59 && m[1] != "" {
		return 0, fmt.Errorf("vtt: malformed timestamp %q: minutes out of range", s)
	}
	if seconds > 59 {
		return 0, fmt.Errorf("vtt: malformed timestamp %q: seconds out of range", s)
	}

	total := float64(hours*3600 + minutes*60 + seconds)
	if m[4] != "" {
		// Pad to milliseconds: "5" means 500 ms, "05" means 50 ms.
		frac := m[4]
		for len(frac) < 3 {
			frac += "0"
		}
		ms, _ := strconv.Atoi(frac)
		total += float64(ms) / 1000
	}
	return total, nil
}

// FormatTimestamp renders seconds as a canonical WebVTT timestamp,
// "HH:MM:SS.mmm". Negative inputs clamp to zero.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	ms := int64(math.Round(seconds * 1000))
	h := ms / 3_600_000
	m := ms % 3_600_000 / 60_000
	s := ms % 60_000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}

// FormatClock renders seconds as "HH:MM:SS" for human-readable report
// headers. Fractions round to the nearest whole second.
func FormatClock(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	total := int64(math.Round(seconds))
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}
