package vtt

import (
	"bufio"
	"fmt"
	"io"

	"github.com/vkazmirchuk/voxalign/internal/align"
)

// Write renders an aligned transcript as a WebVTT file: signature line,
// numbered cues, "Speaker: text" payloads. Cue text is emitted byte for
// byte as attributed; only the speaker prefix and timing lines are added.
func Write(w io.Writer, tr align.Transcript) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "WEBVTT\n\n")
	for i, r := range tr.Results {
		fmt.Fprintf(bw, "%d\n", i+1)
		fmt.Fprintf(bw, "%s --> %s\n", FormatTimestamp(r.Target.Start), FormatTimestamp(r.Target.End))
		fmt.Fprintf(bw, "%s: %s\n\n", r.Speaker, r.Target.Text)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("vtt: write transcript: %w", err)
	}
	return nil
}
