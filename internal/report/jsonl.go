package report

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/vkazmirchuk/voxalign/internal/align"
)

// Record is the JSONL shape of one aligned segment, the structured form
// downstream tooling (speaker directories, archives) reprocesses.
type Record struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	MatchType  string  `json:"match_type"`
	Duration   float64 `json:"duration"`
	Reviewed   bool    `json:"reviewed,omitempty"`
}

// WriteJSONL streams one JSON record per result, in transcript order.
func WriteJSONL(w io.Writer, tr align.Transcript) error {
	enc := json.NewEncoder(w)
	for i, r := range tr.Results {
		rec := Record{
			Start:      r.Target.Start,
			End:        r.Target.End,
			Speaker:    r.Speaker,
			Text:       r.Target.Text,
			Confidence: r.Confidence,
			MatchType:  string(r.Match),
			Duration:   r.Target.Duration(),
			Reviewed:   r.Reviewed,
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("report: encode record %d: %w", i, err)
		}
	}
	return nil
}
