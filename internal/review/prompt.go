package review

import (
	"fmt"
	"strings"

	"github.com/vkazmirchuk/voxalign/internal/align"
	"github.com/vkazmirchuk/voxalign/internal/vtt"
)

// systemPrompt frames every review request. The candidate list and the
// answer contract travel in the user message, so the system prompt stays
// constant across calls.
const systemPrompt = `You are an expert at analyzing meeting transcripts. Respond only with a JSON object.`

// snippetLimit bounds quoted context fragments in runes. The fragment
// under review is always quoted in full.
const snippetLimit = 100

// buildUserPrompt renders the review request for atts[i]: the attributed
// conversation before it, the fragment itself with its timestamps, the
// candidates with their evidence, the raw fragments after it, and the
// answer contract.
func buildUserPrompt(atts []align.Attribution, i int, cands []candidate, before, after int) string {
	att := atts[i]

	var b strings.Builder
	b.WriteString("Identify the speaker of the current fragment of a meeting transcript.\n")

	if lo := max(0, i-before); lo < i {
		b.WriteString("\nConversation before the fragment:\n")
		for _, prev := range atts[lo:i] {
			fmt.Fprintf(&b, "- **%s**: %s\n", prev.Speaker, snippet(prev.Target.Text, snippetLimit))
		}
	}

	fmt.Fprintf(&b, "\nCurrent fragment:\n[%s - %s]\n%q\n",
		vtt.FormatClock(att.Target.Start), vtt.FormatClock(att.Target.End), att.Target.Text)

	b.WriteString("\nSpeaker candidates:\n")
	for n, c := range cands {
		if c.share > 0 {
			fmt.Fprintf(&b, "%d. %s (overlap: %.1f%% of the fragment)\n", n+1, c.name, c.share*100)
		} else {
			fmt.Fprintf(&b, "%d. %s (no overlap, nearest in time: %.1fs away)\n", n+1, c.name, c.distance)
		}
	}

	if hi := min(len(atts), i+1+after); hi > i+1 {
		b.WriteString("\nFragments after:\n")
		for _, next := range atts[i+1 : hi] {
			fmt.Fprintf(&b, "- %s\n", snippet(next.Target.Text, snippetLimit))
		}
	}

	b.WriteString(`
Rules:
- Pick the speaker ONLY from the candidate list above.
- Do NOT invent speakers that are not listed.
- Follow the flow of the conversation: answers follow questions, started thoughts get finished.
- If several people talk over each other, pick whoever speaks the main part of the fragment.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "speaker": "<name from the candidate list>",
  "confidence": <0.0-1.0>,
  "reasoning": "<one short sentence>"
}`)

	return b.String()
}

// snippet truncates s to limit runes, marking the cut with an ellipsis.
func snippet(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
