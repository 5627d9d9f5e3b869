// Package review implements a language-model-assisted second opinion on
// the speaker attributions the alignment engine was least sure about.
//
// The [Reviewer] walks the engine's output in transcript order and
// escalates ambiguous attributions to an [llm.Provider]: fragments where
// the runner-up speaker covers a meaningful share of the airtime, and
// optionally fragments that matched by temporal proximity alone. The
// model sees the surrounding conversation, the candidate speakers with
// their overlap evidence, and must pick one of the listed candidates in
// a structured JSON reply.
//
// Review never degrades a transcript: when the model cannot be reached,
// replies with something unparseable, or names a speaker that was never
// a candidate, the engine's attribution stands unchanged. The only hard
// failure is context cancellation.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/vkazmirchuk/voxalign/internal/align"
	llm "github.com/vkazmirchuk/voxalign/pkg/provider/llm"
)

const (
	defaultTriggerRatio  = 0.15
	defaultMaxCandidates = 5
	defaultContextBefore = 3
	defaultContextAfter  = 2
	defaultTemperature   = 0.3

	// maxResponseTokens caps the completion; a verdict is one short JSON
	// object, never long-form text.
	maxResponseTokens = 500
)

// Outcome describes what the review pass did with one escalated
// attribution.
type Outcome string

const (
	// OutcomeConfirmed: the model agreed with the engine's pick. The
	// attribution keeps its confidence and is marked reviewed.
	OutcomeConfirmed Outcome = "confirmed"

	// OutcomeChanged: the model picked a different candidate. The
	// attribution takes the model's speaker and confidence.
	OutcomeChanged Outcome = "changed"

	// OutcomeFallback: the model was unreachable or its reply was
	// unusable. The engine's attribution stands untouched.
	OutcomeFallback Outcome = "fallback"
)

// Summary tallies one review pass.
type Summary struct {
	// Escalated counts attributions sent to the model.
	Escalated int

	// Confirmed, Changed and Fallback partition Escalated by [Outcome].
	Confirmed int
	Changed   int
	Fallback  int
}

// llmVerdict is the expected JSON structure returned by the model.
type llmVerdict struct {
	Speaker    string  `json:"speaker"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Option is a functional option for configuring a [Reviewer].
type Option func(*Reviewer)

// WithTriggerRatio sets the share of a fragment the runner-up speaker
// must cover before the attribution is escalated. Default: 0.15.
func WithTriggerRatio(ratio float64) Option {
	return func(r *Reviewer) {
		r.triggerRatio = ratio
	}
}

// WithMaxCandidates caps how many candidate speakers the model is
// offered. Default: 5.
func WithMaxCandidates(n int) Option {
	return func(r *Reviewer) {
		r.maxCandidates = n
	}
}

// WithContext sets how many attributed fragments before and raw
// fragments after the escalated one are quoted in the prompt.
// Defaults: 3 before, 2 after.
func WithContext(before, after int) Option {
	return func(r *Reviewer) {
		r.contextBefore = before
		r.contextAfter = after
	}
}

// WithIncludeNearest extends escalation to nearest and unknown matches,
// offering the model the reference speakers closest in time. Default:
// off.
func WithIncludeNearest(include bool) Option {
	return func(r *Reviewer) {
		r.includeNearest = include
	}
}

// WithTemperature sets the LLM sampling temperature. Lower values
// produce more deterministic verdicts. Default: 0.3.
func WithTemperature(temp float64) Option {
	return func(r *Reviewer) {
		r.temperature = temp
	}
}

// WithBands sets the thresholds used to re-band confidence when the
// model changes an attribution. Default: [align.DefaultBandThresholds].
func WithBands(b align.BandThresholds) Option {
	return func(r *Reviewer) {
		r.bands = b
	}
}

// Reviewer asks an [llm.Provider] for a second opinion on ambiguous
// speaker attributions. It is safe for concurrent use.
//
// Model selection follows the one-provider-per-model pattern: to review
// with a specific model, construct the [llm.Provider] with that model
// configured, rather than overriding per-request.
type Reviewer struct {
	llm            llm.Provider
	triggerRatio   float64
	maxCandidates  int
	contextBefore  int
	contextAfter   int
	includeNearest bool
	temperature    float64
	bands          align.BandThresholds
}

// New returns a new [Reviewer] backed by the given [llm.Provider].
// Apply [Option] values to override the defaults.
func New(provider llm.Provider, opts ...Option) *Reviewer {
	r := &Reviewer{
		llm:           provider,
		triggerRatio:  defaultTriggerRatio,
		maxCandidates: defaultMaxCandidates,
		contextBefore: defaultContextBefore,
		contextAfter:  defaultContextAfter,
		temperature:   defaultTemperature,
		bands:         align.DefaultBandThresholds(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NeedsReview reports whether att is ambiguous enough to escalate: a
// contested attribution whose runner-up speaker covers more than the
// trigger ratio of the fragment, or a fragment with no overlap at all
// when nearest review is enabled.
//
// A fragment one speaker won cleanly is never escalated, whatever its
// confidence.
func (r *Reviewer) NeedsReview(att align.Attribution) bool {
	switch att.Match {
	case align.MatchNearest, align.MatchUnknown:
		return r.includeNearest
	case align.MatchDirectContested:
	default:
		return false
	}
	if len(att.Votes) < 2 {
		return false
	}
	if d := att.Target.Duration(); d > 0 {
		return att.Votes[1].Overlap/d > r.triggerRatio
	}
	return false
}

// ReviewAll re-examines every ambiguous attribution in atts against the
// reference timeline and returns a reviewed copy in the same order,
// together with a [Summary] of what happened. The input slice is not
// modified.
//
// Escalated fragments are reviewed one at a time so each prompt can
// quote the conversation around it. Provider failures and unusable
// replies downgrade to [OutcomeFallback] rather than failing the pass;
// the only returned error is ctx cancellation.
func (r *Reviewer) ReviewAll(ctx context.Context, ref *align.Timeline, atts []align.Attribution) ([]align.Attribution, Summary, error) {
	out := make([]align.Attribution, len(atts))
	copy(out, atts)

	var sum Summary
	for i := range out {
		if !r.NeedsReview(out[i]) {
			continue
		}
		sum.Escalated++

		att, outcome, err := r.reviewOne(ctx, ref, out, i)
		if err != nil {
			return nil, Summary{}, err
		}
		out[i] = att
		switch outcome {
		case OutcomeConfirmed:
			sum.Confirmed++
		case OutcomeChanged:
			sum.Changed++
		case OutcomeFallback:
			sum.Fallback++
		}
	}
	return out, sum, nil
}

// reviewOne escalates atts[i] to the model and returns the possibly
// updated attribution with its [Outcome]. The error is non-nil only
// when ctx was cancelled.
func (r *Reviewer) reviewOne(ctx context.Context, ref *align.Timeline, atts []align.Attribution, i int) (align.Attribution, Outcome, error) {
	att := atts[i]

	cands := r.candidates(ref, att)
	if len(cands) == 0 {
		return att, OutcomeFallback, nil
	}

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens(),
		Messages: []llm.Message{
			{Role: "user", Content: buildUserPrompt(atts, i, cands, r.contextBefore, r.contextAfter)},
		},
	}

	resp, err := r.llm.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return align.Attribution{}, "", fmt.Errorf("review: complete: %w", err)
		}
		return att, OutcomeFallback, nil
	}

	verdict, err := parseVerdict(resp.Content)
	if err != nil {
		// Unusable reply: keep the engine's attribution.
		return att, OutcomeFallback, nil //nolint:nilerr // intentional graceful fallback
	}

	name, ok := matchCandidate(cands, verdict.Speaker)
	if !ok {
		// The model named a speaker it was never offered.
		return att, OutcomeFallback, nil
	}

	if name == att.Speaker {
		att.Reviewed = true
		return att, OutcomeConfirmed, nil
	}

	att.Speaker = name
	att.Confidence = clamp01(verdict.Confidence)
	att.Band = r.bands.Classify(att.Confidence)
	att.Reviewed = true
	return att, OutcomeChanged, nil
}

// maxTokens bounds the completion length, respecting smaller model
// limits reported by the provider.
func (r *Reviewer) maxTokens() int {
	if caps := r.llm.Capabilities(); caps.MaxOutputTokens > 0 && caps.MaxOutputTokens < maxResponseTokens {
		return caps.MaxOutputTokens
	}
	return maxResponseTokens
}

// candidate is one speaker offered to the model, with the evidence the
// prompt shows for them: an overlap share of the fragment for direct
// matches, or a center distance in seconds when nothing overlapped.
type candidate struct {
	name     string
	share    float64
	distance float64
}

// candidates lists the speakers the model may choose between: the vote
// breakdown for direct matches, or the nearest reference speakers when
// the fragment had no overlap at all.
func (r *Reviewer) candidates(ref *align.Timeline, att align.Attribution) []candidate {
	if len(att.Votes) > 0 {
		d := att.Target.Duration()
		out := make([]candidate, 0, min(len(att.Votes), r.maxCandidates))
		for _, v := range att.Votes {
			if len(out) == r.maxCandidates {
				break
			}
			out = append(out, candidate{name: v.Speaker, share: v.Overlap / d})
		}
		return out
	}
	return nearestCandidates(ref, att.Target, r.maxCandidates)
}

// nearestCandidates returns the distinct reference speakers whose
// segments lie closest in time to target, closest first. Ties on
// distance resolve by speaker label so the order is deterministic.
func nearestCandidates(ref *align.Timeline, target align.Segment, limit int) []candidate {
	center := target.Center()

	best := make(map[string]float64)
	for _, s := range ref.Segments() {
		d := math.Abs(s.Center() - center)
		if cur, ok := best[s.Speaker]; !ok || d < cur {
			best[s.Speaker] = d
		}
	}

	out := make([]candidate, 0, len(best))
	for name, d := range best {
		out = append(out, candidate{name: name, distance: d})
	}
	slices.SortFunc(out, func(a, b candidate) int {
		switch {
		case a.distance < b.distance:
			return -1
		case a.distance > b.distance:
			return 1
		default:
			return strings.Compare(a.name, b.name)
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// matchCandidate resolves the model's pick against the offered
// candidates, first exactly, then case-insensitively. The returned name
// always carries the reference casing.
func matchCandidate(cands []candidate, pick string) (string, bool) {
	for _, c := range cands {
		if c.name == pick {
			return c.name, true
		}
	}
	for _, c := range cands {
		if strings.EqualFold(c.name, pick) {
			return c.name, true
		}
	}
	return "", false
}

// parseVerdict attempts to unmarshal the model output into an
// [llmVerdict]. It strips markdown code fences before parsing.
func parseVerdict(content string) (llmVerdict, error) {
	cleaned := stripMarkdown(content)

	var v llmVerdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return llmVerdict{}, fmt.Errorf("review: parse verdict: %w", err)
	}
	if v.Speaker == "" {
		return llmVerdict{}, errors.New("review: verdict names no speaker")
	}
	return v, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```)
// that some models prepend and append to JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
