// Package align attributes speakers to the segments of a clean transcript
// by aligning them in time against a second, speaker-labeled transcription
// of the same recording.
//
// The reference timeline says who spoke when; the target timeline says
// what was said. For each target segment the resolver accumulates overlap
// per speaker across all overlapping reference segments and attributes
// the segment to the speaker with the greatest total — a majority vote by
// speaking time, so a speaker with several short segments can outvote one
// long stray segment. Every result carries a confidence score, a
// [MatchType] describing how the decision was reached, and the full
// per-speaker vote breakdown for auditing.
//
// Typical usage:
//
//	res, err := align.NewResolver()
//	if err != nil { ... }
//
//	results, err := res.ResolveAll(ctx, ref, targets)
//	if err != nil { ... }
//
//	transcript := align.Merge(results)
//
// The resolver is stateless across runs and never errors for valid
// timelines; uncertainty is expressed through match types and confidence,
// not failures. Target text is carried through byte for byte — nothing in
// this package rewrites, splits or normalizes transcript content.
package align

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// SpeakerUnknown is the reserved label attributed when no reference
// segment overlaps a target and none is near enough to borrow from.
const SpeakerUnknown = "unknown"

// Config holds the resolver thresholds. All fields have working defaults
// from [DefaultConfig]; adjust them through the With... options.
type Config struct {
	// NearestTolerance is the maximum distance in seconds between
	// temporal centers for the nearest-match fallback to apply. The
	// boundary is inclusive: a distance exactly equal to the tolerance
	// still matches.
	NearestTolerance float64

	// NearestConfidence is the fixed confidence assigned to nearest
	// matches. Deliberately low: a nearest match is a borrowed label,
	// not an observed overlap.
	NearestConfidence float64

	// ContestedMargin is the minimum share of accumulated overlap the
	// winner must hold to avoid the contested tag. The comparison is
	// strict: a share exactly at the margin is not contested.
	ContestedMargin float64

	// DominantMinority is the share of accumulated overlap above which a
	// second-place speaker turns a single match into a dominant one.
	DominantMinority float64

	// Bands classifies confidence scores for reporting.
	Bands BandThresholds

	// Workers bounds the number of goroutines used by [Resolver.ResolveAll].
	// Zero means one per available CPU.
	Workers int
}

// DefaultConfig returns the standard thresholds: 5 s nearest tolerance,
// 0.3 nearest confidence, 0.6 contested margin, 0.05 dominant minority,
// default bands, automatic worker count.
func DefaultConfig() Config {
	return Config{
		NearestTolerance:  5.0,
		NearestConfidence: 0.3,
		ContestedMargin:   0.6,
		DominantMinority:  0.05,
		Bands:             DefaultBandThresholds(),
	}
}

// Validate checks every threshold and reports all violations joined into
// a single error.
func (c Config) Validate() error {
	var errs []error
	if c.NearestTolerance < 0 || !isFinite(c.NearestTolerance) {
		errs = append(errs, fmt.Errorf("align: nearest tolerance %v must be a non-negative number of seconds", c.NearestTolerance))
	}
	if c.NearestConfidence < 0 || c.NearestConfidence > 1 || !isFinite(c.NearestConfidence) {
		errs = append(errs, fmt.Errorf("align: nearest confidence %v is outside [0, 1]", c.NearestConfidence))
	}
	if c.ContestedMargin <= 0 || c.ContestedMargin > 1 || !isFinite(c.ContestedMargin) {
		errs = append(errs, fmt.Errorf("align: contested margin %v is outside (0, 1]", c.ContestedMargin))
	}
	if c.DominantMinority < 0 || c.DominantMinority >= 1 || !isFinite(c.DominantMinority) {
		errs = append(errs, fmt.Errorf("align: dominant minority %v is outside [0, 1)", c.DominantMinority))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("align: worker count %d must not be negative", c.Workers))
	}
	if err := c.Bands.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Option adjusts a resolver [Config].
type Option func(*Config)

// WithNearestTolerance sets the nearest-match center distance tolerance
// in seconds.
func WithNearestTolerance(seconds float64) Option {
	return func(c *Config) { c.NearestTolerance = seconds }
}

// WithNearestConfidence sets the fixed confidence assigned to nearest
// matches.
func WithNearestConfidence(confidence float64) Option {
	return func(c *Config) { c.NearestConfidence = confidence }
}

// WithContestedMargin sets the winner share below which an attribution is
// tagged contested.
func WithContestedMargin(share float64) Option {
	return func(c *Config) { c.ContestedMargin = share }
}

// WithDominantMinority sets the second-place share above which an
// attribution is tagged dominant rather than single.
func WithDominantMinority(share float64) Option {
	return func(c *Config) { c.DominantMinority = share }
}

// WithBands sets the confidence band thresholds.
func WithBands(b BandThresholds) Option {
	return func(c *Config) { c.Bands = b }
}

// WithWorkers bounds the parallelism of [Resolver.ResolveAll].
func WithWorkers(n int) Option {
	return func(c *Config) { c.Workers = n }
}

// SpeakerVote is one speaker's accumulated overlap against a single
// target segment.
type SpeakerVote struct {
	// Speaker is the reference speaker label.
	Speaker string

	// Overlap is the accumulated overlap in seconds across all of this
	// speaker's reference segments that touch the target.
	Overlap float64

	// FirstStart is the start of this speaker's earliest contributing
	// reference segment, used to break overlap ties.
	FirstStart float64
}

// Attribution is the outcome of resolving one target segment.
type Attribution struct {
	// Target is the segment being attributed; its Text is preserved byte
	// for byte from the input.
	Target Segment

	// Speaker is the attributed speaker label, or [SpeakerUnknown].
	Speaker string

	// Confidence is the winner's accumulated overlap divided by the
	// target duration, clamped to [0, 1]. Nearest matches carry the fixed
	// configured confidence; unknown matches carry zero.
	Confidence float64

	// Match records how the decision was reached.
	Match MatchType

	// Band is the confidence classification under the configured
	// thresholds.
	Band Band

	// Votes is the per-speaker overlap breakdown the decision was based
	// on, ordered best first. Empty for nearest and unknown matches.
	Votes []SpeakerVote

	// Reviewed is set by an assisted review pass when it confirms or
	// replaces the speaker; the resolver itself never sets it.
	Reviewed bool
}

// Resolver attributes target segments to speakers against a reference
// timeline. Create one with [NewResolver]; the zero value is not usable.
//
// A Resolver is immutable after construction and safe for concurrent use.
type Resolver struct {
	cfg Config
}

// NewResolver builds a resolver from [DefaultConfig] adjusted by opts.
// The combined configuration is validated; all violations are reported in
// one joined error.
func NewResolver(opts ...Option) (*Resolver, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{cfg: cfg}, nil
}

// Config returns the resolver's effective configuration.
func (r *Resolver) Config() Config {
	return r.cfg
}

// Resolve attributes a single target segment against the reference
// timeline. It never fails: targets nothing overlaps fall back to the
// nearest reference segment within tolerance, and past that to
// [SpeakerUnknown] with zero confidence.
func (r *Resolver) Resolve(ref *Timeline, target Segment) Attribution {
	candidates := ref.Candidates(target)
	if len(candidates) == 0 {
		return r.resolveNearest(ref, target)
	}

	votes := tallyVotes(candidates)
	winner := votes[0]

	var total float64
	for _, v := range votes {
		total += v.Overlap
	}
	share := winner.Overlap / total

	var match MatchType
	switch {
	case share < r.cfg.ContestedMargin:
		match = MatchDirectContested
	case len(votes) > 1 && votes[1].Overlap/total > r.cfg.DominantMinority:
		match = MatchDirectDominant
	default:
		match = MatchDirectSingle
	}

	confidence := clamp01(winner.Overlap / target.Duration())

	return Attribution{
		Target:     target,
		Speaker:    winner.Speaker,
		Confidence: confidence,
		Match:      match,
		Band:       r.cfg.Bands.Classify(confidence),
		Votes:      votes,
	}
}

// resolveNearest handles targets with an empty candidate set.
func (r *Resolver) resolveNearest(ref *Timeline, target Segment) Attribution {
	nearest, distance := ref.Nearest(target)
	if distance <= r.cfg.NearestTolerance {
		return Attribution{
			Target:     target,
			Speaker:    nearest.Speaker,
			Confidence: r.cfg.NearestConfidence,
			Match:      MatchNearest,
			Band:       r.cfg.Bands.Classify(r.cfg.NearestConfidence),
		}
	}
	return Attribution{
		Target:  target,
		Speaker: SpeakerUnknown,
		Match:   MatchUnknown,
		Band:    r.cfg.Bands.Classify(0),
	}
}

// ResolveAll attributes every segment of targets against ref in parallel
// and returns the results in target-timeline order.
//
// The reference timeline is shared read-only across workers. The only
// possible error is ctx cancellation; individual segments never fail.
func (r *Resolver) ResolveAll(ctx context.Context, ref, targets *Timeline) ([]Attribution, error) {
	segs := targets.Segments()
	out := make([]Attribution, len(segs))

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, seg := range segs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = r.Resolve(ref, seg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("align: resolve all: %w", err)
	}
	return out, nil
}

// tallyVotes accumulates candidate overlap per speaker and orders the
// votes: greatest overlap first, ties by earliest contributing segment
// start, then by speaker label so the order is total and deterministic.
// candidates must be non-empty.
func tallyVotes(candidates []Candidate) []SpeakerVote {
	index := make(map[string]int, len(candidates))
	votes := make([]SpeakerVote, 0, len(candidates))

	for _, c := range candidates {
		i, ok := index[c.Segment.Speaker]
		if !ok {
			i = len(votes)
			index[c.Segment.Speaker] = i
			votes = append(votes, SpeakerVote{Speaker: c.Segment.Speaker, FirstStart: c.Segment.Start})
		}
		votes[i].Overlap += c.Overlap
		if c.Segment.Start < votes[i].FirstStart {
			votes[i].FirstStart = c.Segment.Start
		}
	}

	slices.SortStableFunc(votes, func(a, b SpeakerVote) int {
		switch {
		case a.Overlap > b.Overlap:
			return -1
		case a.Overlap < b.Overlap:
			return 1
		case a.FirstStart < b.FirstStart:
			return -1
		case a.FirstStart > b.FirstStart:
			return 1
		default:
			return strings.Compare(a.Speaker, b.Speaker)
		}
	})
	return votes
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
