package directory

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// initialScore is assigned when a single-letter token matches the
	// first letter of a longer token, as in "Vadim K" vs "Vadim
	// Kazmirchuk".
	initialScore = 0.95
)

// MatcherOption is a functional option for configuring a [Matcher].
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required
// for two phonetically-equal tokens to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when
// two tokens share no phonetic code. Default: 0.85.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher decides whether two speaker labels name the same person,
// using Double Metaphone phonetic codes combined with Jaro-Winkler
// string similarity.
//
// Unlike spell-correction matching, identity folding is conjunctive:
// every token of the shorter label must find a compatible token in the
// longer one. "Vadim K" folds into "Vadim Kazmirchuk" through the
// initial, while "Vadim Petrov" and "Roman Petrov" stay separate
// people even though they share a surname.
//
// All methods are safe for concurrent use — the Matcher is read-only
// after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a new [Matcher] configured with the supplied
// options. Default thresholds are 0.70 for phonetic token matches and
// 0.85 for fuzzy ones.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match finds the known label that label most likely refers to.
//
// Return values follow the same contract as the align candidates: when
// matched is false, name is empty and score is 0. Exact matches (after
// case folding) short-circuit with a score of 1.
func (m *Matcher) Match(label string, names []string) (name string, score float64, matched bool) {
	if strings.TrimSpace(label) == "" {
		return "", 0, false
	}
	for _, n := range names {
		if sc, ok := m.Same(label, n); ok && (sc > score || (sc == score && n < name)) {
			name, score, matched = n, sc, true
			if score == 1 {
				break
			}
		}
	}
	return name, score, matched
}

// Same reports whether a and b plausibly label the same person,
// together with a similarity score.
//
// Both labels are tokenized and every token of the shorter label must
// find a distinct compatible token in the longer one; the score is that
// of the weakest accepted pair. Tokens are compatible when equal, when
// one is the initial of the other, when their Double Metaphone codes
// overlap and Jaro-Winkler agrees, or on high Jaro-Winkler similarity
// alone.
func (m *Matcher) Same(a, b string) (float64, bool) {
	at, bt := nameTokens(a), nameTokens(b)
	if len(at) == 0 || len(bt) == 0 {
		return 0, false
	}
	if strings.Join(at, " ") == strings.Join(bt, " ") {
		return 1, true
	}

	short, long := at, bt
	if len(short) > len(long) {
		short, long = long, short
	}

	used := make([]bool, len(long))
	score := 1.0
	for _, s := range short {
		bestIdx, bestScore := -1, 0.0
		for j, l := range long {
			if used[j] {
				continue
			}
			if sc, ok := m.tokenScore(s, l); ok && sc > bestScore {
				bestIdx, bestScore = j, sc
			}
		}
		if bestIdx < 0 {
			return 0, false
		}
		used[bestIdx] = true
		if bestScore < score {
			score = bestScore
		}
	}
	return score, true
}

// tokenScore scores one token pair under the acceptance rules of
// [Matcher.Same].
func (m *Matcher) tokenScore(a, b string) (float64, bool) {
	if a == b {
		return 1, true
	}
	if isInitialOf(a, b) || isInitialOf(b, a) {
		return initialScore, true
	}

	jw := matchr.JaroWinkler(a, b, false)
	if metaphoneOverlap(a, b) {
		if jw >= m.phoneticThreshold {
			return jw, true
		}
		return 0, false
	}
	if jw >= m.fuzzyThreshold {
		return jw, true
	}
	return 0, false
}

// nameTokens lowercases and splits a label, dropping trailing periods
// so "K." and "k" compare equal.
func nameTokens(s string) []string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimSuffix(f, ".")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// isInitialOf reports whether a is a single letter starting b.
func isInitialOf(a, b string) bool {
	return utf8.RuneCountInString(a) == 1 && utf8.RuneCountInString(b) > 1 && strings.HasPrefix(b, a)
}

// metaphoneOverlap reports whether two tokens share at least one
// Double Metaphone code. Cyrillic tokens produce no codes and never
// overlap; they fall through to plain similarity.
func metaphoneOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || (bs != "" && x == bs) {
			return true
		}
	}
	return false
}
