package directory

import (
	"slices"
	"strings"
	"unicode"
)

// CanonicalName picks the best display name among label variants of one
// person: a Latin-script full name beats a Cyrillic full name beats a
// single-word label. Within a class, more words win, then the longer
// string, then lexicographic order so the choice is deterministic.
//
// Meeting platforms show whatever the participant typed, so the same
// person surfaces as "Vadim Kazmirchuk", "Вадим Казмирчук" and
// "Vadim K" across recordings; reports want one of them consistently.
func CanonicalName(names []string) string {
	best := ""
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if best == "" || betterName(name, best) {
			best = name
		}
	}
	return best
}

// betterName reports whether a outranks b as a display name.
func betterName(a, b string) bool {
	ca, cb := nameClass(a), nameClass(b)
	if ca != cb {
		return ca < cb
	}
	wa, wb := len(strings.Fields(a)), len(strings.Fields(b))
	if wa != wb {
		return wa > wb
	}
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a < b
}

// nameClass ranks a label: 0 Latin full name, 1 Cyrillic full name,
// 2 Latin single word, 3 anything else.
func nameClass(name string) int {
	latin := containsScript(name, unicode.Latin)
	cyrillic := containsScript(name, unicode.Cyrillic)
	full := len(strings.Fields(name)) > 1

	switch {
	case latin && !cyrillic && full:
		return 0
	case cyrillic && full:
		return 1
	case latin && !cyrillic:
		return 2
	default:
		return 3
	}
}

func containsScript(s string, rt *unicode.RangeTable) bool {
	for _, r := range s {
		if unicode.Is(rt, r) {
			return true
		}
	}
	return false
}

// sortedAliases returns names minus the canonical pick, deduplicated
// and sorted.
func sortedAliases(names []string, canonical string) []string {
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || n == canonical || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
