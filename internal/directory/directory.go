// Package directory maintains a cross-meeting speaker directory: who
// appeared in which recordings, under which label variants, and how
// much they spoke.
//
// Meeting platforms export whatever display name a participant had at
// the time, so one person shows up as "Vadim Kazmirchuk", "Vadim K" or
// "Вадим Казмирчук" across recordings. [Directory.Ingest] folds such
// variants into one [Speaker] record using a phonetic [Matcher] and
// promotes the best variant to the canonical name.
//
// Two [Store] implementations are provided: an in-memory one for tests
// and single runs, and a SQLite-backed one for a durable local
// directory.
package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vkazmirchuk/voxalign/internal/align"
)

// Directory folds per-meeting speaker statistics into a [Store],
// matching new labels against the names and aliases already on record.
type Directory struct {
	store Store
	match *Matcher
}

// New returns a [Directory] over store. A nil matcher gets the default
// [NewMatcher] thresholds.
func New(store Store, m *Matcher) *Directory {
	if m == nil {
		m = NewMatcher()
	}
	return &Directory{store: store, match: m}
}

// Ingest folds one aligned meeting into the directory. Every attributed
// speaker's stats are matched against the known labels; unmatched
// labels open a new record, matched ones accumulate into the existing
// one and may displace its canonical name when the new label ranks
// better. held is the meeting date.
//
// [align.SpeakerUnknown] never enters the directory.
func (d *Directory) Ingest(ctx context.Context, tr align.Transcript, held time.Time) error {
	stats := tr.Stats()

	known, err := d.store.List(ctx)
	if err != nil {
		return fmt.Errorf("directory: ingest: %w", err)
	}

	records := slices.Clone(known)
	var labels []string
	owner := make(map[string]int)
	for i, sp := range records {
		for _, l := range append([]string{sp.Name}, sp.Aliases...) {
			labels = append(labels, l)
			owner[strings.ToLower(l)] = i
		}
	}

	// A person may appear under several labels within one meeting; the
	// meeting is counted once per record.
	counted := make(map[int]bool)

	for _, ss := range stats.Speakers {
		label := strings.TrimSpace(ss.Speaker)
		if label == "" || label == align.SpeakerUnknown {
			continue
		}

		idx, exact := owner[strings.ToLower(label)]
		if !exact {
			if name, _, ok := d.match.Match(label, labels); ok {
				idx = owner[strings.ToLower(name)]
			} else {
				id, err := newID()
				if err != nil {
					return fmt.Errorf("directory: ingest: %w", err)
				}
				records = append(records, Speaker{ID: id, Name: label})
				idx = len(records) - 1
			}
		}
		if _, ok := owner[strings.ToLower(label)]; !ok {
			adoptLabel(&records[idx], label)
			labels = append(labels, label)
			owner[strings.ToLower(label)] = idx
		}

		rec := &records[idx]
		if total := rec.Segments + ss.Segments; total > 0 {
			rec.MeanConfidence = (rec.MeanConfidence*float64(rec.Segments) +
				ss.MeanConfidence*float64(ss.Segments)) / float64(total)
			rec.Segments = total
		}
		rec.SpokenSeconds += ss.Seconds
		if !counted[idx] {
			rec.Meetings++
			counted[idx] = true
		}
		if held.After(rec.LastSeen) {
			rec.LastSeen = held
		}
	}

	for i := range records {
		if !counted[i] {
			continue
		}
		if err := d.store.Upsert(ctx, records[i]); err != nil {
			return fmt.Errorf("directory: ingest: %w", err)
		}
	}
	return nil
}

// Lookup finds a speaker by exact name or alias, falling back to fuzzy
// label matching for partial or misspelled names.
// Returns [ErrNotFound] when nothing matches either way.
func (d *Directory) Lookup(ctx context.Context, name string) (Speaker, error) {
	sp, err := d.store.Get(ctx, name)
	if err == nil {
		return sp, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Speaker{}, err
	}

	all, err := d.store.List(ctx)
	if err != nil {
		return Speaker{}, fmt.Errorf("directory: lookup: %w", err)
	}
	var labels []string
	owner := make(map[string]Speaker)
	for _, sp := range all {
		for _, l := range append([]string{sp.Name}, sp.Aliases...) {
			labels = append(labels, l)
			owner[strings.ToLower(l)] = sp
		}
	}
	if matched, _, ok := d.match.Match(name, labels); ok {
		return owner[strings.ToLower(matched)], nil
	}
	return Speaker{}, ErrNotFound
}

// List returns every speaker on record, most speaking time first.
func (d *Directory) List(ctx context.Context) ([]Speaker, error) {
	return d.store.List(ctx)
}

// AssignEmail records an email address on the speaker carrying name
// (resolved like [Directory.Lookup]).
func (d *Directory) AssignEmail(ctx context.Context, name, email string) error {
	sp, err := d.Lookup(ctx, name)
	if err != nil {
		return err
	}
	sp.Email = email
	if err := d.store.Upsert(ctx, sp); err != nil {
		return fmt.Errorf("directory: assign email: %w", err)
	}
	return nil
}

// adoptLabel adds a newly-seen label to a record and re-picks the
// canonical name.
func adoptLabel(sp *Speaker, label string) {
	names := append([]string{sp.Name}, sp.Aliases...)
	names = append(names, label)
	canonical := CanonicalName(names)
	sp.Name = canonical
	sp.Aliases = sortedAliases(names, canonical)
}
