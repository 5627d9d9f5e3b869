package directory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and Remove when no speaker matches.
var ErrNotFound = errors.New("directory: speaker not found")

// ErrMissingID is returned by Upsert for a speaker without an ID.
var ErrMissingID = errors.New("directory: speaker has no id")

// Speaker is one person in the cross-meeting directory, accumulated
// over every aligned meeting they appeared in.
type Speaker struct {
	// ID is a stable random identifier assigned on first insert. The
	// canonical name may change as better label variants appear; the ID
	// never does.
	ID string

	// Name is the canonical display name, chosen by [CanonicalName]
	// priority among all labels seen for this person.
	Name string

	// Aliases are the other labels this person appeared under, sorted.
	Aliases []string

	// Email is the person's address, when known. Ingest never sets it;
	// see [Directory.AssignEmail].
	Email string

	// Meetings is the number of meetings the speaker appeared in.
	Meetings int

	// Segments is the total number of transcript segments attributed to
	// the speaker.
	Segments int

	// SpokenSeconds is the accumulated attributed speaking time.
	SpokenSeconds float64

	// MeanConfidence is the attribution confidence averaged over all of
	// the speaker's segments, across meetings.
	MeanConfidence float64

	// LastSeen is the date of the most recent meeting the speaker
	// appeared in.
	LastSeen time.Time
}

// Store persists the speaker directory.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Upsert inserts sp or replaces the stored record with the same ID.
	// The ID must be non-empty.
	Upsert(ctx context.Context, sp Speaker) error

	// Get retrieves the speaker whose canonical name or alias equals
	// name, compared case-insensitively.
	// Returns [ErrNotFound] when no speaker carries that label.
	Get(ctx context.Context, name string) (Speaker, error)

	// List returns all speakers, most accumulated speaking time first.
	List(ctx context.Context) ([]Speaker, error)

	// Remove deletes a speaker by ID.
	// Returns [ErrNotFound] when no speaker with that ID exists.
	Remove(ctx context.Context, id string) error

	// Close releases any underlying resources.
	Close() error
}
