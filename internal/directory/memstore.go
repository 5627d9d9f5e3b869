package directory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"slices"
	"strings"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It is suitable for single-run use and testing; nothing survives the
// process. The zero value is ready to use.
type MemStore struct {
	mu       sync.RWMutex
	speakers map[string]Speaker
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		speakers: make(map[string]Speaker),
	}
}

// Upsert implements [Store.Upsert].
func (s *MemStore) Upsert(ctx context.Context, sp Speaker) error {
	if sp.ID == "" {
		return ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.speakers == nil {
		s.speakers = make(map[string]Speaker)
	}
	sp.Aliases = slices.Clone(sp.Aliases)
	s.speakers[sp.ID] = sp
	return nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(ctx context.Context, name string) (Speaker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sp := range s.speakers {
		if carriesLabel(sp, name) {
			sp.Aliases = slices.Clone(sp.Aliases)
			return sp, nil
		}
	}
	return Speaker{}, ErrNotFound
}

// List implements [Store.List].
func (s *MemStore) List(ctx context.Context) ([]Speaker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Speaker, 0, len(s.speakers))
	for _, sp := range s.speakers {
		sp.Aliases = slices.Clone(sp.Aliases)
		out = append(out, sp)
	}
	sortBySpokenTime(out)
	return out, nil
}

// Remove implements [Store.Remove].
func (s *MemStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.speakers[id]; !ok {
		return ErrNotFound
	}
	delete(s.speakers, id)
	return nil
}

// Close implements [Store.Close]. It is a no-op for the memory store.
func (s *MemStore) Close() error {
	return nil
}

// carriesLabel reports whether name is the speaker's canonical name or
// one of their aliases, case-insensitively.
func carriesLabel(sp Speaker, name string) bool {
	if strings.EqualFold(sp.Name, name) {
		return true
	}
	for _, a := range sp.Aliases {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

// sortBySpokenTime orders speakers by accumulated speaking time, ties
// by name so listings are stable.
func sortBySpokenTime(speakers []Speaker) {
	slices.SortStableFunc(speakers, func(a, b Speaker) int {
		switch {
		case a.SpokenSeconds > b.SpokenSeconds:
			return -1
		case a.SpokenSeconds < b.SpokenSeconds:
			return 1
		default:
			return strings.Compare(a.Name, b.Name)
		}
	})
}

// newID produces a random 16-byte hex string using crypto/rand.
// The resulting string is 32 hex characters and is statistically unique.
func newID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
