// Package archive persists aligned meetings to PostgreSQL so attributed
// transcripts can be searched across a team's meeting history.
//
// Each archived meeting is one row in the meetings table plus its attributed
// segments in meeting_segments. Text search uses ILIKE with optional speaker,
// date and meeting filters. When an embeddings provider is configured,
// consecutive same-speaker segments are collapsed into turns, embedded, and
// stored as pgvector columns for cosine-distance semantic search.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS. All operations are safe for
// concurrent use.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// ErrNotFound is returned when no archived meeting has the requested ID.
var ErrNotFound = errors.New("archive: meeting not found")

// Meeting is the summary row of one archived meeting.
type Meeting struct {
	ID              uuid.UUID
	Title           string
	Held            time.Time
	ArchivedAt      time.Time
	DurationSeconds float64
	Segments        int
	Speakers        []string
	MeanConfidence  float64
	NeedsReview     int
}

// SearchOpts narrows Search and SemanticSearch results. Zero values mean
// "no filter"; a zero Limit falls back to [DefaultSearchLimit].
type SearchOpts struct {
	// Speaker restricts hits to segments attributed to this speaker
	// (case-insensitive exact match).
	Speaker string
	// After and Before restrict hits by the meeting's held date.
	After  time.Time
	Before time.Time
	// Meeting scopes the search to a single archived meeting.
	Meeting uuid.UUID
	// Limit caps the number of hits returned.
	Limit int
}

// DefaultSearchLimit caps search results when SearchOpts.Limit is zero.
const DefaultSearchLimit = 20

// Store is the PostgreSQL-backed meeting archive. It holds a single
// [pgxpool.Pool]; obtain one via [Open] and release it with [Store.Close].
type Store struct {
	pool *pgxpool.Pool
	dims int
}

// Open connects to the PostgreSQL database at dsn, registers pgvector types
// on every connection, and runs [Migrate] to ensure all required tables and
// extensions exist.
//
// embeddingDims must match the output dimension of the embeddings provider
// used with [Store.IndexTurns] (e.g., 1536 for OpenAI text-embedding-3-small).
// Changing it after the first migration requires a manual schema change.
func Open(ctx context.Context, dsn string, embeddingDims int) (*Store, error) {
	if embeddingDims <= 0 {
		return nil, fmt.Errorf("archive: embedding dimensions must be positive, got %d", embeddingDims)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}

	return &Store{pool: pool, dims: embeddingDims}, nil
}

// Ping verifies the database connection. Readiness checks use it.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
