package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMeetings = `
CREATE TABLE IF NOT EXISTS meetings (
    id               UUID              PRIMARY KEY,
    title            TEXT              NOT NULL,
    held             TIMESTAMPTZ       NOT NULL,
    archived_at      TIMESTAMPTZ       NOT NULL DEFAULT now(),
    duration_seconds DOUBLE PRECISION  NOT NULL DEFAULT 0,
    segments         INTEGER           NOT NULL DEFAULT 0,
    speakers         TEXT[]            NOT NULL DEFAULT '{}',
    mean_confidence  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    needs_review     INTEGER           NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_meetings_held
    ON meetings (held);
`

const ddlSegments = `
CREATE TABLE IF NOT EXISTS meeting_segments (
    meeting_id  UUID              NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    idx         INTEGER           NOT NULL,
    start_sec   DOUBLE PRECISION  NOT NULL,
    end_sec     DOUBLE PRECISION  NOT NULL,
    speaker     TEXT              NOT NULL,
    text        TEXT              NOT NULL,
    confidence  DOUBLE PRECISION  NOT NULL,
    match_type  TEXT              NOT NULL,
    band        TEXT              NOT NULL,
    reviewed    BOOLEAN           NOT NULL DEFAULT false,
    PRIMARY KEY (meeting_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_meeting_segments_speaker
    ON meeting_segments (speaker);
`

// ddlTurns returns the semantic search DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlTurns(embeddingDims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS meeting_turns (
    id          TEXT              PRIMARY KEY,
    meeting_id  UUID              NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    idx         INTEGER           NOT NULL,
    speaker     TEXT              NOT NULL,
    start_sec   DOUBLE PRECISION  NOT NULL,
    end_sec     DOUBLE PRECISION  NOT NULL,
    content     TEXT              NOT NULL,
    embedding   vector(%d),
    model       TEXT              NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_meeting_turns_meeting
    ON meeting_turns (meeting_id);

CREATE INDEX IF NOT EXISTS idx_meeting_turns_embedding
    ON meeting_turns USING hnsw (embedding vector_cosine_ops);
`, embeddingDims)
}

// Migrate creates or ensures all archive tables and extensions exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDims must match the embeddings model configured for the archive
// (e.g., 1536 for OpenAI text-embedding-3-small, 768 for nomic-embed-text).
// Changing this value after the first migration requires a manual schema
// update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDims int) error {
	statements := []string{
		ddlMeetings,
		ddlSegments,
		ddlTurns(embeddingDims),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}
	return nil
}
