package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/vkazmirchuk/voxalign/internal/align"
	"github.com/vkazmirchuk/voxalign/pkg/provider/embeddings"
)

// Turn is a run of consecutive segments attributed to the same speaker,
// collapsed into one span of text. Turns are the unit of semantic indexing:
// they carry enough context to embed meaningfully where single segments are
// often just a few words.
type Turn struct {
	Speaker string
	Start   float64
	End     float64
	Text    string
}

// Turns collapses a transcript into speaker turns. Segment texts within a
// turn are joined with single spaces; segment order is preserved.
func Turns(tr align.Transcript) []Turn {
	var turns []Turn
	for _, r := range tr.Results {
		if n := len(turns); n > 0 && turns[n-1].Speaker == r.Speaker {
			cur := &turns[n-1]
			cur.End = r.Target.End
			cur.Text += " " + r.Target.Text
			continue
		}
		turns = append(turns, Turn{
			Speaker: r.Speaker,
			Start:   r.Target.Start,
			End:     r.Target.End,
			Text:    r.Target.Text,
		})
	}
	return turns
}

// IndexTurns embeds the speaker turns of an archived meeting and stores the
// vectors for [Store.SemanticSearch]. Existing turns for the meeting are
// replaced, so re-indexing after a review pass is safe. Returns the number
// of turns indexed.
//
// The provider's dimensionality must match the one the store was opened
// with; anything else is an error before any network call is made.
func (s *Store) IndexTurns(ctx context.Context, id uuid.UUID, emb embeddings.Provider) (int, error) {
	if d := emb.Dimensions(); d != s.dims {
		return 0, fmt.Errorf("archive: embedding dimensions %d do not match schema dimensions %d", d, s.dims)
	}

	tr, err := s.Transcript(ctx, id)
	if err != nil {
		return 0, err
	}
	turns := Turns(tr)
	if len(turns) == 0 {
		return 0, nil
	}

	texts := make([]string, len(turns))
	for i, t := range turns {
		texts[i] = t.Speaker + ": " + t.Text
	}
	vectors, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("archive: embed turns: %w", err)
	}
	if len(vectors) != len(turns) {
		return 0, fmt.Errorf("archive: embed turns: got %d vectors for %d turns", len(vectors), len(turns))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive: begin index: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM meeting_turns WHERE meeting_id = $1`, id); err != nil {
		return 0, fmt.Errorf("archive: clear turns: %w", err)
	}

	const q = `
		INSERT INTO meeting_turns
		    (id, meeting_id, idx, speaker, start_sec, end_sec, content, embedding, model)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for i, t := range turns {
		_, err := tx.Exec(ctx, q,
			fmt.Sprintf("%s:%d", id, i), id, i,
			t.Speaker, t.Start, t.End, t.Text,
			pgvector.NewVector(vectors[i]), emb.ModelID(),
		)
		if err != nil {
			return 0, fmt.Errorf("archive: insert turn %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("archive: commit index: %w", err)
	}
	return len(turns), nil
}

// SemanticHit is one speaker turn matched by [Store.SemanticSearch].
// Distance is the cosine distance to the query embedding; smaller is closer.
type SemanticHit struct {
	MeetingID uuid.UUID
	Title     string
	Held      time.Time
	Turn      Turn
	Distance  float64
}

// SemanticSearch embeds query with emb and returns the indexed turns closest
// to it by cosine distance, most similar first. Filters from opts narrow the
// candidate set; SearchOpts.Limit caps the result (default
// [DefaultSearchLimit]).
func (s *Store) SemanticSearch(ctx context.Context, query string, emb embeddings.Provider, opts SearchOpts) ([]SemanticHit, error) {
	if d := emb.Dimensions(); d != s.dims {
		return nil, fmt.Errorf("archive: embedding dimensions %d do not match schema dimensions %d", d, s.dims)
	}
	vec, err := emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("archive: embed query: %w", err)
	}

	args := []any{pgvector.NewVector(vec)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"t.embedding IS NOT NULL",
	}
	if opts.Speaker != "" {
		conditions = append(conditions, "t.speaker ILIKE "+next(opts.Speaker))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "m.held > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "m.held < "+next(opts.Before))
	}
	if opts.Meeting != uuid.Nil {
		conditions = append(conditions, "m.id = "+next(opts.Meeting))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	args = append(args, limit)

	q := "SELECT m.id, m.title, m.held,\n" +
		"       t.speaker, t.start_sec, t.end_sec, t.content,\n" +
		"       t.embedding <=> $1 AS distance\n" +
		"FROM   meeting_turns t\n" +
		"JOIN   meetings m ON m.id = t.meeting_id\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY distance\n" +
		fmt.Sprintf("LIMIT  $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: semantic search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SemanticHit, error) {
		var h SemanticHit
		err := row.Scan(
			&h.MeetingID, &h.Title, &h.Held,
			&h.Turn.Speaker, &h.Turn.Start, &h.Turn.End, &h.Turn.Text,
			&h.Distance,
		)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan semantic hits: %w", err)
	}
	if hits == nil {
		hits = []SemanticHit{}
	}
	return hits, nil
}
