package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vkazmirchuk/voxalign/internal/align"
)

// SaveMeeting archives an attributed transcript under a fresh meeting ID.
// The meeting row and all segment rows are written in one transaction, so a
// failed save leaves no partial meeting behind.
func (s *Store) SaveMeeting(ctx context.Context, title string, held time.Time, tr align.Transcript) (Meeting, error) {
	stats := tr.Stats()
	start, end := tr.Span()

	m := Meeting{
		ID:              uuid.New(),
		Title:           title,
		Held:            held,
		ArchivedAt:      time.Now().UTC(),
		DurationSeconds: end - start,
		Segments:        stats.Segments,
		Speakers:        tr.Speakers(),
		MeanConfidence:  stats.MeanConfidence,
		NeedsReview:     stats.NeedsReview,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Meeting{}, fmt.Errorf("archive: begin save: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	const q = `
		INSERT INTO meetings
		    (id, title, held, archived_at, duration_seconds, segments, speakers, mean_confidence, needs_review)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = tx.Exec(ctx, q,
		m.ID, m.Title, m.Held, m.ArchivedAt, m.DurationSeconds,
		m.Segments, m.Speakers, m.MeanConfidence, m.NeedsReview,
	)
	if err != nil {
		return Meeting{}, fmt.Errorf("archive: insert meeting: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"meeting_segments"},
		[]string{"meeting_id", "idx", "start_sec", "end_sec", "speaker", "text", "confidence", "match_type", "band", "reviewed"},
		pgx.CopyFromSlice(len(tr.Results), func(i int) ([]any, error) {
			r := tr.Results[i]
			return []any{
				m.ID, i, r.Target.Start, r.Target.End, r.Speaker, r.Target.Text,
				r.Confidence, string(r.Match), string(r.Band), r.Reviewed,
			}, nil
		}),
	)
	if err != nil {
		return Meeting{}, fmt.Errorf("archive: insert segments: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Meeting{}, fmt.Errorf("archive: commit save: %w", err)
	}
	return m, nil
}

// Meeting returns the summary row of one archived meeting, or [ErrNotFound].
func (s *Store) Meeting(ctx context.Context, id uuid.UUID) (Meeting, error) {
	const q = `
		SELECT id, title, held, archived_at, duration_seconds, segments, speakers, mean_confidence, needs_review
		FROM   meetings
		WHERE  id = $1`

	var m Meeting
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&m.ID, &m.Title, &m.Held, &m.ArchivedAt, &m.DurationSeconds,
		&m.Segments, &m.Speakers, &m.MeanConfidence, &m.NeedsReview,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Meeting{}, ErrNotFound
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("archive: get meeting: %w", err)
	}
	return m, nil
}

// Recent lists the most recently held meetings, newest first. A non-positive
// limit falls back to [DefaultSearchLimit].
func (s *Store) Recent(ctx context.Context, limit int) ([]Meeting, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	const q = `
		SELECT id, title, held, archived_at, duration_seconds, segments, speakers, mean_confidence, needs_review
		FROM   meetings
		ORDER  BY held DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list meetings: %w", err)
	}
	meetings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Meeting, error) {
		var m Meeting
		err := row.Scan(
			&m.ID, &m.Title, &m.Held, &m.ArchivedAt, &m.DurationSeconds,
			&m.Segments, &m.Speakers, &m.MeanConfidence, &m.NeedsReview,
		)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan meetings: %w", err)
	}
	if meetings == nil {
		meetings = []Meeting{}
	}
	return meetings, nil
}

// Transcript rehydrates the attributed transcript of an archived meeting in
// segment order. Vote tallies are not archived, so Attribution.Votes is nil
// on the way back out.
func (s *Store) Transcript(ctx context.Context, id uuid.UUID) (align.Transcript, error) {
	if _, err := s.Meeting(ctx, id); err != nil {
		return align.Transcript{}, err
	}

	const q = `
		SELECT start_sec, end_sec, speaker, text, confidence, match_type, band, reviewed
		FROM   meeting_segments
		WHERE  meeting_id = $1
		ORDER  BY idx`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return align.Transcript{}, fmt.Errorf("archive: get transcript: %w", err)
	}
	results, err := pgx.CollectRows(rows, scanAttribution)
	if err != nil {
		return align.Transcript{}, fmt.Errorf("archive: scan segments: %w", err)
	}
	return align.Transcript{Results: results}, nil
}

// Hit is one segment matched by [Store.Search], with enough meeting context
// to cite it.
type Hit struct {
	MeetingID uuid.UUID
	Title     string
	Held      time.Time
	Result    align.Attribution
}

// Search finds archived segments whose text contains query
// (case-insensitive), newest meeting first and in segment order within a
// meeting. Filters from opts narrow the scan; see [SearchOpts].
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]Hit, error) {
	args := []any{query} // $1 = ILIKE needle
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"s.text ILIKE '%' || $1 || '%'",
	}
	if opts.Speaker != "" {
		conditions = append(conditions, "s.speaker ILIKE "+next(opts.Speaker))
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
		"       s.start_sec, s.end_sec, s.speaker, s.text, s.confidence, s.match_type, s.band, s.reviewed\n" +
		"FROM   meeting_segments s\n" +
		"JOIN   meetings m ON m.id = s.meeting_id\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY m.held DESC, s.idx\n" +
		fmt.Sprintf("LIMIT  $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var (
			h        Hit
			matchTyp string
			band     string
		)
		err := row.Scan(
			&h.MeetingID, &h.Title, &h.Held,
			&h.Result.Target.Start, &h.Result.Target.End, &h.Result.Speaker,
			&h.Result.Target.Text, &h.Result.Confidence, &matchTyp, &band, &h.Result.Reviewed,
		)
		h.Result.Match = align.MatchType(matchTyp)
		h.Result.Band = align.Band(band)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan hits: %w", err)
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}

// scanAttribution scans one meeting_segments row back into an Attribution.
func scanAttribution(row pgx.CollectableRow) (align.Attribution, error) {
	var (
		a        align.Attribution
		matchTyp string
		band     string
	)
	err := row.Scan(
		&a.Target.Start, &a.Target.End, &a.Speaker, &a.Target.Text,
		&a.Confidence, &matchTyp, &band, &a.Reviewed,
	)
	a.Match = align.MatchType(matchTyp)
	a.Band = align.Band(band)
	return a, err
}
