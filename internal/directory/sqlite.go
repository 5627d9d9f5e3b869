package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time assertion that SQLiteStore satisfies the Store interface.
var _ Store = (*SQLiteStore)(nil)

// schema creates the directory tables on first open. Aliases live in
// their own table so lookups stay plain SQL.
const schema = `
CREATE TABLE IF NOT EXISTS speakers (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	email           TEXT NOT NULL DEFAULT '',
	meetings        INTEGER NOT NULL DEFAULT 0,
	segments        INTEGER NOT NULL DEFAULT 0,
	spoken_seconds  REAL NOT NULL DEFAULT 0,
	mean_confidence REAL NOT NULL DEFAULT 0,
	last_seen       REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_speakers_name ON speakers(name);

CREATE TABLE IF NOT EXISTS speaker_aliases (
	speaker_id TEXT NOT NULL,
	alias      TEXT NOT NULL,
	PRIMARY KEY (speaker_id, alias)
);
CREATE INDEX IF NOT EXISTS idx_speaker_aliases_alias ON speaker_aliases(alias);
`

// SQLiteStore is a [Store] backed by a local SQLite file, the default
// for single-machine use. The driver is pure Go (modernc.org/sqlite),
// so no cgo toolchain is needed.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the speaker directory at
// path and applies the schema. The database runs in WAL mode with a
// busy timeout so a concurrently-running MCP server and CLI do not
// trip over each other.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert implements [Store.Upsert]. The record and its aliases are
// replaced in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, sp Speaker) error {
	if sp.ID == "" {
		return ErrMissingID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("directory: begin upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO speakers
			(id, name, email, meetings, segments, spoken_seconds, mean_confidence, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sp.ID, sp.Name, sp.Email, sp.Meetings, sp.Segments, sp.SpokenSeconds, sp.MeanConfidence, unixSeconds(sp.LastSeen))
	if err != nil {
		return fmt.Errorf("directory: upsert speaker: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM speaker_aliases WHERE speaker_id = ?`, sp.ID); err != nil {
		return fmt.Errorf("directory: clear aliases: %w", err)
	}
	for _, alias := range sp.Aliases {
		if _, err := tx.ExecContext(ctx, `INSERT INTO speaker_aliases (speaker_id, alias) VALUES (?, ?)`, sp.ID, alias); err != nil {
			return fmt.Errorf("directory: insert alias %q: %w", alias, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("directory: commit upsert: %w", err)
	}
	return nil
}

// Get implements [Store.Get].
func (s *SQLiteStore) Get(ctx context.Context, name string) (Speaker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, meetings, segments, spoken_seconds, mean_confidence, last_seen
		FROM speakers
		WHERE name = ? COLLATE NOCASE
		   OR id IN (SELECT speaker_id FROM speaker_aliases WHERE alias = ? COLLATE NOCASE)
		LIMIT 1
	`, name, name)

	sp, err := scanSpeaker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Speaker{}, ErrNotFound
		}
		return Speaker{}, fmt.Errorf("directory: get speaker: %w", err)
	}

	sp.Aliases, err = s.aliasesFor(ctx, sp.ID)
	if err != nil {
		return Speaker{}, err
	}
	return sp, nil
}

// List implements [Store.List].
func (s *SQLiteStore) List(ctx context.Context) ([]Speaker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, meetings, segments, spoken_seconds, mean_confidence, last_seen
		FROM speakers
		ORDER BY spoken_seconds DESC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("directory: list speakers: %w", err)
	}
	defer rows.Close()

	var speakers []Speaker
	index := make(map[string]int)
	for rows.Next() {
		sp, err := scanSpeaker(rows)
		if err != nil {
			return nil, fmt.Errorf("directory: scan speaker: %w", err)
		}
		index[sp.ID] = len(speakers)
		speakers = append(speakers, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: list speakers: %w", err)
	}

	aliasRows, err := s.db.QueryContext(ctx, `SELECT speaker_id, alias FROM speaker_aliases ORDER BY alias ASC`)
	if err != nil {
		return nil, fmt.Errorf("directory: list aliases: %w", err)
	}
	defer aliasRows.Close()

	for aliasRows.Next() {
		var id, alias string
		if err := aliasRows.Scan(&id, &alias); err != nil {
			return nil, fmt.Errorf("directory: scan alias: %w", err)
		}
		if i, ok := index[id]; ok {
			speakers[i].Aliases = append(speakers[i].Aliases, alias)
		}
	}
	return speakers, aliasRows.Err()
}

// Remove implements [Store.Remove].
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("directory: begin remove: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM speakers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("directory: remove speaker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("directory: remove speaker: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM speaker_aliases WHERE speaker_id = ?`, id); err != nil {
		return fmt.Errorf("directory: remove aliases: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("directory: commit remove: %w", err)
	}
	return nil
}

// aliasesFor returns the sorted aliases of one speaker.
func (s *SQLiteStore) aliasesFor(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias FROM speaker_aliases WHERE speaker_id = ? ORDER BY alias ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("directory: query aliases: %w", err)
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("directory: scan alias: %w", err)
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSpeaker(row scanner) (Speaker, error) {
	var sp Speaker
	var lastSeen float64
	if err := row.Scan(&sp.ID, &sp.Name, &sp.Email, &sp.Meetings, &sp.Segments,
		&sp.SpokenSeconds, &sp.MeanConfidence, &lastSeen); err != nil {
		return Speaker{}, err
	}
	sp.LastSeen = timeFromUnix(lastSeen)
	return sp, nil
}

// unixSeconds converts t to fractional Unix seconds; the zero time maps
// to 0 so never-seen speakers sort before everyone else.
func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
