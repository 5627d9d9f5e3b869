package archive_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vkazmirchuk/voxalign/internal/align"
	"github.com/vkazmirchuk/voxalign/internal/archive"
	embmock "github.com/vkazmirchuk/voxalign/pkg/provider/embeddings/mock"
)

const testEmbeddingDims = 4

func att(start, end float64, speaker, text string) align.Attribution {
	return align.Attribution{
		Target:     align.Segment{Start: start, End: end, Text: text},
		Speaker:    speaker,
		Confidence: 0.9,
		Match:      align.MatchDirectSingle,
		Band:       align.BandExcellent,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Turn collapsing (no database required)
// ─────────────────────────────────────────────────────────────────────────────

func TestTurns(t *testing.T) {
	t.Parallel()

	tr := align.Transcript{Results: []align.Attribution{
		att(0, 4, "anna", "let's start with"),
		att(4, 9, "anna", "the incident review"),
		att(9, 15, "boris", "the deploy failed at noon"),
		att(15, 20, "anna", "which service?"),
	}}

	turns := archive.Turns(tr)
	if len(turns) != 3 {
		t.Fatalf("Turns produced %d turns, want 3", len(turns))
	}
	first := turns[0]
	if first.Speaker != "anna" || first.Start != 0 || first.End != 9 {
		t.Errorf("first turn = %+v, want anna over [0,9)", first)
	}
	if first.Text != "let's start with the incident review" {
		t.Errorf("first turn text = %q, want the two segments joined", first.Text)
	}
	if turns[1].Speaker != "boris" || turns[2].Speaker != "anna" {
		t.Errorf("turn speakers = %q, %q, want boris then anna", turns[1].Speaker, turns[2].Speaker)
	}
}

func TestTurnsEmptyTranscript(t *testing.T) {
	t.Parallel()

	if turns := archive.Turns(align.Transcript{}); len(turns) != 0 {
		t.Errorf("Turns on empty transcript = %v, want none", turns)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// PostgreSQL integration
// ─────────────────────────────────────────────────────────────────────────────

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXALIGN_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXALIGN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXALIGN_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore opens a fresh archive.Store against a clean schema and
// registers cleanup to close it.
func newTestStore(t *testing.T) *archive.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS meeting_turns CASCADE",
		"DROP TABLE IF EXISTS meeting_segments CASCADE",
		"DROP TABLE IF EXISTS meetings CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}

	store, err := archive.Open(ctx, dsn, testEmbeddingDims)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func standupTranscript() align.Transcript {
	return align.Transcript{Results: []align.Attribution{
		att(0, 4, "anna", "let's start with the incident review"),
		att(4, 9, "boris", "the deploy failed at noon"),
		att(9, 15, "anna", "which service was it"),
	}}
}

func TestSaveAndGetMeeting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	held := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	saved, err := store.SaveMeeting(ctx, "weekly standup", held, standupTranscript())
	if err != nil {
		t.Fatalf("SaveMeeting: %v", err)
	}
	if saved.ID == uuid.Nil {
		t.Fatal("SaveMeeting returned a nil meeting ID")
	}
	if saved.Segments != 3 || saved.DurationSeconds != 15 {
		t.Errorf("saved summary = %d segments over %vs, want 3 over 15s", saved.Segments, saved.DurationSeconds)
	}

	got, err := store.Meeting(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Meeting: %v", err)
	}
	if got.Title != "weekly standup" || !got.Held.Equal(held) {
		t.Errorf("Meeting = %q held %v, want the saved row", got.Title, got.Held)
	}
	if len(got.Speakers) != 2 {
		t.Errorf("Meeting speakers = %v, want anna and boris", got.Speakers)
	}

	recent, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != saved.ID {
		t.Errorf("Recent = %v, want just the saved meeting", recent)
	}
}

func TestMeetingNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Meeting(ctx, uuid.New()); !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("Meeting for unknown id = %v, want ErrNotFound", err)
	}
	if _, err := store.Transcript(ctx, uuid.New()); !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("Transcript for unknown id = %v, want ErrNotFound", err)
	}
}

func TestTranscriptRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := standupTranscript()
	in.Results[1].Match = align.MatchDirectContested
	in.Results[1].Reviewed = true

	saved, err := store.SaveMeeting(ctx, "standup", time.Now(), in)
	if err != nil {
		t.Fatalf("SaveMeeting: %v", err)
	}

	out, err := store.Transcript(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(out.Results) != len(in.Results) {
		t.Fatalf("Transcript has %d segments, want %d", len(out.Results), len(in.Results))
	}
	for i, want := range in.Results {
		got := out.Results[i]
		if got.Target.Start != want.Target.Start || got.Target.End != want.Target.End {
			t.Errorf("segment %d timing = [%v,%v), want [%v,%v)", i, got.Target.Start, got.Target.End, want.Target.Start, want.Target.End)
		}
		if got.Target.Text != want.Target.Text {
			t.Errorf("segment %d text = %q, want %q", i, got.Target.Text, want.Target.Text)
		}
		if got.Speaker != want.Speaker || got.Match != want.Match || got.Band != want.Band || got.Reviewed != want.Reviewed {
			t.Errorf("segment %d attribution = %+v, want %+v", i, got, want)
		}
	}
}

func TestSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	march3 := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	march10 := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	first, err := store.SaveMeeting(ctx, "standup 1", march3, align.Transcript{Results: []align.Attribution{
		att(0, 4, "anna", "the deploy pipeline is green"),
		att(4, 8, "boris", "metrics look stable"),
	}})
	if err != nil {
		t.Fatalf("SaveMeeting 1: %v", err)
	}
	second, err := store.SaveMeeting(ctx, "standup 2", march10, align.Transcript{Results: []align.Attribution{
		att(0, 4, "anna", "the deploy failed again"),
		att(4, 8, "clara", "rollback took an hour"),
	}})
	if err != nil {
		t.Fatalf("SaveMeeting 2: %v", err)
	}

	t.Run("across meetings newest first", func(t *testing.T) {
		hits, err := store.Search(ctx, "deploy", archive.SearchOpts{})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("Search found %d hits, want 2", len(hits))
		}
		if hits[0].MeetingID != second.ID || hits[1].MeetingID != first.ID {
			t.Errorf("hit order = %v then %v, want newest meeting first", hits[0].MeetingID, hits[1].MeetingID)
		}
	})

	t.Run("case insensitive", func(t *testing.T) {
		hits, err := store.Search(ctx, "DEPLOY", archive.SearchOpts{})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 2 {
			t.Errorf("Search found %d hits, want 2", len(hits))
		}
	})

	t.Run("speaker filter", func(t *testing.T) {
		hits, err := store.Search(ctx, "rollback", archive.SearchOpts{Speaker: "Clara"})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 1 || hits[0].Result.Speaker != "clara" {
			t.Errorf("speaker filter hits = %v, want clara's segment", hits)
		}
	})

	t.Run("date filter", func(t *testing.T) {
		hits, err := store.Search(ctx, "deploy", archive.SearchOpts{After: march3.AddDate(0, 0, 2)})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 1 || hits[0].MeetingID != second.ID {
			t.Errorf("after filter hits = %v, want only the later meeting", hits)
		}
	})

	t.Run("meeting scope", func(t *testing.T) {
		hits, err := store.Search(ctx, "deploy", archive.SearchOpts{Meeting: first.ID})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 1 || hits[0].MeetingID != first.ID {
			t.Errorf("meeting scope hits = %v, want only the first meeting", hits)
		}
	})

	t.Run("limit", func(t *testing.T) {
		hits, err := store.Search(ctx, "deploy", archive.SearchOpts{Limit: 1})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 1 {
			t.Errorf("limit 1 returned %d hits", len(hits))
		}
	})

	t.Run("no match", func(t *testing.T) {
		hits, err := store.Search(ctx, "kubernetes", archive.SearchOpts{})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 0 {
			t.Errorf("Search found %d hits, want none", len(hits))
		}
	})
}

func TestSemanticIndexAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	saved, err := store.SaveMeeting(ctx, "standup", time.Now(), standupTranscript())
	if err != nil {
		t.Fatalf("SaveMeeting: %v", err)
	}

	// standupTranscript collapses to three turns: anna, boris, anna.
	emb := &embmock.Provider{
		DimensionsValue: testEmbeddingDims,
		ModelIDValue:    "test-embed-v1",
		EmbedBatchResult: [][]float32{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
		},
	}
	n, err := store.IndexTurns(ctx, saved.ID, emb)
	if err != nil {
		t.Fatalf("IndexTurns: %v", err)
	}
	if n != 3 {
		t.Errorf("IndexTurns indexed %d turns, want 3", n)
	}
	if len(emb.EmbedBatchCalls) != 1 {
		t.Fatalf("EmbedBatch called %d times, want 1", len(emb.EmbedBatchCalls))
	}
	if got := emb.EmbedBatchCalls[0].Texts[0]; got != "anna: let's start with the incident review" {
		t.Errorf("first embedded text = %q, want speaker-prefixed turn", got)
	}

	emb.EmbedResult = []float32{0, 1, 0, 0}
	hits, err := store.SemanticSearch(ctx, "what broke the deploy", emb, archive.SearchOpts{Limit: 2})
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("SemanticSearch returned %d hits, want 2", len(hits))
	}
	if hits[0].Turn.Speaker != "boris" {
		t.Errorf("closest turn speaker = %q (distance %v), want boris", hits[0].Turn.Speaker, hits[0].Distance)
	}
	if hits[0].MeetingID != saved.ID || hits[0].Title != "standup" {
		t.Errorf("hit meeting = %v %q, want the saved meeting", hits[0].MeetingID, hits[0].Title)
	}

	t.Run("speaker filter", func(t *testing.T) {
		hits, err := store.SemanticSearch(ctx, "incident", emb, archive.SearchOpts{Speaker: "anna"})
		if err != nil {
			t.Fatalf("SemanticSearch: %v", err)
		}
		for _, h := range hits {
			if h.Turn.Speaker != "anna" {
				t.Errorf("speaker filter returned a turn by %q", h.Turn.Speaker)
			}
		}
		if len(hits) != 2 {
			t.Errorf("speaker filter returned %d hits, want anna's 2 turns", len(hits))
		}
	})

	t.Run("reindex replaces", func(t *testing.T) {
		if _, err := store.IndexTurns(ctx, saved.ID, emb); err != nil {
			t.Fatalf("second IndexTurns: %v", err)
		}
		hits, err := store.SemanticSearch(ctx, "anything", emb, archive.SearchOpts{Limit: 10})
		if err != nil {
			t.Fatalf("SemanticSearch: %v", err)
		}
		if len(hits) != 3 {
			t.Errorf("turns after reindex = %d, want 3", len(hits))
		}
	})
}

func TestSemanticDimensionMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	emb := &embmock.Provider{DimensionsValue: testEmbeddingDims + 1}
	if _, err := store.IndexTurns(ctx, uuid.New(), emb); err == nil {
		t.Error("IndexTurns accepted a provider with the wrong dimensionality")
	}
	if _, err := store.SemanticSearch(ctx, "q", emb, archive.SearchOpts{}); err == nil {
		t.Error("SemanticSearch accepted a provider with the wrong dimensionality")
	}
	if len(emb.EmbedCalls)+len(emb.EmbedBatchCalls) != 0 {
		t.Error("dimension check should run before any embedding call")
	}
}
