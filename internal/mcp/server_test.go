package mcp_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/vkazmirchuk/voxalign/internal/align"
	"github.com/vkazmirchuk/voxalign/internal/app"
	"github.com/vkazmirchuk/voxalign/internal/archive"
	"github.com/vkazmirchuk/voxalign/internal/config"
	"github.com/vkazmirchuk/voxalign/internal/directory"
	"github.com/vkazmirchuk/voxalign/internal/mcp"
	"github.com/vkazmirchuk/voxalign/internal/observe"
	"github.com/vkazmirchuk/voxalign/pkg/provider/embeddings"
	embmock "github.com/vkazmirchuk/voxalign/pkg/provider/embeddings/mock"
)

const referenceVTT = `WEBVTT

1
00:00:00.000 --> 00:00:04.000
Anna Koval: lets look at the sprint board

2
00:00:04.000 --> 00:00:09.000
Boris Lem: three tickets rolled over from last week

3
00:00:09.000 --> 00:00:14.000
Anna Koval: carry them into the new sprint
`

const targetVTT = `WEBVTT

1
00:00:00.200 --> 00:00:03.800
Let's look at the sprint board.

2
00:00:04.100 --> 00:00:08.900
Three tickets rolled over from last week.

3
00:00:09.300 --> 00:00:13.700
Carry them into the new sprint.
`

// meetingDir creates a "Sprint Planning" folder with a matching pair of
// transcript exports.
func meetingDir(t *testing.T) string {
	t.Helper()
	folder := filepath.Join(t.TempDir(), "Sprint Planning")
	if err := os.Mkdir(folder, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, content := range map[string]string{
		"Sprint Planning.transcript.vtt": referenceVTT,
		"Sprint Planning.mp4.vtt":        targetVTT,
	} {
		if err := os.WriteFile(filepath.Join(folder, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return folder
}

func newApp(t *testing.T) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), config.Default(), nil)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return a
}

// connect serves srv over an in-memory transport and returns a connected
// client session. Cleanup closes the session and waits for the server.
func connect(t *testing.T, srv *mcp.Server) *mcpsdk.ClientSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	clientTr, serverTr := mcpsdk.NewInMemoryTransports()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, serverTr)
	}()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "voxalign-test", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTr, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		<-done
	})
	return session
}

func callTool(t *testing.T, session *mcpsdk.ClientSession, name string, args map[string]any) *mcpsdk.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	return res
}

// resultText concatenates the text content blocks of a tool result.
func resultText(t *testing.T, res *mcpsdk.CallToolResult) string {
	t.Helper()
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// decodeResult unmarshals the structured content of a tool result.
func decodeResult[T any](t *testing.T, res *mcpsdk.CallToolResult) T {
	t.Helper()
	var out T
	if res.StructuredContent == nil {
		t.Fatal("tool result has no structured content")
	}
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode structured content %s: %v", raw, err)
	}
	return out
}

// stubRunner satisfies mcp.Runner for tests that never call align_meeting.
type stubRunner struct {
	mu      sync.Mutex
	folders []string
	res     *app.RunResult
	err     error
}

func (r *stubRunner) Run(_ context.Context, folder string) (*app.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folders = append(r.folders, folder)
	if r.err != nil {
		return nil, r.err
	}
	if r.res == nil {
		return &app.RunResult{}, nil
	}
	return r.res, nil
}

// fakeSearcher scripts the archive behind meeting_search.
type fakeSearcher struct {
	mu       sync.Mutex
	hits     []archive.Hit
	semHits  []archive.SemanticHit
	err      error
	gotQuery string
	gotOpts  archive.SearchOpts
	gotEmb   embeddings.Provider
}

func (f *fakeSearcher) Search(_ context.Context, query string, opts archive.SearchOpts) ([]archive.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotQuery = query
	f.gotOpts = opts
	return f.hits, f.err
}

func (f *fakeSearcher) SemanticSearch(_ context.Context, query string, emb embeddings.Provider, opts archive.SearchOpts) ([]archive.SemanticHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotQuery = query
	f.gotOpts = opts
	f.gotEmb = emb
	return f.semHits, f.err
}

// seededDirectory returns a directory with one ingested meeting: Anna
// Koval on two segments, Boris Lem on one.
func seededDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	dir := directory.New(directory.NewMemStore(), nil)
	tr := align.Transcript{Results: []align.Attribution{
		{
			Target:     align.Segment{Start: 0.2, End: 3.8, Text: "Let's look at the sprint board."},
			Speaker:    "Anna Koval",
			Confidence: 0.95,
			Match:      align.MatchDirectSingle,
			Band:       align.BandHigh,
		},
		{
			Target:     align.Segment{Start: 4.1, End: 8.9, Text: "Three tickets rolled over from last week."},
			Speaker:    "Boris Lem",
			Confidence: 0.9,
			Match:      align.MatchDirectSingle,
			Band:       align.BandHigh,
		},
		{
			Target:     align.Segment{Start: 9.3, End: 13.7, Text: "Carry them into the new sprint."},
			Speaker:    "Anna Koval",
			Confidence: 0.85,
			Match:      align.MatchDirectSingle,
			Band:       align.BandHigh,
		},
	}}
	held := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	if err := dir.Ingest(context.Background(), tr, held); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return dir
}

type alignSummary struct {
	Meeting        string   `json:"meeting"`
	Segments       int      `json:"segments"`
	Speakers       []string `json:"speakers"`
	MeanConfidence float64  `json:"mean_confidence"`
	NeedsReview    int      `json:"needs_review"`
	Markdown       string   `json:"markdown"`
	JSONL          string   `json:"jsonl"`
	VTT            string   `json:"vtt"`
	MeetingID      string   `json:"meeting_id"`
}

func TestAlignMeetingTool(t *testing.T) {
	t.Parallel()

	folder := meetingDir(t)
	session := connect(t, mcp.New(newApp(t)))

	res := callTool(t, session, "align_meeting", map[string]any{"folder": folder})
	if res.IsError {
		t.Fatalf("align_meeting errored: %s", resultText(t, res))
	}

	out := decodeResult[alignSummary](t, res)
	if out.Meeting != "Sprint Planning" {
		t.Errorf("meeting = %q, want %q", out.Meeting, "Sprint Planning")
	}
	if out.Segments != 3 {
		t.Errorf("segments = %d, want 3", out.Segments)
	}
	wantSpeakers := []string{"Anna Koval", "Boris Lem"}
	if len(out.Speakers) != 2 || out.Speakers[0] != wantSpeakers[0] || out.Speakers[1] != wantSpeakers[1] {
		t.Errorf("speakers = %v, want %v", out.Speakers, wantSpeakers)
	}
	if out.MeanConfidence < 0.99 {
		t.Errorf("mean_confidence = %v, want ~1.0", out.MeanConfidence)
	}
	if out.NeedsReview != 0 {
		t.Errorf("needs_review = %d, want 0", out.NeedsReview)
	}
	if out.MeetingID != "" {
		t.Errorf("meeting_id = %q without an archive", out.MeetingID)
	}
	for _, path := range []string{out.Markdown, out.JSONL, out.VTT} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("output %s not written: %v", path, err)
		}
	}
}

func TestAlignMeetingToolReportsFailure(t *testing.T) {
	t.Parallel()

	session := connect(t, mcp.New(newApp(t)))

	res := callTool(t, session, "align_meeting", map[string]any{
		"folder": filepath.Join(t.TempDir(), "no-such-meeting"),
	})
	if !res.IsError {
		t.Fatal("align_meeting on a missing folder did not error")
	}
	if text := resultText(t, res); !strings.Contains(text, "read meeting folder") {
		t.Errorf("error %q does not name the failure", text)
	}
}

func TestAlignMeetingToolRejectsEmptyFolder(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{}
	session := connect(t, mcp.New(runner))

	res := callTool(t, session, "align_meeting", map[string]any{"folder": "  "})
	if !res.IsError {
		t.Fatal("align_meeting accepted an empty folder")
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.folders) != 0 {
		t.Errorf("runner was invoked %d times for an empty folder", len(runner.folders))
	}
}

type speakerRecord struct {
	Name           string   `json:"name"`
	Aliases        []string `json:"aliases"`
	Meetings       int      `json:"meetings"`
	Segments       int      `json:"segments"`
	SpokenSeconds  float64  `json:"spoken_seconds"`
	MeanConfidence float64  `json:"mean_confidence"`
	LastSeen       string   `json:"last_seen"`
}

func TestSpeakerStatsTool(t *testing.T) {
	t.Parallel()

	srv := mcp.New(&stubRunner{}, mcp.WithSpeakerDirectory(seededDirectory(t)))
	session := connect(t, srv)

	// A lone first name resolves through the fuzzy matcher.
	res := callTool(t, session, "speaker_stats", map[string]any{"name": "anna"})
	if res.IsError {
		t.Fatalf("speaker_stats errored: %s", resultText(t, res))
	}

	out := decodeResult[speakerRecord](t, res)
	if out.Name != "Anna Koval" {
		t.Errorf("name = %q, want %q", out.Name, "Anna Koval")
	}
	if out.Meetings != 1 {
		t.Errorf("meetings = %d, want 1", out.Meetings)
	}
	if out.Segments != 2 {
		t.Errorf("segments = %d, want 2", out.Segments)
	}
	if want := 8.0; out.SpokenSeconds < want-0.01 || out.SpokenSeconds > want+0.01 {
		t.Errorf("spoken_seconds = %v, want %v", out.SpokenSeconds, want)
	}
	if !strings.HasPrefix(out.LastSeen, "2026-08-10") {
		t.Errorf("last_seen = %q, want the held date", out.LastSeen)
	}
}

func TestSpeakerStatsToolUnknownName(t *testing.T) {
	t.Parallel()

	srv := mcp.New(&stubRunner{}, mcp.WithSpeakerDirectory(seededDirectory(t)))
	session := connect(t, srv)

	res := callTool(t, session, "speaker_stats", map[string]any{"name": "Zed"})
	if !res.IsError {
		t.Fatal("speaker_stats matched a name nobody carries")
	}
	text := resultText(t, res)
	if !strings.Contains(text, `"Zed"`) {
		t.Errorf("error %q does not echo the queried name", text)
	}
	if !strings.Contains(text, "Anna Koval") {
		t.Errorf("error %q does not list the known speakers", text)
	}
}

type searchResponse struct {
	Hits []struct {
		MeetingID  string  `json:"meeting_id"`
		Title      string  `json:"title"`
		Held       string  `json:"held"`
		Speaker    string  `json:"speaker"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
		Distance   float64 `json:"distance"`
	} `json:"hits"`
}

func TestMeetingSearchTool(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	fake := &fakeSearcher{hits: []archive.Hit{{
		MeetingID: id,
		Title:     "Weekly Standup",
		Held:      time.Date(2026, 7, 3, 10, 0, 0, 0, time.UTC),
		Result: align.Attribution{
			Target:     align.Segment{Start: 42, End: 47.5, Text: "The deploy finished late yesterday."},
			Speaker:    "Boris Lem",
			Confidence: 0.92,
			Match:      align.MatchDirectSingle,
			Band:       align.BandHigh,
		},
	}}}
	session := connect(t, mcp.New(&stubRunner{}, mcp.WithArchive(fake, nil)))

	res := callTool(t, session, "meeting_search", map[string]any{
		"query":   "deploy",
		"speaker": "Boris Lem",
		"after":   "2026-07-01",
		"limit":   5,
	})
	if res.IsError {
		t.Fatalf("meeting_search errored: %s", resultText(t, res))
	}

	out := decodeResult[searchResponse](t, res)
	if len(out.Hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(out.Hits))
	}
	hit := out.Hits[0]
	if hit.MeetingID != id.String() {
		t.Errorf("meeting_id = %q, want %q", hit.MeetingID, id.String())
	}
	if hit.Title != "Weekly Standup" || hit.Held != "2026-07-03" {
		t.Errorf("hit cites %q on %q, want Weekly Standup on 2026-07-03", hit.Title, hit.Held)
	}
	if hit.Speaker != "Boris Lem" || hit.Text != "The deploy finished late yesterday." {
		t.Errorf("hit = %q by %q, want the scripted segment", hit.Text, hit.Speaker)
	}
	if hit.Start != 42 || hit.End != 47.5 {
		t.Errorf("hit timing = [%v, %v], want [42, 47.5]", hit.Start, hit.End)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.gotQuery != "deploy" {
		t.Errorf("query = %q, want %q", fake.gotQuery, "deploy")
	}
	if fake.gotOpts.Speaker != "Boris Lem" || fake.gotOpts.Limit != 5 {
		t.Errorf("opts = %+v, want speaker and limit forwarded", fake.gotOpts)
	}
	if want := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC); !fake.gotOpts.After.Equal(want) {
		t.Errorf("after = %v, want %v", fake.gotOpts.After, want)
	}
}

func TestMeetingSearchToolSemantic(t *testing.T) {
	t.Parallel()

	emb := &embmock.Provider{DimensionsValue: 4, ModelIDValue: "test-embed"}
	fake := &fakeSearcher{semHits: []archive.SemanticHit{{
		MeetingID: uuid.New(),
		Title:     "Incident Review",
		Held:      time.Date(2026, 6, 12, 0, 0, 0, 0, time.UTC),
		Turn: archive.Turn{
			Speaker: "Anna Koval",
			Start:   120,
			End:     145,
			Text:    "The rollout stalled on the migration step and we rolled back.",
		},
		Distance: 0.18,
	}}}
	session := connect(t, mcp.New(&stubRunner{}, mcp.WithArchive(fake, emb)))

	res := callTool(t, session, "meeting_search", map[string]any{
		"query":    "why did the rollout fail",
		"semantic": true,
	})
	if res.IsError {
		t.Fatalf("meeting_search errored: %s", resultText(t, res))
	}

	out := decodeResult[searchResponse](t, res)
	if len(out.Hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(out.Hits))
	}
	if out.Hits[0].Distance != 0.18 {
		t.Errorf("distance = %v, want 0.18", out.Hits[0].Distance)
	}
	if out.Hits[0].Speaker != "Anna Koval" {
		t.Errorf("speaker = %q, want %q", out.Hits[0].Speaker, "Anna Koval")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.gotEmb != emb {
		t.Error("semantic search did not receive the configured embeddings provider")
	}
}

func TestMeetingSearchToolSemanticUnavailable(t *testing.T) {
	t.Parallel()

	session := connect(t, mcp.New(&stubRunner{}, mcp.WithArchive(&fakeSearcher{}, nil)))

	res := callTool(t, session, "meeting_search", map[string]any{
		"query":    "rollout",
		"semantic": true,
	})
	if !res.IsError {
		t.Fatal("semantic search succeeded without an embeddings provider")
	}
	if text := resultText(t, res); !strings.Contains(text, "embeddings") {
		t.Errorf("error %q does not explain what is missing", text)
	}
}

func TestMeetingSearchToolRejectsBadDate(t *testing.T) {
	t.Parallel()

	session := connect(t, mcp.New(&stubRunner{}, mcp.WithArchive(&fakeSearcher{}, nil)))

	res := callTool(t, session, "meeting_search", map[string]any{
		"query": "rollout",
		"after": "next tuesday",
	})
	if !res.IsError {
		t.Fatal("meeting_search accepted an unparseable date")
	}
	if text := resultText(t, res); !strings.Contains(text, "YYYY-MM-DD") {
		t.Errorf("error %q does not state the expected format", text)
	}
}

func TestToolListReflectsConfiguration(t *testing.T) {
	t.Parallel()

	listTools := func(t *testing.T, srv *mcp.Server) []string {
		t.Helper()
		session := connect(t, srv)
		var names []string
		for tool, err := range session.Tools(context.Background(), nil) {
			if err != nil {
				t.Fatalf("list tools: %v", err)
			}
			names = append(names, tool.Name)
		}
		sort.Strings(names)
		return names
	}

	t.Run("bare", func(t *testing.T) {
		t.Parallel()
		got := listTools(t, mcp.New(&stubRunner{}))
		want := []string{"align_meeting"}
		if len(got) != 1 || got[0] != want[0] {
			t.Errorf("tools = %v, want %v", got, want)
		}
	})

	t.Run("full", func(t *testing.T) {
		t.Parallel()
		srv := mcp.New(&stubRunner{},
			mcp.WithSpeakerDirectory(seededDirectory(t)),
			mcp.WithArchive(&fakeSearcher{}, nil),
		)
		got := listTools(t, srv)
		want := []string{"align_meeting", "meeting_search", "speaker_stats"}
		if len(got) != len(want) {
			t.Fatalf("tools = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("tools = %v, want %v", got, want)
				break
			}
		}
	})
}

func TestToolCallsRecordOutcome(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	srv := mcp.New(&stubRunner{},
		mcp.WithSpeakerDirectory(seededDirectory(t)),
		mcp.WithMetrics(metrics),
	)
	session := connect(t, srv)

	callTool(t, session, "speaker_stats", map[string]any{"name": "anna"})
	callTool(t, session, "speaker_stats", map[string]any{"name": "Zed"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := toolCallCount(rm, "speaker_stats", "ok"); got != 1 {
		t.Errorf("ok calls = %d, want 1", got)
	}
	if got := toolCallCount(rm, "speaker_stats", "error"); got != 1 {
		t.Errorf("error calls = %d, want 1", got)
	}
}

// toolCallCount digs the counter value for one tool/status pair out of
// collected metrics.
func toolCallCount(rm metricdata.ResourceMetrics, tool, status string) int64 {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxalign.tool.calls" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				tv, _ := dp.Attributes.Value(attribute.Key("tool"))
				sv, _ := dp.Attributes.Value(attribute.Key("status"))
				if tv.AsString() == tool && sv.AsString() == status {
					return dp.Value
				}
			}
		}
	}
	return 0
}
