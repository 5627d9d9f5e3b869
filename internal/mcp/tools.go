package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vkazmirchuk/voxalign/internal/align"
	"github.com/vkazmirchuk/voxalign/internal/archive"
	"github.com/vkazmirchuk/voxalign/internal/directory"
)

// Tool inputs and outputs stick to JSON-native field types. The SDK
// infers schemas from these structs and validates results against them,
// so uuids and timestamps travel as strings.

// alignMeetingArgs is the input for the align_meeting tool.
type alignMeetingArgs struct {
	Folder string `json:"folder" jsonschema:"path to a meeting folder holding the speaker-labeled and clean transcript exports"`
}

// alignMeetingResult summarizes one pipeline run.
type alignMeetingResult struct {
	Meeting        string   `json:"meeting"`
	Segments       int      `json:"segments"`
	Speakers       []string `json:"speakers"`
	MeanConfidence float64  `json:"mean_confidence"`
	NeedsReview    int      `json:"needs_review"`
	ReviewChanged  int      `json:"review_changed,omitempty"`
	Markdown       string   `json:"markdown"`
	JSONL          string   `json:"jsonl"`
	VTT            string   `json:"vtt"`
	MeetingID      string   `json:"meeting_id,omitempty"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
}

func (s *Server) alignMeeting(ctx context.Context, _ *mcpsdk.CallToolRequest, args alignMeetingArgs) (*mcpsdk.CallToolResult, alignMeetingResult, error) {
	if strings.TrimSpace(args.Folder) == "" {
		return nil, alignMeetingResult{}, fmt.Errorf("folder must not be empty")
	}

	res, err := s.runner.Run(ctx, args.Folder)
	if err != nil {
		return nil, alignMeetingResult{}, err
	}

	out := alignMeetingResult{
		Meeting:        res.Meeting,
		Segments:       res.Stats.Segments,
		Speakers:       speakerNames(res.Stats),
		MeanConfidence: res.Stats.MeanConfidence,
		NeedsReview:    res.Stats.NeedsReview,
		ReviewChanged:  res.Review.Changed,
		Markdown:       res.Outputs.Markdown,
		JSONL:          res.Outputs.JSONL,
		VTT:            res.Outputs.VTT,
		ElapsedSeconds: res.Elapsed.Seconds(),
	}
	if res.Archived {
		out.MeetingID = res.MeetingID.String()
	}
	return nil, out, nil
}

// speakerNames lists attributed speakers in speaking-time order.
func speakerNames(stats align.Stats) []string {
	names := make([]string, 0, len(stats.Speakers))
	for _, ss := range stats.Speakers {
		if ss.Speaker == align.SpeakerUnknown {
			continue
		}
		names = append(names, ss.Speaker)
	}
	return names
}

// speakerStatsArgs is the input for the speaker_stats tool.
type speakerStatsArgs struct {
	Name string `json:"name" jsonschema:"speaker name to look up; partial or misspelled names match fuzzily"`
}

// speakerStatsResult is one directory record.
type speakerStatsResult struct {
	Name           string   `json:"name"`
	Aliases        []string `json:"aliases,omitempty"`
	Email          string   `json:"email,omitempty"`
	Meetings       int      `json:"meetings"`
	Segments       int      `json:"segments"`
	SpokenSeconds  float64  `json:"spoken_seconds"`
	MeanConfidence float64  `json:"mean_confidence"`
	LastSeen       string   `json:"last_seen,omitempty"`
}

func (s *Server) speakerStats(ctx context.Context, _ *mcpsdk.CallToolRequest, args speakerStatsArgs) (*mcpsdk.CallToolResult, speakerStatsResult, error) {
	if strings.TrimSpace(args.Name) == "" {
		return nil, speakerStatsResult{}, fmt.Errorf("name must not be empty")
	}

	sp, err := s.dir.Lookup(ctx, args.Name)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, speakerStatsResult{}, s.speakerNotFound(ctx, args.Name)
	}
	if err != nil {
		return nil, speakerStatsResult{}, err
	}

	out := speakerStatsResult{
		Name:           sp.Name,
		Aliases:        sp.Aliases,
		Email:          sp.Email,
		Meetings:       sp.Meetings,
		Segments:       sp.Segments,
		SpokenSeconds:  sp.SpokenSeconds,
		MeanConfidence: sp.MeanConfidence,
	}
	if !sp.LastSeen.IsZero() {
		out.LastSeen = sp.LastSeen.UTC().Format(time.RFC3339)
	}
	return nil, out, nil
}

// speakerNotFound names who is on record so the caller can correct the
// lookup instead of guessing blind.
func (s *Server) speakerNotFound(ctx context.Context, name string) error {
	const maxListed = 12

	all, err := s.dir.List(ctx)
	if err != nil || len(all) == 0 {
		return fmt.Errorf("no speaker matching %q on record", name)
	}
	names := make([]string, 0, min(len(all), maxListed))
	for _, sp := range all[:min(len(all), maxListed)] {
		names = append(names, sp.Name)
	}
	return fmt.Errorf("no speaker matching %q on record; known speakers: %s",
		name, strings.Join(names, ", "))
}

// meetingSearchArgs is the input for the meeting_search tool.
type meetingSearchArgs struct {
	Query    string `json:"query" jsonschema:"text to find in archived meeting transcripts"`
	Speaker  string `json:"speaker,omitempty" jsonschema:"only segments attributed to this speaker"`
	After    string `json:"after,omitempty" jsonschema:"only meetings held after this date (YYYY-MM-DD or RFC 3339)"`
	Before   string `json:"before,omitempty" jsonschema:"only meetings held before this date (YYYY-MM-DD or RFC 3339)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of hits, default 20"`
	Semantic bool   `json:"semantic,omitempty" jsonschema:"rank speaker turns by embedding similarity instead of matching substrings"`
}

// searchHit is one matched segment or speaker turn.
type searchHit struct {
	MeetingID  string  `json:"meeting_id"`
	Title      string  `json:"title"`
	Held       string  `json:"held,omitempty"`
	Speaker    string  `json:"speaker"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Distance   float64 `json:"distance,omitempty"`
}

// meetingSearchResult is the output of the meeting_search tool.
type meetingSearchResult struct {
	Hits []searchHit `json:"hits"`
}

func (s *Server) meetingSearch(ctx context.Context, _ *mcpsdk.CallToolRequest, args meetingSearchArgs) (*mcpsdk.CallToolResult, meetingSearchResult, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, meetingSearchResult{}, fmt.Errorf("query must not be empty")
	}

	opts := archive.SearchOpts{Speaker: args.Speaker, Limit: args.Limit}
	var err error
	if opts.After, err = parseDate(args.After); err != nil {
		return nil, meetingSearchResult{}, err
	}
	if opts.Before, err = parseDate(args.Before); err != nil {
		return nil, meetingSearchResult{}, err
	}

	out := meetingSearchResult{Hits: []searchHit{}}

	if args.Semantic {
		if s.emb == nil {
			return nil, meetingSearchResult{}, fmt.Errorf("semantic search needs an embeddings provider; retry without semantic")
		}
		hits, err := s.search.SemanticSearch(ctx, args.Query, s.emb, opts)
		if err != nil {
			return nil, meetingSearchResult{}, err
		}
		for _, h := range hits {
			out.Hits = append(out.Hits, searchHit{
				MeetingID: h.MeetingID.String(),
				Title:     h.Title,
				Held:      formatHeld(h.Held),
				Speaker:   h.Turn.Speaker,
				Start:     h.Turn.Start,
				End:       h.Turn.End,
				Text:      h.Turn.Text,
				Distance:  h.Distance,
			})
		}
		return nil, out, nil
	}

	hits, err := s.search.Search(ctx, args.Query, opts)
	if err != nil {
		return nil, meetingSearchResult{}, err
	}
	for _, h := range hits {
		out.Hits = append(out.Hits, searchHit{
			MeetingID:  h.MeetingID.String(),
			Title:      h.Title,
			Held:       formatHeld(h.Held),
			Speaker:    h.Result.Speaker,
			Start:      h.Result.Target.Start,
			End:        h.Result.Target.End,
			Text:       h.Result.Target.Text,
			Confidence: h.Result.Confidence,
		})
	}
	return nil, out, nil
}

// parseDate accepts a bare date or a full RFC 3339 timestamp.
func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: use YYYY-MM-DD or RFC 3339", v)
	}
	return t, nil
}

func formatHeld(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
