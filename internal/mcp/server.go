// Package mcp exposes the aligner to agents over the Model Context
// Protocol.
//
// Three tools mirror what the CLI can do: align_meeting runs the full
// pipeline on one meeting folder, speaker_stats answers from the
// cross-meeting speaker directory, and meeting_search queries the
// Postgres archive. Tools whose backing sink is not configured are not
// registered, so a client's tool list reflects the deployment.
//
// Handler failures come back as tool errors inside the result, never as
// protocol failures: the agent sees the message and can correct its
// call.
package mcp

import (
	"context"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"

	"github.com/vkazmirchuk/voxalign/internal/app"
	"github.com/vkazmirchuk/voxalign/internal/archive"
	"github.com/vkazmirchuk/voxalign/internal/directory"
	"github.com/vkazmirchuk/voxalign/internal/observe"
	"github.com/vkazmirchuk/voxalign/pkg/provider/embeddings"
)

const instructions = `voxalign attributes speakers to meeting transcripts. Point align_meeting
at a folder holding a speaker-labeled transcript export next to a cleaner
unlabeled one; the aligned markdown, JSONL and VTT land in the same folder.
speaker_stats and meeting_search answer from the speaker directory and the
meeting archive accumulated by previous runs.`

// Runner runs the alignment pipeline on one meeting folder. *app.App
// implements it.
type Runner interface {
	Run(ctx context.Context, folder string) (*app.RunResult, error)
}

// Searcher queries archived meeting transcripts. *archive.Store
// implements it.
type Searcher interface {
	Search(ctx context.Context, query string, opts archive.SearchOpts) ([]archive.Hit, error)
	SemanticSearch(ctx context.Context, query string, emb embeddings.Provider, opts archive.SearchOpts) ([]archive.SemanticHit, error)
}

// Server serves the voxalign tool set over an MCP transport.
type Server struct {
	runner  Runner
	dir     *directory.Directory
	search  Searcher
	emb     embeddings.Provider
	metrics *observe.Metrics

	srv *mcpsdk.Server
}

// Option is a functional option for New.
type Option func(*Server)

// WithSpeakerDirectory enables the speaker_stats tool backed by d.
func WithSpeakerDirectory(d *directory.Directory) Option {
	return func(s *Server) { s.dir = d }
}

// WithArchive enables the meeting_search tool backed by search. A nil
// emb leaves substring search working and rejects semantic queries.
func WithArchive(search Searcher, emb embeddings.Provider) Option {
	return func(s *Server) {
		s.search = search
		s.emb = emb
	}
}

// WithMetrics overrides the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the tool server around runner, which must be non-nil.
// Optional tools appear only when their sink is wired in via options.
func New(runner Runner, opts ...Option) *Server {
	s := &Server{runner: runner}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	srv := mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: "voxalign", Version: "1.0.0"},
		&mcpsdk.ServerOptions{Instructions: instructions},
	)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name: "align_meeting",
		Description: "Align the transcripts in a meeting folder: attribute every fragment " +
			"of the clean transcript to a speaker from the labeled one, write the " +
			"markdown, JSONL and VTT outputs into the folder, and return a run summary.",
	}, timed(s, "align_meeting", s.alignMeeting))

	if s.dir != nil {
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name: "speaker_stats",
			Description: "Look up a speaker in the cross-meeting directory by name. " +
				"Partial or misspelled names are matched fuzzily. Returns meeting count, " +
				"speaking time and the name variants seen in recordings.",
		}, timed(s, "speaker_stats", s.speakerStats))
	}

	if s.search != nil {
		mcpsdk.AddTool(srv, &mcpsdk.Tool{
			Name: "meeting_search",
			Description: "Search archived meeting transcripts for a phrase. Returns matching " +
				"segments with speaker, meeting and timing. Set semantic to rank by " +
				"embedding similarity instead of substring match.",
		}, timed(s, "meeting_search", s.meetingSearch))
	}

	s.srv = srv
	return s
}

// Serve runs the server over t until the client session ends or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, t mcpsdk.Transport) error {
	return s.srv.Run(ctx, t)
}

// Run serves over stdio. The process stays alive until the client
// closes the pipe.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, &mcpsdk.StdioTransport{})
}

// timed wraps a tool handler with a span, an execution-duration sample
// and a call counter carrying the outcome.
func timed[In, Out any](s *Server, name string, h mcpsdk.ToolHandlerFor[In, Out]) mcpsdk.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, Out, error) {
		ctx, span := observe.StartSpan(ctx, "mcp."+name)
		defer span.End()

		start := time.Now()
		res, out, err := h(ctx, req, in)

		status := "ok"
		if err != nil || (res != nil && res.IsError) {
			status = "error"
		}
		s.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", name)))
		s.metrics.RecordToolCall(ctx, name, status)

		return res, out, err
	}
}
