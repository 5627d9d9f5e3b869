package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vkazmirchuk/voxalign/internal/align"
	"github.com/vkazmirchuk/voxalign/internal/notify"
	"github.com/vkazmirchuk/voxalign/internal/observe"
	"github.com/vkazmirchuk/voxalign/internal/report"
	"github.com/vkazmirchuk/voxalign/internal/review"
	"github.com/vkazmirchuk/voxalign/internal/vtt"
)

// RunResult summarises one processed meeting.
type RunResult struct {
	// Folder is the meeting folder as given to Run.
	Folder string

	// Meeting is the human meeting name, the folder's base name.
	Meeting string

	// Held is the meeting date, taken from the reference file's
	// modification time. Zero when the file could not be stat'ed.
	Held time.Time

	// Inputs and Outputs are the files read and written.
	Inputs  Inputs
	Outputs Outputs

	// Stats aggregates the merged transcript.
	Stats align.Stats

	// Review summarises the LLM review pass. Zero when review is off.
	Review review.Summary

	// Archived is true when the meeting landed in the archive;
	// MeetingID is its archive identity and IndexedTurns the number of
	// speaker turns embedded for semantic search.
	Archived     bool
	MeetingID    uuid.UUID
	IndexedTurns int

	// Notified is true when the completion webhook was delivered.
	Notified bool

	// Elapsed is the wall-clock duration of the run.
	Elapsed time.Duration
}

// Run aligns one meeting folder end to end: discover the two input
// transcripts, parse them in parallel, attribute speakers, optionally
// review uncertain attributions with the LLM, and write the markdown,
// JSONL and VTT renderings next to the inputs.
//
// The downstream sinks run after the outputs are on disk and are
// best-effort: a failing directory ingest, archive save or webhook post
// is logged as a warning and reflected in the result, never returned as
// an error.
func (a *App) Run(ctx context.Context, folder string) (*RunResult, error) {
	started := time.Now()
	ctx, span := observe.StartSpan(ctx, "app.run",
		trace.WithAttributes(observe.Attr("folder", folder)))
	defer span.End()

	a.metrics.ActiveRuns.Add(ctx, 1)
	defer a.metrics.ActiveRuns.Add(ctx, -1)

	meeting := MeetingName(folder)
	log := observe.Logger(ctx).With("meeting", meeting)

	in, err := DiscoverInputs(folder)
	if err != nil {
		return nil, err
	}
	log.Info("meeting inputs found",
		"reference", filepath.Base(in.Reference),
		"target", filepath.Base(in.Target),
	)

	ref, target, err := a.loadInputs(ctx, in)
	if err != nil {
		return nil, err
	}
	log.Debug("timelines loaded", "reference_segments", ref.Len(), "target_segments", target.Len())

	results, err := a.resolveAll(ctx, ref, target)
	if err != nil {
		return nil, err
	}

	var reviewSummary review.Summary
	if a.reviewer != nil {
		results, reviewSummary, err = a.reviewAll(ctx, ref, results)
		if err != nil {
			return nil, err
		}
		if reviewSummary.Escalated > 0 {
			log.Info("review pass complete",
				"escalated", reviewSummary.Escalated,
				"changed", reviewSummary.Changed,
				"fallback", reviewSummary.Fallback,
			)
		}
	}

	tr := align.Merge(results)
	held := heldDate(in.Reference)
	out := OutputPaths(folder)

	meta := report.Meta{
		Title:           meeting,
		Date:            held,
		ReferenceSource: filepath.Base(in.Reference),
		TargetSource:    filepath.Base(in.Target),
	}
	if err := a.writeOutputs(ctx, meta, tr, out); err != nil {
		return nil, err
	}

	res := &RunResult{
		Folder:  folder,
		Meeting: meeting,
		Held:    held,
		Inputs:  in,
		Outputs: out,
		Stats:   tr.Stats(),
		Review:  reviewSummary,
		Elapsed: time.Since(started),
	}
	log.Info("meeting aligned",
		"segments", res.Stats.Segments,
		"speakers", len(res.Stats.Speakers),
		"mean_confidence", fmt.Sprintf("%.2f", res.Stats.MeanConfidence),
		"needs_review", res.Stats.NeedsReview,
	)

	a.postProcess(ctx, log, res, tr)
	res.Elapsed = time.Since(started)
	return res, nil
}

// loadInputs parses both transcript files in parallel and builds their
// timelines. The reference side keeps speaker labels, the target side
// keeps the wording.
func (a *App) loadInputs(ctx context.Context, in Inputs) (ref, target *align.Timeline, err error) {
	ctx, span := observe.StartSpan(ctx, "app.parse")
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tl, err := a.loadTimeline(ctx, in.Reference, true)
		if err != nil {
			return fmt.Errorf("reference %s: %w", filepath.Base(in.Reference), err)
		}
		ref = tl
		return nil
	})
	g.Go(func() error {
		tl, err := a.loadTimeline(ctx, in.Target, false)
		if err != nil {
			return fmt.Errorf("target %s: %w", filepath.Base(in.Target), err)
		}
		target = tl
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("app: load inputs: %w", err)
	}
	return ref, target, nil
}

// loadTimeline reads one transcript file into a timeline, sniffing the
// format on the way.
func (a *App) loadTimeline(ctx context.Context, path string, speakers bool) (*align.Timeline, error) {
	started := time.Now()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cues, format, err := vtt.ParseAuto(data, speakers)
	if err != nil {
		return nil, err
	}
	tl, err := align.NewTimeline(vtt.Segments(cues))
	if err != nil {
		return nil, err
	}

	role := "target"
	if speakers {
		role = "reference"
	}
	a.metrics.ParseDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(
			observe.Attr("format", string(format)),
			observe.Attr("role", role),
		))
	return tl, nil
}

// resolveAll runs the attribution resolver over the whole meeting and
// records per-segment metrics.
func (a *App) resolveAll(ctx context.Context, ref, target *align.Timeline) ([]align.Attribution, error) {
	ctx, span := observe.StartSpan(ctx, "app.align")
	defer span.End()

	started := time.Now()
	results, err := a.currentResolver().ResolveAll(ctx, ref, target)
	if err != nil {
		return nil, fmt.Errorf("app: resolve: %w", err)
	}
	a.metrics.AlignDuration.Record(ctx, time.Since(started).Seconds())
	for _, r := range results {
		a.metrics.RecordAttribution(ctx, string(r.Match), string(r.Band))
	}
	return results, nil
}

// reviewAll escalates uncertain attributions to the LLM and records the
// outcome counters.
func (a *App) reviewAll(ctx context.Context, ref *align.Timeline, results []align.Attribution) ([]align.Attribution, review.Summary, error) {
	ctx, span := observe.StartSpan(ctx, "app.review")
	defer span.End()

	started := time.Now()
	reviewed, sum, err := a.reviewer.ReviewAll(ctx, ref, results)
	if err != nil {
		return nil, sum, fmt.Errorf("app: review: %w", err)
	}
	if sum.Escalated > 0 {
		a.metrics.ReviewDuration.Record(ctx, time.Since(started).Seconds())
	}
	for outcome, n := range map[review.Outcome]int{
		review.OutcomeConfirmed: sum.Confirmed,
		review.OutcomeChanged:   sum.Changed,
		review.OutcomeFallback:  sum.Fallback,
	} {
		if n > 0 {
			a.metrics.Reviews.Add(ctx, int64(n),
				metric.WithAttributes(observe.Attr("outcome", string(outcome))))
		}
	}
	return reviewed, sum, nil
}

// writeOutputs renders the aligned transcript three ways next to the
// inputs. Partial output from a failed run is left on disk for
// inspection; a re-run overwrites it.
func (a *App) writeOutputs(ctx context.Context, meta report.Meta, tr align.Transcript, out Outputs) error {
	_, span := observe.StartSpan(ctx, "app.render")
	defer span.End()

	md := report.RenderMarkdown(meta, tr)
	if err := os.WriteFile(out.Markdown, []byte(md), 0o644); err != nil {
		return fmt.Errorf("app: write markdown: %w", err)
	}

	if err := writeFileWith(out.JSONL, func(f *os.File) error {
		return report.WriteJSONL(f, tr)
	}); err != nil {
		return fmt.Errorf("app: write jsonl: %w", err)
	}

	if err := writeFileWith(out.VTT, func(f *os.File) error {
		return vtt.Write(f, tr)
	}); err != nil {
		return fmt.Errorf("app: write vtt: %w", err)
	}

	return nil
}

// writeFileWith streams render output into a freshly created file.
func writeFileWith(path string, render func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		f.Close() //nolint:errcheck,gosec // render error wins
		return err
	}
	return f.Close()
}

// postProcess feeds the merged transcript to the configured sinks.
// Failures here never fail the run: the rendered outputs are already on
// disk, so a dead database or webhook only costs the side effect.
func (a *App) postProcess(ctx context.Context, log *slog.Logger, res *RunResult, tr align.Transcript) {
	if a.directory != nil {
		ctx, span := observe.StartSpan(ctx, "app.ingest")
		if err := a.directory.Ingest(ctx, tr, res.Held); err != nil {
			log.Warn("speaker directory ingest failed", "err", err)
		}
		span.End()
	}

	if a.archiver != nil {
		ctx, span := observe.StartSpan(ctx, "app.archive")
		m, err := a.archiver.SaveMeeting(ctx, res.Meeting, res.Held, tr)
		if err != nil {
			log.Warn("archive save failed", "err", err)
		} else {
			res.Archived = true
			res.MeetingID = m.ID
			if a.providers.Embeddings != nil {
				n, err := a.archiver.IndexTurns(ctx, m.ID, a.providers.Embeddings)
				if err != nil {
					log.Warn("semantic indexing failed", "meeting_id", m.ID, "err", err)
				} else {
					res.IndexedTurns = n
				}
			}
		}
		span.End()
	}

	if a.notifier != nil {
		if err := a.notifier.Post(ctx, runSummary(res, tr)); err != nil {
			log.Warn("run notification failed", "err", err)
		} else {
			res.Notified = true
		}
	}
}

// runSummary shapes a RunResult for the notification webhook.
func runSummary(res *RunResult, tr align.Transcript) notify.RunSummary {
	start, end := tr.Span()

	var names []string
	for _, s := range res.Stats.Speakers {
		if s.Speaker != align.SpeakerUnknown {
			names = append(names, s.Speaker)
		}
	}

	return notify.RunSummary{
		Meeting:        res.Meeting,
		Held:           res.Held,
		SpanSeconds:    end - start,
		Speakers:       names,
		Segments:       res.Stats.Segments,
		MeanConfidence: res.Stats.MeanConfidence,
		NeedsReview:    res.Stats.NeedsReview,
		ReviewChanged:  res.Review.Changed,
		Elapsed:        res.Elapsed,
	}
}

// heldDate estimates when the meeting took place from the reference
// file's modification time. Recording platforms write the export right
// after the call, which is close enough for reports and the archive.
func heldDate(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime().UTC()
}

// ─── Batch mode ──────────────────────────────────────────────────────────────

// BatchFailure pairs a failed meeting folder with its error.
type BatchFailure struct {
	Folder string
	Err    error
}

// BatchResult aggregates a batch run over a root of meeting folders.
type BatchResult struct {
	// Processed counts meetings aligned successfully.
	Processed int

	// Skipped counts folders holding no meeting inputs.
	Skipped int

	// Results holds one entry per processed meeting, in folder order.
	Results []*RunResult

	// Failures holds one entry per failed meeting.
	Failures []BatchFailure
}

// RunBatch processes every direct subfolder of root as a meeting folder.
// Folders without recognisable inputs are skipped; a failing meeting is
// logged and counted, and the batch moves on. RunBatch returns an error
// only when root itself is unreadable or ctx is cancelled.
func (a *App) RunBatch(ctx context.Context, root string) (*BatchResult, error) {
	ctx, span := observe.StartSpan(ctx, "app.batch",
		trace.WithAttributes(observe.Attr("root", root)))
	defer span.End()

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("app: read batch root: %w", err)
	}

	br := &BatchResult{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return br, err
		}

		folder := filepath.Join(root, e.Name())
		res, err := a.Run(ctx, folder)
		switch {
		case errors.Is(err, ErrNoInputs):
			br.Skipped++
			slog.Debug("no meeting inputs, skipping", "folder", folder)
		case err != nil:
			br.Failures = append(br.Failures, BatchFailure{Folder: folder, Err: err})
			slog.Error("meeting failed", "folder", folder, "err", err)
		default:
			br.Processed++
			br.Results = append(br.Results, res)
		}
	}

	slog.Info("batch complete",
		"processed", br.Processed,
		"failed", len(br.Failures),
		"skipped", br.Skipped,
	)
	return br, nil
}
