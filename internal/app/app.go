// Package app wires the voxalign pipeline into a running application.
//
// The App struct owns the full lifecycle: New builds the resolver, the
// optional reviewer and the configured downstream sinks (speaker
// directory, meeting archive, webhook notifier), Run processes one
// meeting folder end to end, RunBatch walks a root of meeting folders,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithDirectory, WithArchiver, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vkazmirchuk/voxalign/internal/align"
	"github.com/vkazmirchuk/voxalign/internal/archive"
	"github.com/vkazmirchuk/voxalign/internal/config"
	"github.com/vkazmirchuk/voxalign/internal/directory"
	"github.com/vkazmirchuk/voxalign/internal/notify"
	"github.com/vkazmirchuk/voxalign/internal/observe"
	"github.com/vkazmirchuk/voxalign/internal/review"
	"github.com/vkazmirchuk/voxalign/pkg/provider/embeddings"
	"github.com/vkazmirchuk/voxalign/pkg/provider/llm"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Review is the LLM consulted for uncertain attributions. Review is
	// skipped when nil, even if the config enables it.
	Review llm.Provider

	// Embeddings powers semantic indexing of archived meetings. Indexing
	// is skipped when nil; text search still works.
	Embeddings embeddings.Provider
}

// Archiver persists aligned meetings. *archive.Store implements it; tests
// substitute a scripted fake.
type Archiver interface {
	SaveMeeting(ctx context.Context, title string, held time.Time, tr align.Transcript) (archive.Meeting, error)
	IndexTurns(ctx context.Context, id uuid.UUID, emb embeddings.Provider) (int, error)
	Ping(ctx context.Context) error
}

// Notifier posts a run summary to a chat channel. *notify.Notifier
// implements it.
type Notifier interface {
	Post(ctx context.Context, s notify.RunSummary) error
}

// App owns the alignment pipeline and its downstream sinks.
type App struct {
	cfg       *config.Config
	providers *Providers

	// resolverMu guards resolver, which UpdateAlign may swap while a
	// batch is running.
	resolverMu sync.RWMutex
	resolver   *align.Resolver

	reviewer *review.Reviewer
	metrics  *observe.Metrics

	// Optional sinks. Nil means not configured.
	directory *directory.Directory
	archiver  Archiver
	notifier  Notifier

	// archive is the concrete store behind archiver when New opened one
	// from config. Stays nil for injected Archivers, which carry only the
	// narrow pipeline interface.
	archive *archive.Store

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDirectory injects a speaker directory store instead of opening the
// configured SQLite file.
func WithDirectory(s directory.Store) Option {
	return func(a *App) { a.directory = directory.New(s, nil) }
}

// WithArchiver injects a meeting archive instead of connecting to the
// configured Postgres DSN.
func WithArchiver(ar Archiver) Option {
	return func(a *App) { a.archiver = ar }
}

// WithNotifier injects a notifier instead of creating one from the
// configured webhook.
func WithNotifier(n Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics overrides the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring the pipeline together. The providers
// struct comes from main.go (populated via the config registry). Use
// Option functions to inject test doubles for any sink.
//
// New performs all initialisation synchronously: resolver construction,
// reviewer construction, directory open, archive connect, notifier
// creation. A sink whose config section is empty stays nil and its
// pipeline step is skipped.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Resolver ──────────────────────────────────────────────────────
	resolver, err := align.NewResolver(cfg.Align.Options()...)
	if err != nil {
		return nil, fmt.Errorf("app: init resolver: %w", err)
	}
	a.resolver = resolver

	// ── 2. Reviewer ──────────────────────────────────────────────────────
	a.initReviewer()

	// ── 3. Speaker directory ─────────────────────────────────────────────
	if err := a.initDirectory(); err != nil {
		return nil, fmt.Errorf("app: init directory: %w", err)
	}

	// ── 4. Meeting archive ───────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 5. Notifier ──────────────────────────────────────────────────────
	if err := a.initNotifier(); err != nil {
		return nil, fmt.Errorf("app: init notifier: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initReviewer builds the LLM review pass when enabled and a provider is
// available.
func (a *App) initReviewer() {
	if !a.cfg.Review.Enabled {
		return
	}
	if a.providers.Review == nil {
		slog.Warn("review enabled but no LLM provider configured, skipping review pass")
		return
	}

	var opts []review.Option
	rc := a.cfg.Review
	if rc.TriggerRatio != 0 {
		opts = append(opts, review.WithTriggerRatio(rc.TriggerRatio))
	}
	if rc.MaxCandidates != 0 {
		opts = append(opts, review.WithMaxCandidates(rc.MaxCandidates))
	}
	if rc.ContextBefore != 0 || rc.ContextAfter != 0 {
		opts = append(opts, review.WithContext(rc.ContextBefore, rc.ContextAfter))
	}
	if rc.IncludeNearest {
		opts = append(opts, review.WithIncludeNearest(true))
	}
	if rc.Temperature != 0 {
		opts = append(opts, review.WithTemperature(rc.Temperature))
	}

	a.reviewer = review.New(a.providers.Review, opts...)
	slog.Info("review pass enabled", "provider", a.cfg.Review.Provider.Name)
}

// initDirectory opens the SQLite speaker directory, unless one was
// injected or the path is empty.
func (a *App) initDirectory() error {
	if a.directory != nil {
		return nil // injected
	}
	path := a.cfg.Directory.SQLitePath
	if path == "" {
		return nil
	}

	store, err := directory.OpenSQLite(path)
	if err != nil {
		return err
	}
	a.directory = directory.New(store, nil)
	a.closers = append(a.closers, store.Close)
	slog.Info("speaker directory open", "path", path)
	return nil
}

// initArchive connects to the Postgres meeting archive, unless one was
// injected or the DSN is empty.
func (a *App) initArchive(ctx context.Context) error {
	if a.archiver != nil {
		return nil // injected
	}
	dsn := a.cfg.Archive.PostgresDSN
	if dsn == "" {
		return nil
	}

	dims := a.cfg.Archive.EmbeddingDimensions
	if dims == 0 {
		dims = 1536 // sensible default for OpenAI text-embedding-3-small
	}

	store, err := archive.Open(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.archiver = store
	a.archive = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("meeting archive connected", "dims", dims)
	return nil
}

// initNotifier creates the Discord webhook notifier, unless one was
// injected or the webhook is not configured.
func (a *App) initNotifier() error {
	if a.notifier != nil {
		return nil // injected
	}
	nc := a.cfg.Notify
	if nc.DiscordWebhookID == "" && nc.DiscordWebhookToken == "" {
		return nil
	}

	n, err := notify.New(nc.DiscordWebhookID, nc.DiscordWebhookToken)
	if err != nil {
		return err
	}
	a.notifier = n
	slog.Info("run notifications enabled", "webhook_id", nc.DiscordWebhookID)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Directory returns the speaker directory, or nil when none is configured.
func (a *App) Directory() *directory.Directory {
	return a.directory
}

// Archive returns the meeting archive opened from config, or nil when the
// archive is disabled or an injected Archiver is in use.
func (a *App) Archive() *archive.Store {
	return a.archive
}

// Embeddings returns the configured embeddings provider, or nil.
func (a *App) Embeddings() embeddings.Provider {
	return a.providers.Embeddings
}

// UpdateAlign rebuilds the resolver with opts and swaps it in. A meeting
// already being processed keeps the resolver it started with; the next
// meeting picks up the new thresholds. The swap is rejected, and the old
// resolver kept, when opts are invalid.
func (a *App) UpdateAlign(opts ...align.Option) error {
	resolver, err := align.NewResolver(opts...)
	if err != nil {
		return fmt.Errorf("app: update align: %w", err)
	}
	a.resolverMu.Lock()
	a.resolver = resolver
	a.resolverMu.Unlock()
	return nil
}

func (a *App) currentResolver() *align.Resolver {
	a.resolverMu.RLock()
	defer a.resolverMu.RUnlock()
	return a.resolver
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all sinks in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Debug("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}
