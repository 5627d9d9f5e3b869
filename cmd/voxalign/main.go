// Command voxalign merges a speaker-labeled transcript with a clean
// transcript export and writes attributed markdown, JSONL and VTT files
// next to the inputs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/vkazmirchuk/voxalign/internal/app"
	"github.com/vkazmirchuk/voxalign/internal/config"
	"github.com/vkazmirchuk/voxalign/internal/observe"
	"github.com/vkazmirchuk/voxalign/internal/resilience"
	"github.com/vkazmirchuk/voxalign/pkg/provider/embeddings"
	ollamaembed "github.com/vkazmirchuk/voxalign/pkg/provider/embeddings/ollama"
	oaembed "github.com/vkazmirchuk/voxalign/pkg/provider/embeddings/openai"
	"github.com/vkazmirchuk/voxalign/pkg/provider/llm"
	"github.com/vkazmirchuk/voxalign/pkg/provider/llm/anyllm"
	oallm "github.com/vkazmirchuk/voxalign/pkg/provider/llm/openai"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	batch := flag.Bool("batch", false, "treat the folder as a root holding one meeting folder per entry")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: voxalign [flags] <meeting-folder>")
		fmt.Fprintln(os.Stderr, "       voxalign -batch [flags] <root-folder>")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	folder := flag.Arg(0)

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fromFile, err := loadConfig(*configPath, configFlagSet())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxalign: config file %q not found — see configs/example.yaml for a starting point\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxalign: %v\n", err)
		}
		return 1
	}
	if *metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = *metricsAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxalign starting",
		"config", *configPath,
		"log_level", cfg.LogLevel,
		"batch", *batch,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// The meter provider must be up before the application captures its
	// metrics handles.
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxalign",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	// A large batch can run for a long time; log level and alignment
	// thresholds follow edits to the config file while it does. Everything
	// else still needs a restart.
	if *batch && fromFile {
		w, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				logLevel.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level updated", "level", d.NewLogLevel)
			}
			if d.AlignChanged {
				if err := application.UpdateAlign(d.NewAlign.Options()...); err != nil {
					slog.Warn("alignment config update rejected", "err", err)
				} else {
					slog.Info("alignment thresholds updated")
				}
			}
		})
		if err != nil {
			slog.Warn("config watcher not started", "err", err)
		} else {
			defer w.Stop()
		}
	}

	var code int
	if *batch {
		code = runBatch(ctx, application, cfg.Telemetry.MetricsAddr, folder)
	} else {
		code = runOnce(ctx, application, folder)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

// runOnce aligns a single meeting folder and prints the result.
func runOnce(ctx context.Context, application *app.App, folder string) int {
	res, err := application.Run(ctx, folder)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("interrupted before completion")
			return 1
		}
		slog.Error("alignment failed", "folder", folder, "err", err)
		return 1
	}
	printRunResult(res)
	return 0
}

// runBatch aligns every meeting folder under root. A failing meeting
// does not stop the batch, but it does fail the exit code.
func runBatch(ctx context.Context, application *app.App, metricsAddr, root string) int {
	if metricsAddr != "" {
		go func() {
			if err := application.ServeTelemetry(ctx, metricsAddr); err != nil {
				slog.Error("telemetry server error", "err", err)
			}
		}()
	}

	res, err := application.RunBatch(ctx, root)
	if res != nil {
		printBatchResult(res)
	}
	switch {
	case errors.Is(err, context.Canceled):
		slog.Info("interrupted before completion")
		return 1
	case err != nil:
		slog.Error("batch failed", "root", root, "err", err)
		return 1
	case len(res.Failures) > 0:
		return 1
	}
	return 0
}

// ── Result printing ───────────────────────────────────────────────────────────

func printRunResult(res *app.RunResult) {
	fmt.Printf("%s: %d segments, %d speakers, mean confidence %.2f in %s\n",
		res.Meeting, res.Stats.Segments, len(res.Stats.Speakers),
		res.Stats.MeanConfidence, res.Elapsed.Round(time.Millisecond))
	for _, sp := range res.Stats.Speakers {
		fmt.Printf("  %-24s %7.1fs %6.1f%%  confidence %.2f\n",
			sp.Speaker, sp.Seconds, sp.Share*100, sp.MeanConfidence)
	}
	fmt.Printf("  markdown  %s\n", res.Outputs.Markdown)
	fmt.Printf("  jsonl     %s\n", res.Outputs.JSONL)
	fmt.Printf("  vtt       %s\n", res.Outputs.VTT)
	if res.Review.Escalated > 0 {
		fmt.Printf("  review: %d escalated, %d confirmed, %d changed\n",
			res.Review.Escalated, res.Review.Confirmed, res.Review.Changed)
	}
	if res.Stats.NeedsReview > 0 {
		fmt.Printf("  %d low-confidence segments flagged for review\n", res.Stats.NeedsReview)
	}
	if res.Archived {
		fmt.Printf("  archived as %s, %d turns indexed\n", res.MeetingID, res.IndexedTurns)
	}
}

func printBatchResult(res *app.BatchResult) {
	for _, r := range res.Results {
		fmt.Printf("ok    %-30s %4d segments  confidence %.2f\n",
			r.Meeting, r.Stats.Segments, r.Stats.MeanConfidence)
	}
	for _, f := range res.Failures {
		fmt.Printf("fail  %-30s %v\n", f.Folder, f.Err)
	}
	fmt.Printf("%d processed, %d skipped, %d failed\n",
		res.Processed, res.Skipped, len(res.Failures))
}

// ── Configuration ─────────────────────────────────────────────────────────────

// configFlagSet reports whether -config was given explicitly.
func configFlagSet() bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			set = true
		}
	})
	return set
}

// loadConfig reads the configuration file. A missing default config file
// is not an error: alignment works out of the box, so the built-in
// defaults apply unless the user named a file explicitly. The second
// return reports whether the configuration came from a file that can be
// watched for changes.
func loadConfig(path string, explicit bool) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return config.Default(), false, nil
	default:
		return nil, false, err
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the
// appropriate provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai goes through the native client; it supports an organization
	// header the generic adapter does not.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the
// registry and returns them in an [app.Providers] struct.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Review.Provider.Name; name != "" && cfg.Review.Enabled {
		p, err := reg.CreateLLM(cfg.Review.Provider)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create review provider %q: %w", name, err)
		} else {
			ps.Review = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}

		if fbName := cfg.Review.Fallback.Name; fbName != "" && ps.Review != nil {
			fb, err := reg.CreateLLM(cfg.Review.Fallback)
			if errors.Is(err, config.ErrProviderNotRegistered) {
				slog.Debug("provider not yet implemented — skipping", "kind", "llm", "name", fbName)
			} else if err != nil {
				return nil, fmt.Errorf("create review fallback %q: %w", fbName, err)
			} else {
				group := resilience.NewLLMFallback(ps.Review, name, resilience.FallbackConfig{})
				group.AddFallback(fbName, fb)
				ps.Review = group
				slog.Info("review failover enabled", "primary", name, "fallback", fbName)
			}
		}
	}

	if name := cfg.Archive.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Archive.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "embeddings", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxalign — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printSetting("Review LLM", reviewValue(cfg))
	printSetting("Embeddings", providerValue(cfg.Archive.Embeddings.Name, cfg.Archive.Embeddings.Model))
	printSetting("Directory", cfg.Directory.SQLitePath)
	printSetting("Archive", archiveValue(cfg))
	printSetting("Notify", notifyValue(cfg))
	printSetting("Metrics", cfg.Telemetry.MetricsAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printSetting(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func reviewValue(cfg *config.Config) string {
	if !cfg.Review.Enabled {
		return "(disabled)"
	}
	return providerValue(cfg.Review.Provider.Name, cfg.Review.Provider.Model)
}

func providerValue(name, model string) string {
	if name == "" {
		return ""
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func archiveValue(cfg *config.Config) string {
	if cfg.Archive.PostgresDSN == "" {
		return ""
	}
	return fmt.Sprintf("postgres, %d dims", cfg.Archive.EmbeddingDimensions)
}

func notifyValue(cfg *config.Config) string {
	if cfg.Notify.DiscordWebhookID == "" || cfg.Notify.DiscordWebhookToken == "" {
		return ""
	}
	return "discord webhook"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the
// config watcher retune verbosity without rebuilding the handler.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optInt extracts an integer value from a provider Options map[string]any.
// YAML decodes integers as int, but a value that arrived through JSON may
// be a float64.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
