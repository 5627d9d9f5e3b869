// Command voxalign-mcp serves the alignment pipeline to MCP clients over
// stdio. Stdout carries the protocol, so nothing else may print there;
// all logging goes to stderr.
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
	"github.com/vkazmirchuk/voxalign/internal/mcp"
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
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, fromFile, err := loadConfig(*configPath, configFlagSet())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxalign-mcp: config file %q not found — see configs/example.yaml for a starting point\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxalign-mcp: %v\n", err)
		}
		return 1
	}

	logger, logLevel := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxalign-mcp",
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

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		go func() {
			if err := application.ServeTelemetry(ctx, addr); err != nil {
				slog.Error("telemetry server error", "err", err)
			}
		}()
	}

	// The server stays up across many tool calls; log level and alignment
	// thresholds follow edits to the config file while it runs.
	if fromFile {
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

	// Tools register against whatever sinks the configuration enabled, so
	// the client's tool list reflects this deployment.
	var opts []mcp.Option
	if d := application.Directory(); d != nil {
		opts = append(opts, mcp.WithSpeakerDirectory(d))
	}
	if store := application.Archive(); store != nil {
		opts = append(opts, mcp.WithArchive(store, application.Embeddings()))
	}
	srv := mcp.New(application, opts...)

	slog.Info("serving MCP tools on stdio",
		"speaker_stats", application.Directory() != nil,
		"meeting_search", application.Archive() != nil,
	)

	code := 0
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("mcp server error", "err", err)
		code = 1
	}

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

// loadConfig reads the configuration file, falling back to the built-in
// defaults when the default config file is absent and none was named
// explicitly. The second return reports whether the configuration came
// from a file that can be watched for changes.
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
// Kept in sync with the voxalign command.
func registerBuiltinProviders(reg *config.Registry) {
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

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger on stderr; stdout belongs to the
// MCP protocol. The returned LevelVar lets the config watcher retune
// verbosity without rebuilding the handler.
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
