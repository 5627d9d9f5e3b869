package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vkazmirchuk/voxalign/internal/align"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Default returns a configuration with all defaults applied. Loading
// decodes on top of it, so keys absent from the file keep their defaults.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Review: ReviewConfig{
			TriggerRatio:  0.15,
			MaxCandidates: 5,
			ContextBefore: 3,
			ContextAfter:  2,
			Temperature:   0.3,
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty file is a valid configuration: all defaults.
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}

	cfg.Review.Provider.APIKey = expandSecret(cfg.Review.Provider.APIKey)
	cfg.Archive.Embeddings.APIKey = expandSecret(cfg.Archive.Embeddings.APIKey)
	cfg.Archive.PostgresDSN = expandSecret(cfg.Archive.PostgresDSN)
	cfg.Notify.DiscordWebhookToken = expandSecret(cfg.Notify.DiscordWebhookToken)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Logging
	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Align thresholds. The resolver owns the range rules, so build one
	// and surface whatever it rejects.
	if _, err := align.NewResolver(cfg.Align.Options()...); err != nil {
		errs = append(errs, fmt.Errorf("align: %w", err))
	}

	// Review
	validateProviderName("llm", cfg.Review.Provider.Name)
	validateProviderName("llm", cfg.Review.Fallback.Name)
	if cfg.Review.Enabled && cfg.Review.Provider.Name == "" {
		errs = append(errs, errors.New("review.provider.name is required when review.enabled is true"))
	}
	if cfg.Review.Fallback.Name != "" && cfg.Review.Provider.Name == "" {
		errs = append(errs, errors.New("review.fallback requires review.provider"))
	}
	if r := cfg.Review.TriggerRatio; r < 0 || r >= 1 {
		errs = append(errs, fmt.Errorf("review.trigger_ratio %.2f is out of range [0, 1)", r))
	}
	if cfg.Review.MaxCandidates < 1 {
		errs = append(errs, fmt.Errorf("review.max_candidates %d must be at least 1", cfg.Review.MaxCandidates))
	}
	if cfg.Review.ContextBefore < 0 {
		errs = append(errs, fmt.Errorf("review.context_before %d must not be negative", cfg.Review.ContextBefore))
	}
	if cfg.Review.ContextAfter < 0 {
		errs = append(errs, fmt.Errorf("review.context_after %d must not be negative", cfg.Review.ContextAfter))
	}
	if t := cfg.Review.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("review.temperature %.2f is out of range [0, 2]", t))
	}

	// Archive
	validateProviderName("embeddings", cfg.Archive.Embeddings.Name)
	if cfg.Archive.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("archive.embedding_dimensions %d must not be negative", cfg.Archive.EmbeddingDimensions))
	}
	if cfg.Archive.Embeddings.Name != "" && cfg.Archive.EmbeddingDimensions == 0 {
		slog.Warn("archive.embeddings is configured but archive.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Archive.Embeddings.Name != "" && cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.embeddings is configured but archive.postgres_dsn is empty; semantic search will not be available")
	}

	// Notify
	if (cfg.Notify.DiscordWebhookID == "") != (cfg.Notify.DiscordWebhookToken == "") {
		errs = append(errs, errors.New("notify.discord_webhook_id and notify.discord_webhook_token must be set together"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// expandSecret resolves ${ENV_VAR} references in secret-bearing fields.
// Values without a ${ marker pass through untouched, so literal dollar
// signs in DSN passwords survive.
func expandSecret(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
