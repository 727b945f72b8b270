package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/MrWong99/chatloop/pkg/tools/mcptools"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"completion": {"openai", "anyllm", "mock"},
	"embeddings": {"openai", "mock"},
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
// ${VAR} references are expanded from the environment before decoding, so
// secrets like API keys can stay out of the file.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		slog.Warn("config references an unset environment variable", "name", name)
		return ""
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("completion", cfg.Completion.Provider.Name)
	for _, fb := range cfg.Completion.Fallbacks {
		validateProviderName("completion", fb.Name)
	}
	validateProviderName("embeddings", cfg.Embeddings.Name)

	if cfg.Completion.Provider.Name == "" {
		errs = append(errs, errors.New("completion.provider.name is required"))
	}
	if cfg.Completion.MaxChatCompletions < 0 {
		errs = append(errs, fmt.Errorf("completion.max_chat_completions %d must not be negative", cfg.Completion.MaxChatCompletions))
	}
	for i, fb := range cfg.Completion.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("completion.fallbacks[%d].name is required", i))
		}
	}
	if cfg.Completion.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("completion.resilience.max_failures %d must not be negative", cfg.Completion.Resilience.MaxFailures))
	}
	if cfg.Completion.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("completion.resilience.reset_timeout %s must not be negative", cfg.Completion.Resilience.ResetTimeout))
	}

	// Embeddings ↔ transcript dimensions
	if cfg.Embeddings.Name != "" && cfg.Transcript.EmbeddingDimensions <= 0 {
		slog.Warn("embeddings is configured but transcript.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Embeddings.Name == "" && cfg.Transcript.PostgresDSN != "" {
		slog.Warn("transcript.postgres_dsn is set without an embeddings provider; semantic search will not be available")
	}
	if cfg.Transcript.FlushTimeout < 0 {
		errs = append(errs, fmt.Errorf("transcript.flush_timeout %s must not be negative", cfg.Transcript.FlushTimeout))
	}

	// MCP servers
	serverNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcptools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcptools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
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
