// Command chatloop is the main entry point for the chatloop conversation server.
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

	"github.com/MrWong99/chatloop/internal/app"
	"github.com/MrWong99/chatloop/internal/config"
	"github.com/MrWong99/chatloop/internal/observe"
	"github.com/MrWong99/chatloop/internal/resilience"
	"github.com/MrWong99/chatloop/pkg/completion"
	"github.com/MrWong99/chatloop/pkg/completion/anyllm"
	oacompletion "github.com/MrWong99/chatloop/pkg/completion/openai"
	"github.com/MrWong99/chatloop/pkg/embeddings"
	oaembed "github.com/MrWong99/chatloop/pkg/embeddings/openai"
	"github.com/MrWong99/chatloop/pkg/events"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	prompt := flag.String("prompt", "", "run a single conversation with this prompt and exit")
	stream := flag.Bool("stream", false, "consume the conversation as a stream (with -prompt)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "chatloop: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "chatloop: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("chatloop starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "chatloop",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithFunctions(builtinFunctions()...))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Serve the HTTP surface (health, metrics, event feed) in the background
	// when a listen address is configured.
	serveErr := make(chan error, 1)
	if cfg.Server.ListenAddr != "" {
		go func() { serveErr <- application.Serve(ctx) }()
	}

	exit := 0
	switch {
	case *prompt != "":
		if err := runConversation(ctx, application, *prompt, *stream); err != nil {
			slog.Error("conversation failed", "err", err)
			exit = 1
		}
	case cfg.Server.ListenAddr != "":
		slog.Info("server ready — press Ctrl+C to shut down")
		select {
		case <-ctx.Done():
		case err := <-serveErr:
			if err != nil {
				slog.Error("serve error", "err", err)
				exit = 1
			}
		}
	default:
		fmt.Fprintln(os.Stderr, "chatloop: nothing to do — pass -prompt or configure server.listen_addr")
		return 2
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exit
}

// runConversation drives one conversation run to completion, echoing assistant
// text and tool activity to the terminal.
func runConversation(ctx context.Context, application *app.App, prompt string, stream bool) error {
	run, err := application.Runs().Start(ctx, prompt, stream)
	if err != nil {
		return err
	}

	r := run.Runner()
	r.On(events.Content, func(ev events.Event) {
		if stream {
			fmt.Print(ev.Content)
		} else {
			fmt.Println(ev.Content)
		}
	})
	r.On(events.FunctionCall, func(ev events.Event) {
		slog.Info("tool call requested", "tool", ev.FunctionCall.Name, "arguments", ev.FunctionCall.Arguments)
	})
	r.On(events.FunctionCallResult, func(ev events.Event) {
		slog.Info("tool call completed", "result", ev.Content)
	})

	if err := run.Wait(ctx); err != nil {
		return err
	}
	if stream {
		fmt.Println()
	}

	if usage, err := r.TotalUsage(ctx); err == nil {
		slog.Info("conversation finished",
			"run_id", run.Info().RunID,
			"completions", len(r.AllChatCompletions()),
			"prompt_tokens", usage.PromptTokens,
			"completion_tokens", usage.CompletionTokens,
		)
	}
	return nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends lists the any-llm-go backends registered under the "anyllm"
// family. The backend is selected via the provider entry's "backend" option.
var anyllmBackends = []string{
	"openai", "anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Completion ────────────────────────────────────────────────────────────

	// The native OpenAI client, with full support for both calling styles.
	reg.RegisterCompletion("openai", func(entry config.ProviderEntry) (completion.Service, error) {
		var opts []oacompletion.Option
		if entry.BaseURL != "" {
			opts = append(opts, oacompletion.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oacompletion.WithOrganization(org))
		}
		return oacompletion.New(entry.APIKey, opts...)
	})

	// The any-llm-go multi-provider client, tool-style calling only.
	reg.RegisterCompletion("anyllm", func(entry config.ProviderEntry) (completion.Service, error) {
		backend := optString(entry.Options, "backend")
		if backend == "" {
			return nil, fmt.Errorf("anyllm provider requires options.backend (one of %v)", anyllmBackends)
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// Fallback completion providers are wrapped into a circuit-breaking fallback
// chain, and every backend is instrumented for telemetry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	metrics := observe.DefaultMetrics()

	primaryName := cfg.Completion.Provider.Name
	primary, err := reg.CreateCompletion(cfg.Completion.Provider)
	if err != nil {
		return nil, fmt.Errorf("create completion provider %q: %w", primaryName, err)
	}
	svc := observe.Instrument(primary, primaryName, metrics)
	slog.Info("provider created", "kind", "completion", "name", primaryName)

	if len(cfg.Completion.Fallbacks) > 0 {
		group := resilience.NewServiceFallback(svc, primaryName, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  cfg.Completion.Resilience.MaxFailures,
				ResetTimeout: cfg.Completion.Resilience.ResetTimeout.Std(),
				HalfOpenMax:  cfg.Completion.Resilience.HalfOpenMax,
			},
		})
		for _, entry := range cfg.Completion.Fallbacks {
			fb, err := reg.CreateCompletion(entry)
			if err != nil {
				return nil, fmt.Errorf("create fallback completion provider %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, observe.Instrument(fb, entry.Name, metrics))
			slog.Info("provider created", "kind", "completion-fallback", "name", entry.Name)
		}
		ps.Completion = group
	} else {
		ps.Completion = svc
	}

	if name := cfg.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Embeddings)
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
	fmt.Println("║         chatloop — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Completion", cfg.Completion.Provider.Name, cfg.Completion.Provider.Model)
	for _, fb := range cfg.Completion.Fallbacks {
		printProvider("Fallback", fb.Name, fb.Model)
	}
	printProvider("Embeddings", cfg.Embeddings.Name, cfg.Embeddings.Model)
	if cfg.Transcript.PostgresDSN != "" {
		fmt.Printf("║  Transcript      : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Transcript      : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if cfg.Feed.Enabled {
		fmt.Printf("║  Event feed      : %-19s ║\n", feedPath(cfg))
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func feedPath(cfg *config.Config) string {
	if cfg.Feed.Path != "" {
		return cfg.Feed.Path
	}
	return "/feed"
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
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
