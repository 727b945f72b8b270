// Package app wires all chatloop subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Serve runs the optional HTTP surface (health, metrics, event
// feed), and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithTranscriptStore, WithFunctions, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/chatloop/internal/config"
	"github.com/MrWong99/chatloop/internal/feed"
	"github.com/MrWong99/chatloop/internal/health"
	"github.com/MrWong99/chatloop/internal/observe"
	"github.com/MrWong99/chatloop/pkg/completion"
	"github.com/MrWong99/chatloop/pkg/embeddings"
	"github.com/MrWong99/chatloop/pkg/runner"
	"github.com/MrWong99/chatloop/pkg/tools/mcptools"
	"github.com/MrWong99/chatloop/pkg/transcript"
	pgtranscript "github.com/MrWong99/chatloop/pkg/transcript/postgres"
)

// defaultEmbeddingDimensions is used when an embeddings provider is
// configured but transcript.embedding_dimensions is not set.
const defaultEmbeddingDimensions = 1536

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Completion completion.Service
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and orchestrates chatloop conversations.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New, torn down in Shutdown.
	store      transcript.Store
	pgStore    *pgtranscript.Store
	recorder   *transcript.Recorder
	catalogue  *mcptools.Catalogue
	functions  []runner.RunnableFunction
	eventFeed  *feed.Feed
	runs       *RunManager
	httpServer *http.Server
}

// Option customises App construction, mainly for tests.
type Option func(*App)

// WithTranscriptStore injects a transcript store, bypassing the PostgreSQL
// store that would otherwise be created from the config.
func WithTranscriptStore(s transcript.Store) Option {
	return func(a *App) { a.store = s }
}

// WithFunctions adds extra runnable functions on top of the MCP catalogue.
func WithFunctions(fns ...runner.RunnableFunction) Option {
	return func(a *App) { a.functions = append(a.functions, fns...) }
}

// New creates an App from cfg and the already-constructed providers.
// The completion provider is required; everything else is optional.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Completion == nil {
		return nil, fmt.Errorf("app: a completion service is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initTranscript(ctx); err != nil {
		return nil, err
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, err
	}

	if cfg.Feed.Enabled {
		a.eventFeed = feed.New()
	}

	a.runs = NewRunManager(RunManagerConfig{
		Service:            providers.Completion,
		Model:              cfg.Completion.Provider.Model,
		MaxChatCompletions: cfg.Completion.MaxChatCompletions,
		Functions:          a.functions,
		Feed:               a.eventFeed,
		Recorder:           a.recorder,
	})

	return a, nil
}

// initTranscript creates the PostgreSQL transcript store and recorder when a
// DSN is configured and no store was injected.
func (a *App) initTranscript(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Transcript.PostgresDSN
		if dsn == "" {
			slog.Info("transcript store disabled (no postgres_dsn configured)")
			return nil
		}

		dims := a.cfg.Transcript.EmbeddingDimensions
		if dims <= 0 {
			dims = defaultEmbeddingDimensions
		}

		store, err := pgtranscript.NewStore(ctx, dsn, dims)
		if err != nil {
			return fmt.Errorf("app: create transcript store: %w", err)
		}
		a.pgStore = store
		a.store = store
		slog.Info("transcript store connected", "embedding_dimensions", dims)
	}

	var recOpts []transcript.RecorderOption
	if a.providers.Embeddings != nil {
		recOpts = append(recOpts, transcript.WithEmbedder(a.providers.Embeddings))
	}
	if d := a.cfg.Transcript.FlushTimeout.Std(); d > 0 {
		recOpts = append(recOpts, transcript.WithFlushTimeout(d))
	}
	a.recorder = transcript.NewRecorder(a.store, recOpts...)
	return nil
}

// initMCP connects to the configured MCP servers and merges their tool
// catalogues into the runnable function set. A server that fails to connect
// is skipped with a warning so one bad server does not block startup.
func (a *App) initMCP(ctx context.Context) error {
	if len(a.cfg.MCP.Servers) == 0 {
		return nil
	}

	a.catalogue = mcptools.New()
	for _, srv := range a.cfg.MCP.Servers {
		if err := a.catalogue.RegisterServer(ctx, srv); err != nil {
			slog.Warn("mcp server registration failed, skipping", "server", srv.Name, "err", err)
			continue
		}
		slog.Info("mcp server connected", "server", srv.Name, "transport", srv.Transport)
	}

	a.functions = append(a.functions, a.catalogue.Functions()...)
	return nil
}

// Runs exposes the run manager for starting and inspecting conversations.
func (a *App) Runs() *RunManager {
	return a.runs
}

// Serve runs the HTTP surface (health, metrics, event feed) until ctx is
// cancelled. It returns immediately with nil when no listen address is
// configured.
func (a *App) Serve(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()

	var checkers []health.Checker
	if a.pgStore != nil {
		checkers = append(checkers, health.Checker{
			Name:  "transcript",
			Check: a.pgStore.Ping,
		})
	}
	health.New(checkers...).Register(mux)

	if path := a.cfg.Server.MetricsPath; path != "" {
		mux.Handle("GET "+path, promhttp.Handler())
	}

	if a.eventFeed != nil {
		path := a.cfg.Feed.Path
		if path == "" {
			path = "/feed"
		}
		mux.Handle("GET "+path, a.eventFeed)
	}

	handler := observe.Middleware(observe.DefaultMetrics())(mux)
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("http server listening", "addr", addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	}
}

// Shutdown tears down all subsystems in order: HTTP server first so no new
// work arrives, then in-flight runs, then external connections.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	if a.runs != nil {
		a.runs.AbortAll()
		if err := a.runs.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain runs: %w", err))
		}
	}

	if a.catalogue != nil {
		if err := a.catalogue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp catalogue: %w", err))
		}
	}

	if a.pgStore != nil {
		a.pgStore.Close()
	}

	return errors.Join(errs...)
}
