// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initBackends — format registry, router, backend executors
//  3. initServices — rate limiter, metrics registry, audit logger
//  4. initGateway  — orchestrator + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-bridge/internal/backend"
	anthropicexec "github.com/nulpointcorp/llm-bridge/internal/backend/anthropic"
	cohereexec "github.com/nulpointcorp/llm-bridge/internal/backend/cohere"
	googleexec "github.com/nulpointcorp/llm-bridge/internal/backend/google"
	ollamaexec "github.com/nulpointcorp/llm-bridge/internal/backend/ollama"
	openaiexec "github.com/nulpointcorp/llm-bridge/internal/backend/openai"
	"github.com/nulpointcorp/llm-bridge/internal/config"
	"github.com/nulpointcorp/llm-bridge/internal/formats"
	anthropicfmt "github.com/nulpointcorp/llm-bridge/internal/formats/anthropic"
	coherefmt "github.com/nulpointcorp/llm-bridge/internal/formats/cohere"
	googlefmt "github.com/nulpointcorp/llm-bridge/internal/formats/google"
	ollamafmt "github.com/nulpointcorp/llm-bridge/internal/formats/ollama"
	openaifmt "github.com/nulpointcorp/llm-bridge/internal/formats/openai"
	rawcompfmt "github.com/nulpointcorp/llm-bridge/internal/formats/rawcomp"
	"github.com/nulpointcorp/llm-bridge/internal/logger"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/proxy"
	"github.com/nulpointcorp/llm-bridge/internal/ratelimit"
	"github.com/nulpointcorp/llm-bridge/internal/router"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	limiter    ratelimit.RequestLimiter
	memLimiter *ratelimit.Limiter
	audit      *logger.Logger
	prom       *metrics.Registry

	reg   *formats.Registry
	rt    *router.Router
	execs map[string]backend.Executor

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backends", a.initBackends},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting bridge",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("strategy", a.cfg.Strategy),
		slog.Int("backends", len(a.execs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Error("audit close error", slog.String("error", err.Error()))
		}
		a.audit = nil
	}
	if a.memLimiter != nil {
		a.memLimiter.Close()
		a.memLimiter = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// newFormatRegistry registers all six normalizers with their vendor aliases.
func newFormatRegistry() *formats.Registry {
	reg := formats.NewRegistry()
	reg.Register(openaifmt.New(),
		"openai-compatible", "xai", "groq", "deepseek", "mistral", "together", "openrouter")
	reg.Register(anthropicfmt.New(), "claude")
	reg.Register(googlefmt.New(), "gemini")
	reg.Register(coherefmt.New())
	reg.Register(ollamafmt.New())
	reg.Register(rawcompfmt.New(), "llamacpp", "textgen")
	return reg
}

// newExecutorFactory registers the provider constructors. OpenAI-compatible
// vendor names resolve to the openai executor inside the factory.
func newExecutorFactory() *backend.Factory {
	f := backend.NewFactory()
	f.Register("openai", openaiexec.New)
	f.Register("anthropic", anthropicexec.New)
	f.Register("google", googleexec.New)
	f.Register("cohere", cohereexec.New)
	f.Register("ollama", ollamaexec.New)
	return f
}
