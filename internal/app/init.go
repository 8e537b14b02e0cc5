package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-bridge/internal/backend"
	"github.com/nulpointcorp/llm-bridge/internal/logger"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/proxy"
	"github.com/nulpointcorp/llm-bridge/internal/ratelimit"
	"github.com/nulpointcorp/llm-bridge/internal/router"
)

// initInfra establishes optional external connections.
// Redis is only needed when the rate limiter is configured with a Redis URL.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.Enabled() && a.cfg.RateLimit.RedisURL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RateLimit.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.RateLimit.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initBackends builds the format registry, the router, and one executor per
// configured backend.
func (a *App) initBackends(_ context.Context) error {
	a.reg = newFormatRegistry()

	rt, err := router.New(a.cfg.Strategy, a.cfg.Backends, router.WithLogger(a.log))
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}
	a.rt = rt

	factory := newExecutorFactory()
	a.execs = make(map[string]backend.Executor, len(a.cfg.Backends))
	for _, b := range a.cfg.Backends {
		if !b.Enabled {
			continue
		}
		exec, err := factory.New(b)
		if err != nil {
			return fmt.Errorf("backend %q: %w", b.Name, err)
		}
		a.execs[b.Name] = exec
	}
	if len(a.execs) == 0 {
		return fmt.Errorf("no enabled backends")
	}

	names := make([]string, 0, len(a.execs))
	for n := range a.execs {
		names = append(names, n)
	}
	a.log.Info("backends loaded", slog.Any("backends", names))

	return nil
}

// initServices creates the rate limiter, Prometheus registry, and the audit
// logger.
func (a *App) initServices(ctx context.Context) error {
	if a.cfg.RateLimit.Enabled() {
		def := ratelimit.Config{
			Window:      a.cfg.RateLimit.Window,
			MaxRequests: a.cfg.RateLimit.MaxRequests,
		}

		if a.rdb != nil {
			opts := make([]ratelimit.RedisOption, 0, len(a.cfg.RateLimit.Overrides)+1)
			opts = append(opts, ratelimit.WithRedisLogger(a.log))
			for key, ov := range a.cfg.RateLimit.Overrides {
				opts = append(opts, ratelimit.WithRedisOverride(key, ov))
			}
			a.limiter = ratelimit.NewRedisLimiter(a.rdb, def, opts...)
			a.log.Info("rate limiting enabled",
				slog.String("mode", "redis"),
				slog.Int("max_requests", def.MaxRequests),
				slog.Duration("window", def.Window),
			)
		} else {
			opts := make([]ratelimit.LimiterOption, 0, len(a.cfg.RateLimit.Overrides))
			for key, ov := range a.cfg.RateLimit.Overrides {
				opts = append(opts, ratelimit.WithOverride(key, ov))
			}
			a.memLimiter = ratelimit.NewLimiter(def, opts...)
			a.limiter = a.memLimiter
			a.log.Info("rate limiting enabled",
				slog.String("mode", "memory"),
				slog.Int("max_requests", def.MaxRequests),
				slog.Duration("window", def.Window),
			)
		}
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.Audit.Enabled {
		var sink logger.Sink
		if a.cfg.Audit.ClickHouseAddr != "" {
			chSink, err := logger.NewClickHouseSink(ctx, logger.ClickHouseConfig{
				Addr:     a.cfg.Audit.ClickHouseAddr,
				Database: a.cfg.Audit.Database,
				Username: a.cfg.Audit.Username,
				Password: a.cfg.Audit.Password,
				Table:    a.cfg.Audit.Table,
			})
			if err != nil {
				return fmt.Errorf("audit: %w", err)
			}
			sink = chSink
			a.log.Info("audit sink: clickhouse", slog.String("addr", a.cfg.Audit.ClickHouseAddr))
		} else {
			sink = logger.NewSlogSink(a.log)
			a.log.Info("audit sink: slog")
		}

		audit, err := logger.New(a.baseCtx, sink, a.log)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		a.audit = audit
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	a.gw = proxy.NewGateway(a.reg, a.rt, a.execs, proxy.GatewayOptions{
		Logger:        a.log,
		Aliases:       a.cfg.Aliases,
		Limiter:       a.limiter,
		Metrics:       a.prom,
		AuditLogger:   a.audit,
		FallbackOrder: a.cfg.Fallback.Order,
		MaxAttempts:   a.cfg.Fallback.MaxAttempts,
		RetryDelay:    a.cfg.Fallback.RetryDelay,
		CORSOrigins:   a.cfg.CORSOrigins,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
