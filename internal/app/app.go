// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse when configured)
//  2. initProviders — LLM provider clients and the registry
//  3. initServices  — auth keys, aliases, costs, telemetry, metrics, logging
//  4. initGateway   — breaker, limiter, overflow queue, proxy, health checker
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/jmanhype/runestone/internal/alias"
	"github.com/jmanhype/runestone/internal/auth"
	"github.com/jmanhype/runestone/internal/config"
	"github.com/jmanhype/runestone/internal/cost"
	"github.com/jmanhype/runestone/internal/logger"
	"github.com/jmanhype/runestone/internal/metrics"
	"github.com/jmanhype/runestone/internal/providers"
	"github.com/jmanhype/runestone/internal/proxy"
	"github.com/jmanhype/runestone/internal/queue"
	"github.com/jmanhype/runestone/internal/ratelimit"
	"github.com/jmanhype/runestone/internal/telemetry"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chSink *logger.ClickHouseSink

	reqLogger *logger.Logger

	prom     *metrics.Registry
	registry *providers.Registry
	provs    map[string]providers.Provider

	keys    *auth.Store
	aliases *alias.Store
	costs   *cost.Table
	bus     *telemetry.Bus

	limiter  ratelimit.Limiter
	overflow *queue.Queue
	drainer  *queue.Drainer

	health *proxy.HealthChecker
	mgmt   *proxy.ManagementRoutes
	gw     *proxy.Gateway
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
		{"providers", a.initProviders},
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

// Run starts the HTTP server(s) and blocks until ctx is cancelled or a server
// fails. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("router_policy", a.cfg.RouterPolicy),
		slog.Int("providers", len(a.provs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	srv := &fasthttp.Server{
		Handler:      a.gw.Handler(a.mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	g.Go(func() error {
		return srv.ListenAndServe(addr)
	})

	// A second listener keeps probes and the metrics scrape reachable when
	// the main port saturates.
	var probeSrv *fasthttp.Server
	if a.cfg.HealthPort > 0 {
		probeSrv = &fasthttp.Server{
			Handler:     a.probeHandler(),
			ReadTimeout: 10 * time.Second,
		}
		probeAddr := fmt.Sprintf(":%d", a.cfg.HealthPort)
		a.log.Info("starting probe listener", slog.String("addr", probeAddr))
		g.Go(func() error {
			return probeSrv.ListenAndServe(probeAddr)
		})
	}

	if a.drainer != nil {
		g.Go(func() error {
			a.drainer.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if err := srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		if probeSrv != nil {
			_ = probeSrv.Shutdown()
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.reqLogger != nil {
		// Closing the logger flushes and closes its sinks, the ClickHouse
		// sink included.
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
		a.chSink = nil
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

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// sinkPinger is the same probe shape for the ClickHouse sink.
func sinkPinger(ctx context.Context, sink *logger.ClickHouseSink) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return sink.Ready(pingCtx)
	}
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
