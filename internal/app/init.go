package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/jmanhype/runestone/internal/alias"
	"github.com/jmanhype/runestone/internal/auth"
	"github.com/jmanhype/runestone/internal/config"
	"github.com/jmanhype/runestone/internal/cost"
	"github.com/jmanhype/runestone/internal/logger"
	"github.com/jmanhype/runestone/internal/metrics"
	"github.com/jmanhype/runestone/internal/providers"
	anthropicprov "github.com/jmanhype/runestone/internal/providers/anthropic"
	geminiprov "github.com/jmanhype/runestone/internal/providers/gemini"
	openaiprov "github.com/jmanhype/runestone/internal/providers/openai"
	openaicompatprov "github.com/jmanhype/runestone/internal/providers/openaicompat"
	"github.com/jmanhype/runestone/internal/proxy"
	"github.com/jmanhype/runestone/internal/queue"
	"github.com/jmanhype/runestone/internal/ratelimit"
	"github.com/jmanhype/runestone/internal/telemetry"
)

// initInfra establishes optional external connections. Both backends are
// optional, but once configured a failed connection is fatal: a half-working
// deployment is harder to diagnose than one that refuses to start.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.URL != "" {
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.ClickHouse.URL)))

		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouse.URL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initProviders builds the provider registry from the configured API keys.
// Zero providers is a valid setup: the gateway then answers with
// deterministic mock completions, which keeps local development and CI
// self-contained.
func (a *App) initProviders(_ context.Context) error {
	a.registry = buildRegistry(a.baseCtx, a.cfg)

	a.provs = make(map[string]providers.Provider, a.registry.Len())
	names := make([]string, 0, a.registry.Len())
	for _, e := range a.registry.Entries() {
		a.provs[e.Name] = e.Provider
		names = append(names, e.Name)
	}

	if len(names) == 0 {
		a.log.Warn("no provider API keys configured, serving mock responses")
		return nil
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the supporting services: client keys, model aliases,
// the cost table, telemetry, metrics, and the async request logger.
func (a *App) initServices(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if len(a.cfg.APIKeys) > 0 {
		store, rejected := auth.NewStore(a.cfg.APIKeys)
		for _, r := range rejected {
			a.log.Warn("rejected gateway API key entry", slog.String("entry", r))
		}
		a.keys = store
		a.log.Info("client authentication enabled", slog.Int("keys", store.Len()))
	} else {
		a.log.Warn("GATEWAY_API_KEYS not set, running in open mode")
	}

	a.aliases = alias.NewStore(a.cfg.AliasesPath, a.log)
	if a.cfg.AliasesPath != "" {
		if err := a.aliases.Watch(a.baseCtx); err != nil {
			a.log.Warn("alias hot-reload disabled",
				slog.String("path", a.cfg.AliasesPath),
				slog.String("error", err.Error()),
			)
		}
	}

	a.costs = cost.New()
	a.bus = telemetry.New()
	a.bus.Subscribe(a.telemetryObserver())

	var sinks []logger.Sink
	if a.chSink != nil {
		sinks = append(sinks, a.chSink)
	}
	reqLogger, err := logger.New(a.baseCtx, a.log, sinks...)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	breaker := proxy.NewCircuitBreakerWithConfig(proxy.CBConfig{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     a.cfg.CircuitBreaker.RecoveryTimeout,
		MaxProbes:        a.cfg.CircuitBreaker.HalfOpenLimit,
	})

	// Rate limiting: Redis shares the windows across replicas, the local
	// limiter covers single-instance deployments. RPM=0 disables it.
	if a.cfg.RateLimit.RPM > 0 {
		if a.rdb != nil {
			a.limiter = ratelimit.NewRedisLimiter(a.rdb, "runestone:rl")
			a.log.Info("rate limiting enabled (redis)", slog.Int("rpm", a.cfg.RateLimit.RPM))
		} else {
			a.limiter = ratelimit.NewLocal()
			a.log.Info("rate limiting enabled (local)", slog.Int("rpm", a.cfg.RateLimit.RPM))
		}
	}

	if a.rdb != nil {
		a.overflow = queue.New(a.rdb, queue.Opts{Bus: a.bus, Log: a.log})
	}

	var redisReady, sinkReady func() bool
	if a.rdb != nil {
		redisReady = redisPinger(a.baseCtx, a.rdb)
	}
	if a.chSink != nil {
		sinkReady = sinkPinger(a.baseCtx, a.chSink)
	}
	a.health = proxy.NewHealthChecker(a.baseCtx, a.provs, redisReady, sinkReady, a.prom)

	var retryable map[string]bool
	if len(a.cfg.Retry.RetryableErrors) > 0 {
		retryable = make(map[string]bool, len(a.cfg.Retry.RetryableErrors))
		for _, kind := range a.cfg.Retry.RetryableErrors {
			retryable[kind] = true
		}
	}

	a.gw = proxy.NewGateway(proxy.GatewayOptions{
		Registry: a.registry,
		Keys:     a.keys,
		Aliases:  a.aliases,
		Costs:    a.costs,
		Limiter:  a.limiter,
		Overflow: a.overflow,
		Breaker:  breaker,
		Health:   a.health,
		Bus:      a.bus,
		Metrics:  a.prom,
		ReqLog:   a.reqLogger,
		Log:      a.log,

		RoutingPolicy:           a.cfg.RouterPolicy,
		FailoverStrategy:        a.cfg.Failover.Strategy,
		FailoverMaxAttempts:     a.cfg.Failover.MaxAttempts,
		FailoverHealthThreshold: a.cfg.Failover.HealthThreshold,
		Retry: proxy.RetryPolicy{
			MaxAttempts: a.cfg.Retry.MaxAttempts,
			BaseDelay:   a.cfg.Retry.BaseDelay,
			MaxDelay:    a.cfg.Retry.MaxDelay,
			Factor:      a.cfg.Retry.BackoffFactor,
			Jitter:      a.cfg.Retry.Jitter,
			Retryable:   retryable,
		},
		RateLimit: ratelimit.Policy{
			RPM:        a.cfg.RateLimit.RPM,
			Concurrent: a.cfg.RateLimit.Concurrent,
		},
		ProviderTimeout: a.cfg.ProviderTimeout,
		CORSOrigins:     a.cfg.CORSOrigins,
	})

	if a.overflow != nil {
		a.drainer = queue.NewDrainer(a.overflow, a.gw.ReplayJob, 0, a.log)
		a.log.Info("overflow queue enabled")
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// telemetryObserver forwards bus events into debug logs and the failover
// counter the failover group cannot record itself.
func (a *App) telemetryObserver() telemetry.Observer {
	return func(ev telemetry.Event) {
		if ev.Name == telemetry.EventFailoverAttempt {
			a.prom.RecordFailover(
				ev.Metadata["service"],
				"",
				ev.Metadata["provider"],
				ev.Metadata["strategy"],
			)
		}
		a.log.Debug("telemetry",
			slog.String("event", ev.Name),
			slog.Any("measurements", ev.Measurements),
			slog.Any("metadata", ev.Metadata),
		)
	}
}

// probeHandler serves the health and metrics endpoints on the secondary
// listener. It deliberately exposes no /v1 routes.
func (a *App) probeHandler() fasthttp.RequestHandler {
	metricsH := a.prom.Handler()
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/health":
			probeJSON(ctx, a.health.Snapshot())
		case "/health/live":
			probeJSON(ctx, map[string]string{"status": "ok"})
		case "/health/ready":
			if a.health.ReadinessOK() {
				probeJSON(ctx, map[string]string{"status": "ok"})
				return
			}
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			probeJSON(ctx, map[string]string{"status": "unavailable"})
		case "/metrics":
			metricsH(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

func probeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// buildRegistry creates and registers a provider client for every non-empty
// API key. Priorities follow the default failover order; per-provider costs
// mirror the bundled cost table for the default model.
func buildRegistry(ctx context.Context, cfg *config.Config) *providers.Registry {
	reg := providers.NewRegistry()

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		reg.Register(openaiprov.New(cfg.OpenAI.APIKey, opts...), providers.Config{
			Priority:        1,
			DefaultModel:    "gpt-4o",
			CostPer1KInput:  0.0025,
			CostPer1KOutput: 0.01,
		})
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		reg.Register(anthropicprov.New(cfg.Anthropic.APIKey, opts...), providers.Config{
			Priority:        2,
			DefaultModel:    "claude-3-5-sonnet-20241022",
			CostPer1KInput:  0.003,
			CostPer1KOutput: 0.015,
		})
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		reg.Register(geminiprov.New(ctx, cfg.Gemini.APIKey, opts...), providers.Config{
			Priority:        3,
			DefaultModel:    "gemini-2.0-flash",
			CostPer1KInput:  0.0001,
			CostPer1KOutput: 0.0004,
		})
	}

	// OpenAI-compatible providers share one client implementation.
	ocProviders := []struct {
		key          string
		name         string
		baseURL      string
		priority     int
		defaultModel string
		costIn       float64
		costOut      float64
	}{
		{cfg.Groq.APIKey, "groq", "https://api.groq.com/openai/v1",
			4, "llama-3.3-70b-versatile", 0.00059, 0.00079},
		{cfg.XAI.APIKey, "xai", "https://api.x.ai/v1",
			5, "grok-3", 0.003, 0.015},
		{cfg.DeepSeek.APIKey, "deepseek", "https://api.deepseek.com/v1",
			6, "deepseek-chat", 0.00027, 0.0011},
		{cfg.Together.APIKey, "together", "https://api.together.xyz/v1",
			7, "meta-llama/Llama-3.3-70B-Instruct-Turbo", 0.00088, 0.00088},
	}
	for _, e := range ocProviders {
		if e.key == "" {
			continue
		}
		reg.Register(openaicompatprov.New(e.name, e.key, e.baseURL), providers.Config{
			Priority:        e.priority,
			DefaultModel:    e.defaultModel,
			CostPer1KInput:  e.costIn,
			CostPer1KOutput: e.costOut,
		})
	}

	for _, name := range providers.DefaultFallbackOrder {
		if _, ok := reg.Get(name); ok {
			reg.SetDefault(name)
			break
		}
	}

	return reg
}
