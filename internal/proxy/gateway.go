// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, resolves model
// aliases, applies rate limiting, routes to a provider, and forwards the
// request — failing over to alternatives when the primary is unavailable.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Request logger, limiter, queue, and health checker are optional and
//     nil-safe.
//   - All provider I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses relay chunk-by-chunk (SSE); they are never buffered.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/jmanhype/runestone/internal/alias"
	"github.com/jmanhype/runestone/internal/auth"
	"github.com/jmanhype/runestone/internal/cost"
	"github.com/jmanhype/runestone/internal/logger"
	"github.com/jmanhype/runestone/internal/metrics"
	"github.com/jmanhype/runestone/internal/providers"
	"github.com/jmanhype/runestone/internal/providers/mock"
	"github.com/jmanhype/runestone/internal/queue"
	"github.com/jmanhype/runestone/internal/ratelimit"
	"github.com/jmanhype/runestone/internal/telemetry"
	"github.com/jmanhype/runestone/pkg/apierr"
)

// GatewayOptions wires the Gateway's dependencies. Registry is required;
// everything else has a nil-safe default.
type GatewayOptions struct {
	Registry *providers.Registry
	Keys     *auth.Store
	Aliases  *alias.Store
	Costs    *cost.Table
	Limiter  ratelimit.Limiter
	Overflow *queue.Queue
	Breaker  *CircuitBreaker
	Health   *HealthChecker
	Bus      *telemetry.Bus
	Metrics  *metrics.Registry
	ReqLog   *logger.Logger
	Log      *slog.Logger

	// RoutingPolicy selects the router strategy ("default", "cost",
	// "health", "enhanced").
	RoutingPolicy string

	// FailoverStrategy orders failover candidates ("priority",
	// "round_robin", "health_aware", "cost_optimized").
	FailoverStrategy string

	// FailoverMaxAttempts bounds providers touched per request; 0 = all.
	FailoverMaxAttempts int

	// FailoverHealthThreshold is the minimum score under health_aware.
	FailoverHealthThreshold float64

	// Retry is the per-provider retry policy. Zero value uses the default.
	Retry RetryPolicy

	// AllowClientAPIKeys forwards the caller's bearer token upstream as the
	// provider key override. When false (the default) client keys never leave
	// the gateway and only configured provider keys are used.
	AllowClientAPIKeys bool

	// RateLimit is the policy applied to keys without a per-key override.
	RateLimit ratelimit.Policy

	// ProviderTimeout bounds each non-streaming provider call.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CORSOrigins is the allowed-origin list. Empty or ["*"] allows all.
	CORSOrigins []string
}

// Gateway is the main proxy. All dependencies are injected via GatewayOptions
// so they can be replaced with doubles in unit tests.
type Gateway struct {
	registry *providers.Registry
	mock     *mock.Provider
	router   *Router
	chat     *FailoverGroup
	breaker  *CircuitBreaker
	keys     *auth.Store
	aliases  *alias.Store
	costs    *cost.Table
	limiter  ratelimit.Limiter
	overflow *queue.Queue
	health   *HealthChecker
	bus      *telemetry.Bus
	metrics  *metrics.Registry
	reqLog   *logger.Logger
	log      *slog.Logger

	policy          ratelimit.Policy
	providerTimeout time.Duration
	corsOrigins     []string
	allowClientKeys bool
}

// NewGateway builds a Gateway from options.
func NewGateway(opts GatewayOptions) *Gateway {
	if opts.Registry == nil {
		opts.Registry = providers.NewRegistry()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Costs == nil {
		opts.Costs = cost.New()
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = providers.ProviderTimeout
	}

	var health HealthSource
	if opts.Health != nil {
		health = opts.Health
	}
	rtr := NewRouter(RouterOpts{
		Registry: opts.Registry,
		Costs:    opts.Costs,
		Breaker:  opts.Breaker,
		Health:   health,
		Bus:      opts.Bus,
		Log:      opts.Log,
		Policy:   opts.RoutingPolicy,
	})

	members := make([]GroupProvider, 0, opts.Registry.Len())
	for _, e := range opts.Registry.Entries() {
		members = append(members, GroupProvider{
			Name:      e.Name,
			Priority:  e.Config.Priority,
			CostPer1K: e.Config.CostPer1KInput + e.Config.CostPer1KOutput,
		})
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	chat := NewFailoverGroup(GroupOpts{
		ServiceName:     "chat",
		Strategy:        opts.FailoverStrategy,
		Providers:       members,
		MaxAttempts:     opts.FailoverMaxAttempts,
		HealthThreshold: opts.FailoverHealthThreshold,
		Breaker:         opts.Breaker,
		Retry:           retry,
		Health:          health,
		Bus:             opts.Bus,
		Metrics:         opts.Metrics,
		Log:             opts.Log,
	})

	return &Gateway{
		registry:        opts.Registry,
		mock:            mock.New(),
		router:          rtr,
		chat:            chat,
		breaker:         opts.Breaker,
		keys:            opts.Keys,
		aliases:         opts.Aliases,
		costs:           opts.Costs,
		limiter:         opts.Limiter,
		overflow:        opts.Overflow,
		health:          opts.Health,
		bus:             opts.Bus,
		metrics:         opts.Metrics,
		reqLog:          opts.ReqLog,
		log:             opts.Log,
		policy:          ratelimit.NormalizePolicy(opts.RateLimit),
		providerTimeout: opts.ProviderTimeout,
		corsOrigins:     opts.CORSOrigins,
		allowClientKeys: opts.AllowClientAPIKeys,
	}
}

// chatRequest is the OpenAI-compatible chat body, plus the "provider"
// extension field that pins a specific upstream.
type chatRequest struct {
	Model       string        `json:"model"`
	Provider    string        `json:"provider,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID       string       `json:"id"`
	Object   string       `json:"object"`
	Created  int64        `json:"created"`
	Model    string       `json:"model"`
	Provider string       `json:"provider,omitempty"`
	Choices  []chatChoice `json:"choices"`
	Usage    UsageReport  `json:"usage"`
}

// dispatchChat handles POST /v1/chat/completions.
func (g *Gateway) dispatchChat(fctx *fasthttp.RequestCtx) {
	start := time.Now()

	var req chatRequest
	if err := json.Unmarshal(fctx.PostBody(), &req); err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"messages must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	requestID := requestIDFrom(fctx)
	identity := g.identity(fctx)

	// Alias resolution happens before routing so rate limiting and routing
	// both see the concrete provider:model pair.
	provider, model := g.resolveAlias(req.Provider, req.Model)

	if blocked := g.checkRateLimit(fctx, identity, provider, model, &req); blocked {
		return
	}

	decision := g.router.Route(RouteRequest{
		Provider:  provider,
		Model:     model,
		RequestID: requestID,
	})

	preq := &providers.ProxyRequest{
		Model:       decision.Model,
		Messages:    toProviderMessages(req.Messages),
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		APIKey:      g.clientKeyFor(fctx),
		APIKeyName:  keyNameFrom(fctx),
		RequestID:   requestID,
	}

	if req.Stream {
		g.serveStream(fctx, decision, preq, identity, start)
		return
	}
	g.serveBlocking(fctx, decision, preq, start)
}

// serveBlocking runs the non-streaming path: one provider call behind the
// failover group, then an OpenAI-shaped JSON response.
func (g *Gateway) serveBlocking(fctx *fasthttp.RequestCtx, decision RouteDecision, preq *providers.ProxyRequest, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), g.providerTimeout)
	defer cancel()

	resp, usedProvider, err := g.execute(ctx, decision, preq)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordError(usedProvider, ClassifyErr(err))
		}
		g.writeDispatchError(fctx, err)
		g.observe(fctx, usedProvider, preq.Model, fctx.Response.StatusCode(), start, UsageReport{})
		return
	}

	acc := NewUsageAccumulator(usedProvider, preq.Model, preq.Messages)
	acc.AddDelta(resp.Content)
	acc.SetReported(resp.Usage)
	report := acc.Finalize(g.costs)

	out := chatResponse{
		ID:       responseID(resp.ID),
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    preq.Model,
		Provider: usedProvider,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: report,
	}
	writeJSON(fctx, out)
	g.observe(fctx, usedProvider, preq.Model, fasthttp.StatusOK, start, report)
}

// serveStream opens the provider stream (with failover on the initial call)
// and hands the channel to the relay. The concurrent slot is held for the
// stream's lifetime and released exactly once by the relay.
func (g *Gateway) serveStream(fctx *fasthttp.RequestCtx, decision RouteDecision, preq *providers.ProxyRequest, identity string, start time.Time) {
	// Cancellable per-stream context: the relay cancels it on exit so a
	// disconnected client tears the upstream stream down too.
	ctx, cancel := context.WithCancel(context.Background())

	resp, usedProvider, err := g.execute(ctx, decision, preq)
	if err != nil {
		cancel()
		if g.metrics != nil {
			g.metrics.RecordError(usedProvider, ClassifyErr(err))
		}
		g.writeDispatchError(fctx, err)
		return
	}
	if resp.Stream == nil {
		cancel()
		apierr.Write(fctx, fasthttp.StatusBadGateway,
			"provider did not return a stream", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	release := func() {}
	if g.limiter != nil {
		if err := g.limiter.StartRequest(ctx, identity); err == nil {
			release = func() { g.limiter.FinishRequest(context.Background(), identity) } //nolint:errcheck
		}
	}

	relay := &StreamRelay{
		Meta:    NewChunkMeta(preq.Model),
		Usage:   NewUsageAccumulator(usedProvider, preq.Model, preq.Messages),
		Costs:   g.costs,
		Bus:     g.bus,
		Release: release,
		Cancel:  cancel,
	}
	relay.Serve(fctx, resp.Stream, func(report UsageReport, status string) {
		code := fasthttp.StatusOK
		if status != "ok" {
			code = fasthttp.StatusBadGateway
		}
		g.logRequest(usedProvider, preq.Model, code, start, report)
		if g.metrics != nil {
			g.metrics.AddTokens(usedProvider, "/v1/chat/completions",
				report.PromptTokens, report.CompletionTokens)
		}
	})
}

// execute runs the provider call: directly against the mock in mock mode,
// through the failover group otherwise. Returns the provider that answered.
func (g *Gateway) execute(ctx context.Context, decision RouteDecision, preq *providers.ProxyRequest) (*providers.ProxyResponse, string, error) {
	if decision.MockMode {
		resp, err := g.mock.Request(ctx, preq)
		return resp, "mock", err
	}

	var (
		resp *providers.ProxyResponse
		used string
	)
	err := g.chat.DoPreferred(ctx, decision.Provider, func(ctx context.Context, name string) error {
		e, ok := g.registry.Get(name)
		if !ok {
			return fmt.Errorf("provider %q not registered", name)
		}
		call := *preq
		if name != decision.Provider {
			// Failover target may not speak the routed model.
			call.Model = modelForEntry(e, preq.Model)
		}
		r, rerr := e.Provider.Request(ctx, &call)
		if rerr != nil {
			return rerr
		}
		resp, used = r, name
		preq.Model = call.Model
		return nil
	})
	if err != nil {
		return nil, decision.Provider, err
	}
	return resp, used, nil
}

// checkRateLimit applies the per-key policy. On a block it writes the 429,
// stamps the rate-limit headers, and parks the request in the overflow queue
// when one is configured. Returns true when the request was rejected.
func (g *Gateway) checkRateLimit(fctx *fasthttp.RequestCtx, identity, provider, model string, req *chatRequest) bool {
	if g.limiter == nil {
		return false
	}

	d, err := g.limiter.Check(context.Background(), identity, g.policyFor(fctx))
	if err != nil {
		// Fail open: a broken limiter backend must not take the gateway down.
		g.log.Warn("ratelimit_check_failed", slog.String("error", err.Error()))
		return false
	}

	setRateLimitHeaders(fctx, d)
	if d.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		return false
	}

	if g.metrics != nil {
		g.metrics.RecordRateLimit("blocked")
	}
	g.bus.Emit(telemetry.EventRateLimitBlocked, nil, map[string]string{
		"key":    keyNameFrom(fctx),
		"reason": d.Reason,
	})

	if g.overflow != nil && !req.Stream {
		job := queue.Job{
			APIKeyName: keyNameFrom(fctx),
			Provider:   provider,
			Model:      model,
			Messages:   toJobMessages(req.Messages),
			MaxTokens:  req.MaxTokens,
		}
		if id, qerr := g.overflow.Enqueue(context.Background(), job); qerr == nil {
			fctx.Response.Header.Set("X-Overflow-Job", id)
		} else if !errors.Is(qerr, queue.ErrDuplicate) {
			g.log.Warn("overflow_enqueue_failed", slog.String("error", qerr.Error()))
		}
	}

	fctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
	apierr.Write(fctx, fasthttp.StatusTooManyRequests,
		d.Reason, apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
	return true
}

// ReplayJob runs a parked overflow job through the normal routing and
// failover stack without an attached HTTP client. The queue drainer calls it.
func (g *Gateway) ReplayJob(ctx context.Context, job *queue.Job) error {
	decision := g.router.Route(RouteRequest{
		Provider:  job.Provider,
		Model:     job.Model,
		RequestID: job.ID,
	})

	msgs := make([]providers.Message, len(job.Messages))
	for i, m := range job.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	preq := &providers.ProxyRequest{
		Model:      decision.Model,
		Messages:   msgs,
		MaxTokens:  job.MaxTokens,
		APIKeyName: job.APIKeyName,
		RequestID:  job.ID,
	}

	callCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	resp, usedProvider, err := g.execute(callCtx, decision, preq)
	if err != nil {
		return err
	}

	report := UsageReport{}
	if resp.Stream != nil {
		acc := NewUsageAccumulator(usedProvider, preq.Model, preq.Messages)
		report, err = DrainStream(callCtx, resp.Stream, acc, g.costs)
		if err != nil {
			return err
		}
	} else {
		acc := NewUsageAccumulator(usedProvider, preq.Model, preq.Messages)
		acc.AddDelta(resp.Content)
		acc.SetReported(resp.Usage)
		report = acc.Finalize(g.costs)
	}
	g.logRequest(usedProvider, preq.Model, fasthttp.StatusOK, time.Now(), report)
	return nil
}

// resolveAlias expands a model alias into its provider:model target. A
// request-level provider override wins over the alias provider.
func (g *Gateway) resolveAlias(provider, model string) (string, string) {
	if g.aliases == nil || model == "" {
		return provider, model
	}
	spec, ok := g.aliases.Resolve(model)
	if !ok {
		return provider, model
	}
	aliasProvider, aliasModel, ok := alias.SplitSpec(spec)
	if !ok {
		return provider, model
	}
	if provider == "" {
		provider = aliasProvider
	}
	return provider, aliasModel
}

// clientKeyFor returns the caller's key for upstream passthrough, or "" when
// passthrough is disabled. Gateway keys are tenant credentials, not provider
// credentials, so passthrough is strictly opt-in.
func (g *Gateway) clientKeyFor(fctx *fasthttp.RequestCtx) string {
	if !g.allowClientKeys {
		return ""
	}
	return auth.KeyFromCtx(fctx)
}

// identity is the rate-limit key: the authenticated API key, or the client
// IP in open mode.
func (g *Gateway) identity(fctx *fasthttp.RequestCtx) string {
	if key := auth.KeyFromCtx(fctx); key != "" {
		return key
	}
	return fctx.RemoteIP().String()
}

// policyFor returns the per-key rate-limit policy, falling back to the
// gateway default when the key has no override.
func (g *Gateway) policyFor(fctx *fasthttp.RequestCtx) ratelimit.Policy {
	if g.keys != nil {
		if info, ok := g.keys.Lookup(auth.KeyFromCtx(fctx)); ok && info.RPM > 0 {
			return ratelimit.PolicyFromRPM(info.RPM)
		}
	}
	return g.policy
}

func (g *Gateway) writeDispatchError(fctx *fasthttp.RequestCtx, err error) {
	var se *apierr.StatusError
	if errors.As(err, &se) {
		apierr.WriteEnvelope(fctx, se.Status, se.Envelope)
		return
	}
	if errors.Is(err, ErrCircuitOpen) {
		apierr.Write(fctx, fasthttp.StatusServiceUnavailable,
			"provider temporarily unavailable", apierr.TypeProviderError, apierr.CodeCircuitOpen)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(fctx)
		return
	}
	status, env := apierr.NormalizeErr(err)
	apierr.WriteEnvelope(fctx, status, env)
}

// observe records metrics and the request log entry for one finished call.
func (g *Gateway) observe(fctx *fasthttp.RequestCtx, provider, model string, status int, start time.Time, report UsageReport) {
	if g.metrics != nil {
		route := string(fctx.Path())
		g.metrics.ObserveGatewayRequest(provider, route, time.Since(start))
		g.metrics.RecordRequest(provider, status, time.Since(start).Milliseconds())
		if report.TotalTokens > 0 {
			g.metrics.AddTokens(provider, route, report.PromptTokens, report.CompletionTokens)
		}
		if g.breaker != nil && provider != "" && provider != "mock" {
			g.metrics.SetCircuitBreaker(provider, int64(g.breaker.State(provider)))
		}
	}
	g.logRequest(provider, model, status, start, report)
}

func (g *Gateway) logRequest(provider, model string, status int, start time.Time, report UsageReport) {
	if g.reqLog == nil {
		return
	}
	latency := time.Since(start).Milliseconds()
	if latency > 65535 {
		latency = 65535
	}
	g.reqLog.Log(logger.RequestLog{
		ID:           uuid.New(),
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(report.PromptTokens),
		OutputTokens: uint32(report.CompletionTokens),
		LatencyMs:    uint16(latency),
		Status:       uint16(status),
		CreatedAt:    time.Now(),
	})
}

func setRateLimitHeaders(fctx *fasthttp.RequestCtx, d ratelimit.Decision) {
	h := &fctx.Response.Header
	h.Set("X-RateLimit-Limit-Minute", strconv.Itoa(d.MinuteLimit))
	h.Set("X-RateLimit-Remaining-Minute", strconv.Itoa(d.MinuteRemaining))
	h.Set("X-RateLimit-Limit-Hour", strconv.Itoa(d.HourLimit))
	h.Set("X-RateLimit-Remaining-Hour", strconv.Itoa(d.HourRemaining))
}

func retryAfterSeconds(d ratelimit.Decision) int {
	secs := int(d.RetryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func toProviderMessages(in []chatMessage) []providers.Message {
	out := make([]providers.Message, len(in))
	for i, m := range in {
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toJobMessages(in []chatMessage) []queue.JobMessage {
	out := make([]queue.JobMessage, len(in))
	for i, m := range in {
		out[i] = queue.JobMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func modelForEntry(e *providers.Entry, requested string) string {
	if requested != "" && e.SupportsModel(requested) {
		return requested
	}
	return e.Config.DefaultModel
}

func responseID(id string) string {
	if id != "" {
		return id
	}
	return "chatcmpl-" + uuid.NewString()
}

func requestIDFrom(fctx *fasthttp.RequestCtx) string {
	if v, ok := fctx.UserValue("request_id").(string); ok {
		return v
	}
	return uuid.NewString()
}

func keyNameFrom(fctx *fasthttp.RequestCtx) string {
	if v, ok := fctx.UserValue(auth.CtxKeyKeyName).(string); ok {
		return v
	}
	return ""
}
