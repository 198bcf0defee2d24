package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"
)

func TestRecordRequest(t *testing.T) {
	r := New()

	r.RecordRequest("openai", 200, 42)
	r.RecordRequest("openai", 200, 58)
	r.RecordRequest("openai", 500, 10)

	if got := testutil.ToFloat64(r.requestsTotal.WithLabelValues("openai", "200")); got != 2 {
		t.Errorf("expected 2 successful requests, got %v", got)
	}
	if got := testutil.ToFloat64(r.requestsTotal.WithLabelValues("openai", "500")); got != 1 {
		t.Errorf("expected 1 failed request, got %v", got)
	}
	if got := testutil.ToFloat64(r.latencyTotal.WithLabelValues("openai")); got != 110 {
		t.Errorf("expected 110ms total latency, got %v", got)
	}
}

func TestAddTokens_Directions(t *testing.T) {
	r := New()

	r.AddTokens("anthropic", "/v1/chat/completions", 100, 40)

	cases := map[string]float64{"input": 100, "output": 40, "total": 140}
	for dir, want := range cases {
		got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("anthropic", "/v1/chat/completions", dir))
		if got != want {
			t.Errorf("direction %s: expected %v, got %v", dir, want, got)
		}
	}
}

func TestAddTokens_ZeroSkipsSeries(t *testing.T) {
	r := New()

	r.AddTokens("openai", "/v1/completions", 0, 0)

	if n := testutil.CollectAndCount(r.tokensTotal); n != 0 {
		t.Errorf("zero usage must not create series, got %d", n)
	}
}

func TestSetCircuitBreaker_CountsTransitions(t *testing.T) {
	r := New()

	r.SetCircuitBreaker("openai", 1)
	r.SetCircuitBreaker("openai", 1) // same state, no new transition
	r.SetCircuitBreaker("openai", 0)

	if got := testutil.ToFloat64(r.circuitBreakerState.WithLabelValues("openai")); got != 0 {
		t.Errorf("expected closed gauge (0), got %v", got)
	}
	if got := testutil.ToFloat64(r.cbTransitions.WithLabelValues("openai", "1")); got != 1 {
		t.Errorf("expected 1 transition to open, got %v", got)
	}
	if got := testutil.ToFloat64(r.cbTransitions.WithLabelValues("openai", "0")); got != 1 {
		t.Errorf("expected 1 transition to closed, got %v", got)
	}
}

func TestFailoverCounters(t *testing.T) {
	r := New()

	r.RecordFailover("openai", "openai", "anthropic", "timeout")
	r.RecordFailoverSuccess("openai", "anthropic")
	r.RecordFailoverExhausted("openai")

	if got := testutil.ToFloat64(r.failoverSuccess.WithLabelValues("openai", "anthropic")); got != 1 {
		t.Errorf("expected 1 failover success, got %v", got)
	}
	if got := testutil.ToFloat64(r.failoverExhausted.WithLabelValues("openai")); got != 1 {
		t.Errorf("expected 1 exhausted failover, got %v", got)
	}
}

func TestObserveUpstreamAttempt(t *testing.T) {
	r := New()

	r.ObserveUpstreamAttempt("gemini", "chat", "ok", 20*time.Millisecond)
	r.ObserveUpstreamAttempt("gemini", "chat", "timeout", time.Second)

	if got := testutil.ToFloat64(r.upstreamAttempts.WithLabelValues("gemini", "chat", "ok")); got != 1 {
		t.Errorf("expected 1 ok attempt, got %v", got)
	}
	if got := testutil.ToFloat64(r.upstreamAttempts.WithLabelValues("gemini", "chat", "timeout")); got != 1 {
		t.Errorf("expected 1 timeout attempt, got %v", got)
	}
}

func TestInFlightGauge(t *testing.T) {
	r := New()

	r.IncInFlight()
	r.IncInFlight()
	r.DecInFlight()

	if got := testutil.ToFloat64(r.inFlight); got != 1 {
		t.Errorf("expected 1 in flight, got %v", got)
	}
}

func TestProviderHealthGauge(t *testing.T) {
	r := New()

	r.SetProviderHealth("openai", true)
	r.SetProviderHealth("anthropic", false)

	if got := testutil.ToFloat64(r.providerHealth.WithLabelValues("openai")); got != 1 {
		t.Errorf("expected healthy=1, got %v", got)
	}
	if got := testutil.ToFloat64(r.providerHealth.WithLabelValues("anthropic")); got != 0 {
		t.Errorf("expected degraded=0, got %v", got)
	}
}

func TestHandler_ServesExposition(t *testing.T) {
	r := New()
	r.SetBuildInfo("test")

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("/metrics")

	r.Handler()(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, "gateway_build_info") {
		t.Error("exposition should contain gateway_build_info")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("exposition should contain runtime collector metrics")
	}
}

func TestPromRegistry_GatherVisibleSeries(t *testing.T) {
	r := New()
	r.RecordRateLimit("blocked")

	mfs, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "gateway_ratelimit_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected gateway_ratelimit_total in gathered families")
	}
}
