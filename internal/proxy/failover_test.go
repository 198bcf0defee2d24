package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmanhype/runestone/internal/telemetry"
)

func testGroup(t *testing.T, opts GroupOpts) *FailoverGroup {
	t.Helper()
	if opts.ServiceName == "" {
		opts.ServiceName = "chat"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = RetryPolicy{MaxAttempts: 1}
	}
	opts.Retry.sleep = func(context.Context, time.Duration) error { return nil }
	return NewFailoverGroup(opts)
}

func twoProviders() []GroupProvider {
	return []GroupProvider{
		{Name: "a", Priority: 1, CostPer1K: 0.01},
		{Name: "b", Priority: 2, CostPer1K: 0.001},
	}
}

func TestFailover_PriorityOrder(t *testing.T) {
	g := testGroup(t, GroupOpts{Providers: []GroupProvider{
		{Name: "b", Priority: 2},
		{Name: "a", Priority: 1},
	}})

	var order []string
	err := g.Do(context.Background(), func(_ context.Context, p string) error {
		order = append(order, p)
		return statusErr(503)
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v", order)
	}
}

func TestFailover_SucceedsOnSecondProvider(t *testing.T) {
	g := testGroup(t, GroupOpts{Providers: twoProviders()})

	err := g.Do(context.Background(), func(_ context.Context, p string) error {
		if p == "a" {
			return statusErr(502)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}

	if s := g.Stats("a"); s.TotalRequests != 1 || s.SuccessfulRequests != 0 {
		t.Errorf("a stats = %+v", s)
	}
	if s := g.Stats("b"); s.TotalRequests != 1 || s.SuccessfulRequests != 1 {
		t.Errorf("b stats = %+v", s)
	}
	if g.Stats("b").LastUsed.IsZero() {
		t.Error("last_used must be stamped")
	}
}

func TestFailover_OpenCircuitAdvances(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{FailureThreshold: 1})
	cb.RecordFailure("a") // a's circuit is open

	g := testGroup(t, GroupOpts{Providers: twoProviders(), Breaker: cb})

	called := map[string]int{}
	err := g.Do(context.Background(), func(_ context.Context, p string) error {
		called[p]++
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if called["a"] != 0 {
		t.Error("open circuit must not invoke the provider")
	}
	if called["b"] != 1 {
		t.Errorf("b calls = %d", called["b"])
	}
}

func TestFailover_ClientErrorSurfacesImmediately(t *testing.T) {
	g := testGroup(t, GroupOpts{Providers: twoProviders()})

	called := map[string]int{}
	err := g.Do(context.Background(), func(_ context.Context, p string) error {
		called[p]++
		return statusErr(400)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if called["b"] != 0 {
		t.Error("a 400 must not fail over to the next provider")
	}
}

func TestFailover_RateLimitAdvances(t *testing.T) {
	g := testGroup(t, GroupOpts{Providers: twoProviders()})

	err := g.Do(context.Background(), func(_ context.Context, p string) error {
		if p == "a" {
			return statusErr(429)
		}
		return nil
	})
	if err != nil {
		t.Errorf("429 should advance to the next provider: %v", err)
	}
}

func TestFailover_RoundRobinAdvancesCursor(t *testing.T) {
	g := testGroup(t, GroupOpts{Strategy: StrategyRoundRobin, Providers: twoProviders()})

	var first, second string
	g.Do(context.Background(), func(_ context.Context, p string) error {
		first = p
		return nil
	})
	g.Do(context.Background(), func(_ context.Context, p string) error {
		second = p
		return nil
	})
	if first == second {
		t.Errorf("cursor did not advance: %s, %s", first, second)
	}
}

func TestFailover_HealthAwareOrdersAndFilters(t *testing.T) {
	g := testGroup(t, GroupOpts{
		Strategy: StrategyHealthAware,
		Providers: []GroupProvider{
			{Name: "a", Priority: 1},
			{Name: "b", Priority: 2},
			{Name: "c", Priority: 3},
		},
		Health: fixedHealth{"a": 0.3, "b": 0.9, "c": 0.7},
	})

	var order []string
	g.Do(context.Background(), func(_ context.Context, p string) error {
		order = append(order, p)
		return statusErr(503)
	})

	// a is below the 0.5 threshold; b and c ordered by score descending.
	if len(order) != 2 || order[0] != "b" || order[1] != "c" {
		t.Errorf("order = %v", order)
	}
}

func TestFailover_CostOptimizedOrder(t *testing.T) {
	g := testGroup(t, GroupOpts{Strategy: StrategyCostOptimized, Providers: twoProviders()})

	var first string
	g.Do(context.Background(), func(_ context.Context, p string) error {
		first = p
		return nil
	})
	if first != "b" {
		t.Errorf("cheapest first: got %s", first)
	}
}

func TestFailover_MaxAttemptsBounds(t *testing.T) {
	g := testGroup(t, GroupOpts{
		Providers: []GroupProvider{
			{Name: "a", Priority: 1}, {Name: "b", Priority: 2}, {Name: "c", Priority: 3},
		},
		MaxAttempts: 2,
	})

	calls := 0
	g.Do(context.Background(), func(_ context.Context, p string) error {
		calls++
		return statusErr(503)
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

// Mirrors the documented failover walk: the primary's circuit is open, the
// secondary times out through its retries, and the caller gets the last
// error back.
func TestFailover_OpenPrimaryThenTimeoutReturnsLastError(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{FailureThreshold: 1})
	cb.RecordFailure("a")

	g := testGroup(t, GroupOpts{
		Providers: twoProviders(),
		Breaker:   cb,
		Retry:     RetryPolicy{MaxAttempts: 2},
	})

	bCalls := 0
	err := g.Do(context.Background(), func(_ context.Context, p string) error {
		if p == "b" {
			bCalls++
			return statusErr(503)
		}
		t.Fatalf("unexpected provider %s", p)
		return nil
	})

	if bCalls != 2 {
		t.Errorf("b should be retried twice, got %d", bCalls)
	}
	if err == nil {
		t.Fatal("expected final error")
	}
	if ClassifyErr(errors.Unwrap(err)) == KindCircuitOpen {
		t.Error("last error should be b's failure, not a's circuit")
	}
}

// A retried call feeds the breaker one verdict, not one per retry attempt:
// otherwise a single request could walk a provider through its whole failure
// threshold.
func TestFailover_BreakerRecordsOneVerdictPerCall(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CBConfig{FailureThreshold: 2})
	g := testGroup(t, GroupOpts{
		Providers: []GroupProvider{{Name: "a", Priority: 1}},
		Breaker:   cb,
		Retry:     RetryPolicy{MaxAttempts: 3},
	})

	calls := 0
	g.Do(context.Background(), func(_ context.Context, p string) error {
		calls++
		return statusErr(503)
	})

	if calls != 3 {
		t.Errorf("all retry attempts should run, got %d", calls)
	}
	if cb.StateLabel("a") != "closed" {
		t.Errorf("one failed call must not open a threshold-2 breaker, state = %s", cb.StateLabel("a"))
	}

	g.Do(context.Background(), func(_ context.Context, p string) error {
		return statusErr(503)
	})
	if cb.StateLabel("a") != "open" {
		t.Errorf("second failed call should trip the breaker, state = %s", cb.StateLabel("a"))
	}
}

func TestFailover_EmitsAttemptEvents(t *testing.T) {
	bus := telemetry.New()
	var events []telemetry.Event
	bus.Subscribe(func(ev telemetry.Event) { events = append(events, ev) })

	g := testGroup(t, GroupOpts{Providers: twoProviders(), Bus: bus})
	g.Do(context.Background(), func(_ context.Context, p string) error {
		if p == "a" {
			return statusErr(503)
		}
		return nil
	})

	attempts := 0
	for _, ev := range events {
		if ev.Name == telemetry.EventFailoverAttempt {
			attempts++
		}
	}
	if attempts != 2 {
		t.Errorf("attempt events = %d, want 2", attempts)
	}
}
