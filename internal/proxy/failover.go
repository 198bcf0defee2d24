package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmanhype/runestone/internal/metrics"
	"github.com/jmanhype/runestone/internal/telemetry"
)

// Failover strategies.
const (
	StrategyPriority      = "priority"
	StrategyRoundRobin    = "round_robin"
	StrategyHealthAware   = "health_aware"
	StrategyCostOptimized = "cost_optimized"
)

// GroupProvider is one member of a failover group.
type GroupProvider struct {
	Name     string
	Priority int
	Weight   int
	// CostPer1K orders candidates under the cost_optimized strategy.
	CostPer1K float64
}

// ProviderStats tracks per-provider outcomes within a group.
type ProviderStats struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	LastUsed           time.Time `json:"last_used"`

	// HealthScore is the observed success ratio in [0,1]; 1 with no data.
	HealthScore float64 `json:"health_score"`
}

// FailoverGroup iterates its providers by strategy until an operation
// succeeds. Safe for concurrent use.
type FailoverGroup struct {
	ServiceName     string
	Strategy        string
	MaxAttempts     int
	HealthThreshold float64

	breaker *CircuitBreaker
	retry   RetryPolicy
	health  HealthSource
	bus     *telemetry.Bus
	met     *metrics.Registry
	log     *slog.Logger

	mu        sync.Mutex
	providers []GroupProvider
	stats     map[string]*ProviderStats
	cursor    int
}

// GroupOpts configures a FailoverGroup.
type GroupOpts struct {
	ServiceName     string
	Strategy        string
	Providers       []GroupProvider
	MaxAttempts     int
	HealthThreshold float64
	Breaker         *CircuitBreaker
	Retry           RetryPolicy
	Health          HealthSource
	Bus             *telemetry.Bus
	Metrics         *metrics.Registry
	Log             *slog.Logger
}

// NewFailoverGroup builds a group. MaxAttempts defaults to the number of
// providers; the strategy defaults to priority.
func NewFailoverGroup(opts GroupOpts) *FailoverGroup {
	if opts.Strategy == "" {
		opts.Strategy = StrategyPriority
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = len(opts.Providers)
	}
	if opts.HealthThreshold == 0 {
		opts.HealthThreshold = 0.5
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	stats := make(map[string]*ProviderStats, len(opts.Providers))
	for _, p := range opts.Providers {
		stats[p.Name] = &ProviderStats{}
	}
	return &FailoverGroup{
		ServiceName:     opts.ServiceName,
		Strategy:        opts.Strategy,
		MaxAttempts:     opts.MaxAttempts,
		HealthThreshold: opts.HealthThreshold,
		breaker:         opts.Breaker,
		retry:           opts.Retry,
		health:          opts.Health,
		bus:             opts.Bus,
		met:             opts.Metrics,
		log:             opts.Log,
		providers:       opts.Providers,
		stats:           stats,
	}
}

// Stats returns a copy of the stats for one provider.
func (g *FailoverGroup) Stats(name string) ProviderStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.stats[name]; ok {
		out := *s
		out.HealthScore = 1.0
		if out.TotalRequests > 0 {
			out.HealthScore = float64(out.SuccessfulRequests) / float64(out.TotalRequests)
		}
		return out
	}
	return ProviderStats{HealthScore: 1.0}
}

// candidates returns the provider order for the next call per strategy.
func (g *FailoverGroup) candidates() []GroupProvider {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]GroupProvider, len(g.providers))
	copy(out, g.providers)

	switch g.Strategy {
	case StrategyRoundRobin:
		if len(out) > 0 {
			start := g.cursor % len(out)
			g.cursor++
			rotated := make([]GroupProvider, 0, len(out))
			rotated = append(rotated, out[start:]...)
			rotated = append(rotated, out[:start]...)
			out = rotated
		}

	case StrategyHealthAware:
		filtered := out[:0]
		for _, p := range out {
			if g.score(p.Name) >= g.HealthThreshold {
				filtered = append(filtered, p)
			}
		}
		out = filtered
		sort.SliceStable(out, func(i, j int) bool {
			return g.score(out[i].Name) > g.score(out[j].Name)
		})

	case StrategyCostOptimized:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CostPer1K < out[j].CostPer1K
		})

	default: // priority
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Priority < out[j].Priority
		})
	}
	return out
}

func (g *FailoverGroup) score(name string) float64 {
	if g.health == nil {
		return 1.0
	}
	return g.health.Score(name)
}

// Do runs op against the group's providers in strategy order, each attempt
// wrapped by the provider's circuit breaker and the retry policy. An open
// circuit or a retryable error advances to the next provider; a 400-class
// error other than 429 surfaces immediately. Returns the last error when
// every candidate fails.
func (g *FailoverGroup) Do(ctx context.Context, op func(ctx context.Context, provider string) error) error {
	return g.run(ctx, g.candidates(), op)
}

// DoPreferred behaves like Do but tries preferred first when it is a member
// of the group. The router's pick leads; the strategy order covers the rest.
func (g *FailoverGroup) DoPreferred(ctx context.Context, preferred string, op func(ctx context.Context, provider string) error) error {
	cands := g.candidates()
	for i, c := range cands {
		if c.Name == preferred && i > 0 {
			reordered := make([]GroupProvider, 0, len(cands))
			reordered = append(reordered, c)
			reordered = append(reordered, cands[:i]...)
			reordered = append(reordered, cands[i+1:]...)
			cands = reordered
			break
		}
	}
	return g.run(ctx, cands, op)
}

func (g *FailoverGroup) run(ctx context.Context, cands []GroupProvider, op func(ctx context.Context, provider string) error) error {
	if len(cands) == 0 {
		return fmt.Errorf("failover %s: no providers available", g.ServiceName)
	}

	var lastErr error
	attempts := 0

	for _, cand := range cands {
		if attempts >= g.MaxAttempts {
			break
		}
		attempts++
		name := cand.Name

		g.bus.Emit(telemetry.EventFailoverAttempt, nil, map[string]string{
			"service":  g.ServiceName,
			"provider": name,
			"strategy": g.Strategy,
		})

		began := time.Now()
		err := g.callOne(ctx, name, op)
		g.recordAttempt(name, err == nil)

		if err == nil {
			if g.met != nil {
				g.met.ObserveUpstreamAttempt(name, g.ServiceName, "ok", time.Since(began))
				if name != cands[0].Name {
					g.met.RecordFailoverSuccess(cands[0].Name, name)
				}
			}
			return nil
		}
		lastErr = err

		kind := ClassifyErr(err)
		if g.met != nil {
			g.met.ObserveUpstreamAttempt(name, g.ServiceName, kind, time.Since(began))
		}
		switch kind {
		case KindCircuitOpen:
			if g.met != nil {
				g.met.RecordCircuitBreakerRejection(name, "open")
			}
			g.log.WarnContext(ctx, "failover_circuit_open",
				slog.String("service", g.ServiceName),
				slog.String("provider", name),
			)
			continue
		case KindClientError:
			// Bad request or auth failure: no other provider will answer
			// differently for the same payload.
			return err
		default:
			g.log.WarnContext(ctx, "failover_attempt_failed",
				slog.String("service", g.ServiceName),
				slog.String("provider", name),
				slog.String("reason", kind),
				slog.String("error", err.Error()),
			)
			continue
		}
	}

	if g.met != nil {
		g.met.RecordFailoverExhausted(cands[0].Name)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("failover %s: no providers available", g.ServiceName)
	}
	return fmt.Errorf("failover %s: all providers failed after %d attempt(s): %w",
		g.ServiceName, attempts, lastErr)
}

// callOne wraps a single provider call with the breaker and retry policy.
// The breaker is consulted once before the retry loop and fed the retried
// call's final outcome as a single verdict: a threshold trip mid-retry must
// not replace the provider's real last error with ErrCircuitOpen.
func (g *FailoverGroup) callOne(ctx context.Context, name string, op func(ctx context.Context, provider string) error) error {
	run := func(ctx context.Context) error { return op(ctx, name) }
	if g.breaker == nil {
		return g.retry.WithRetry(ctx, run).Err
	}
	if !g.breaker.Allow(name) {
		return fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	}
	out := g.retry.WithRetry(ctx, run)
	if out.Err != nil {
		g.breaker.RecordFailure(name)
	} else {
		g.breaker.RecordSuccess(name)
	}
	return out.Err
}

func (g *FailoverGroup) recordAttempt(name string, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.stats[name]
	if !ok {
		s = &ProviderStats{}
		g.stats[name] = s
	}
	s.TotalRequests++
	if success {
		s.SuccessfulRequests++
	}
	s.LastUsed = time.Now()
}
