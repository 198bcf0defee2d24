package proxy

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery; a bounded number of probe requests are allowed.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// ErrCircuitOpen is returned by Call when the breaker rejects the request.
// It is never retried at this layer; failover moves to the next provider.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults.
type CBConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of half-open probe successes required
	// to close the breaker again. Default: 2.
	SuccessThreshold int

	// ResetTimeout is how long the breaker stays open before moving to
	// half-open. Default: 60s.
	ResetTimeout time.Duration

	// MaxProbes bounds the number of concurrent half-open probe requests.
	// Default: 1.
	MaxProbes int
}

func (c *CBConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 5
}

func (c *CBConfig) successThreshold() int {
	if c.SuccessThreshold > 0 {
		return c.SuccessThreshold
	}
	return 2
}

func (c *CBConfig) resetTimeout() time.Duration {
	if c.ResetTimeout > 0 {
		return c.ResetTimeout
	}
	return 60 * time.Second
}

func (c *CBConfig) maxProbes() int {
	if c.MaxProbes > 0 {
		return c.MaxProbes
	}
	return 1
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state            cbState
	failureCount     int
	successCount     int
	probesInflight   int
	lastFailureAt    time.Time
	lastTransitionAt time.Time
}

// CircuitBreaker manages independent circuit breakers for each provider.
// Breakers are created lazily on first use. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
	now      func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
// Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow reports whether the named provider should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless the reset timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and admits a probe.
//   - HalfOpen → true while fewer than MaxProbes probes are in flight.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if cb.now().Sub(pcb.lastTransitionAt) >= cb.cfg.resetTimeout() {
			pcb.state = cbHalfOpen
			pcb.successCount = 0
			pcb.probesInflight = 1
			pcb.lastTransitionAt = cb.now()
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probesInflight >= cb.cfg.maxProbes() {
			return false
		}
		pcb.probesInflight++
		return true
	}

	return true
}

// RecordSuccess marks a successful response for provider.
//
// Closed: resets the failure counter. HalfOpen: counts toward the success
// threshold; reaching it closes the breaker. The outcome updates whatever
// state the breaker is in when it lands, even if the state changed while the
// request was in flight.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		pcb.failureCount = 0

	case cbHalfOpen:
		if pcb.probesInflight > 0 {
			pcb.probesInflight--
		}
		pcb.successCount++
		if pcb.successCount >= cb.cfg.successThreshold() {
			pcb.state = cbClosed
			pcb.failureCount = 0
			pcb.successCount = 0
			pcb.lastTransitionAt = cb.now()
		}

	case cbOpen:
		// A stale in-flight request succeeded after the breaker opened.
		// Leave the open state alone; the reset timer governs recovery.
	}
}

// RecordFailure marks a failed response for provider.
//
// Closed: counts toward the failure threshold; reaching it opens the breaker.
// HalfOpen: any failure reopens immediately.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := cb.now()
	pcb.lastFailureAt = now

	switch pcb.state {
	case cbClosed:
		pcb.failureCount++
		if pcb.failureCount >= cb.cfg.failureThreshold() {
			pcb.state = cbOpen
			pcb.lastTransitionAt = now
		}

	case cbHalfOpen:
		if pcb.probesInflight > 0 {
			pcb.probesInflight--
		}
		pcb.state = cbOpen
		pcb.successCount = 0
		pcb.lastTransitionAt = now

	case cbOpen:
		// Already open; nothing to count.
	}
}

// Call runs fn for provider under the breaker: rejected with ErrCircuitOpen
// when the breaker is open, otherwise the outcome of fn is recorded.
func (cb *CircuitBreaker) Call(provider string, fn func() error) error {
	if !cb.Allow(provider) {
		return fmt.Errorf("%s: %w", provider, ErrCircuitOpen)
	}
	if err := fn(); err != nil {
		cb.RecordFailure(provider)
		return err
	}
	cb.RecordSuccess(provider)
	return nil
}

// Reset forces the breaker for provider back to Closed with clean counters.
func (cb *CircuitBreaker) Reset(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.failureCount = 0
	pcb.successCount = 0
	pcb.probesInflight = 0
	pcb.lastTransitionAt = cb.now()
}

// Sweep removes breakers whose last transition is older than cutoff and
// which are closed with no recorded failures. Returns the number removed.
func (cb *CircuitBreaker) Sweep(cutoff time.Duration) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	removed := 0
	for name, pcb := range cb.breakers {
		pcb.mu.Lock()
		idle := pcb.state == cbClosed &&
			pcb.failureCount == 0 &&
			now.Sub(pcb.lastTransitionAt) > cutoff &&
			now.Sub(pcb.lastFailureAt) > cutoff
		pcb.mu.Unlock()
		if idle {
			delete(cb.breakers, name)
			removed++
		}
	}
	return removed
}

// State returns the current cbState for provider (useful for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	// Surface the pending open→half_open transition so observers do not
	// report "open" after the reset timeout has already elapsed.
	if pcb.state == cbOpen && cb.now().Sub(pcb.lastTransitionAt) >= cb.cfg.resetTimeout() {
		return cbHalfOpen
	}
	return pcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.RLock()
	pcb, ok := cb.breakers[provider]
	cb.mu.RUnlock()
	if ok {
		return pcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pcb, ok = cb.breakers[provider]; ok {
		return pcb
	}
	pcb = &providerCB{state: cbClosed, lastTransitionAt: cb.now()}
	cb.breakers[provider] = pcb
	return pcb
}
