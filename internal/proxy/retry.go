package proxy

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jmanhype/runestone/pkg/apierr"
)

// Error kinds classified for retry decisions.
const (
	KindTimeout     = "timeout"
	KindConnection  = "connection"
	KindRateLimit   = "rate_limit"
	KindServerError = "server_error"
	KindClientError = "client_error"
	KindCircuitOpen = "circuit_open"
	KindUnknown     = "unknown"
)

// RetryPolicy drives exponential backoff with optional jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      bool

	// Retryable holds the error kinds worth another attempt. Nil means
	// the default set: timeout, connection, rate_limit, server_error.
	Retryable map[string]bool

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy matches the gateway's standard provider settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Factor:      2.0,
		Jitter:      true,
	}
}

// RetryOutcome reports how a WithRetry run ended.
type RetryOutcome struct {
	Attempts int
	Err      error
}

// ClassifyErr buckets an error into a retry kind.
//
// Circuit-open errors are their own kind and are never retried here: the
// breaker already decided the provider is down, so retrying the same
// provider would only hammer it.
func ClassifyErr(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindConnection
	}

	var se *apierr.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == 429:
			return KindRateLimit
		case se.Status == 504 || se.Status == 408:
			return KindTimeout
		case se.Status >= 500:
			return KindServerError
		case se.Status >= 400:
			return KindClientError
		}
	}

	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

func (p RetryPolicy) retryable(kind string) bool {
	if p.Retryable != nil {
		return p.Retryable[kind]
	}
	switch kind {
	case KindTimeout, KindConnection, KindRateLimit, KindServerError:
		return true
	}
	return false
}

// Delay computes the backoff before attempt n (1-based): min(max, base·factor^(n-1)),
// ± up to 25% jitter when enabled.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.Jitter {
		d += d * (rand.Float64()*0.5 - 0.25)
	}
	return time.Duration(d)
}

// WithRetry runs op until it succeeds, exhausts MaxAttempts, or hits a
// non-retryable error. The outcome carries the attempt count and final error.
func (p RetryPolicy) WithRetry(ctx context.Context, op func(ctx context.Context) error) RetryOutcome {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return RetryOutcome{Attempts: attempt}
		}
		if !p.retryable(ClassifyErr(lastErr)) || attempt == maxAttempts {
			return RetryOutcome{Attempts: attempt, Err: lastErr}
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return RetryOutcome{Attempts: attempt, Err: lastErr}
		}
	}
	return RetryOutcome{Attempts: maxAttempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
