// Package ratelimit implements per-key rate limiting with two sliding
// windows (minute and hour) plus a concurrent-stream slot count. The default
// backend is in-process; a Redis backend shares the windows across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Block reasons returned in Decision.Reason.
const (
	ReasonMinuteLimit     = "minute_limit_exceeded"
	ReasonHourLimit       = "hour_limit_exceeded"
	ReasonConcurrentLimit = "concurrent_limit_exceeded"
)

// Defaults applied when a policy leaves a field unset.
const (
	DefaultRPM        = 60
	DefaultConcurrent = 10
)

const (
	minuteWindow = 60 * time.Second
	hourWindow   = 3600 * time.Second
)

// retention keeps idle keys for twice the longest window before sweeping.
const retention = 2 * hourWindow

// Policy is the per-key limit set.
type Policy struct {
	RPM        int `json:"rpm"`
	RPH        int `json:"rph"`
	Concurrent int `json:"concurrent"`
}

// NormalizePolicy fills a partial policy with defaults. The convenience form
// of "just an rpm number" expands to {rpm, rph: 60*rpm, concurrent: default}.
func NormalizePolicy(p Policy) Policy {
	if p.RPM <= 0 {
		p.RPM = DefaultRPM
	}
	if p.RPH <= 0 {
		p.RPH = 60 * p.RPM
	}
	if p.Concurrent <= 0 {
		p.Concurrent = DefaultConcurrent
	}
	return p
}

// PolicyFromRPM is the integer shorthand: n → {rpm:n, rph:60n, concurrent:default}.
func PolicyFromRPM(rpm int) Policy {
	return NormalizePolicy(Policy{RPM: rpm})
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration

	// Window state at decision time, for X-RateLimit response headers.
	MinuteLimit     int
	MinuteRemaining int
	HourLimit       int
	HourRemaining   int
}

// WindowStatus describes one window for Status reporting.
type WindowStatus struct {
	Limit   int       `json:"limit"`
	Used    int       `json:"used"`
	ResetAt time.Time `json:"reset_at"`
}

// SlotStatus describes the concurrent slots.
type SlotStatus struct {
	Limit int `json:"limit"`
	Used  int `json:"used"`
}

// Status is the full per-key view.
type Status struct {
	PerMinute  WindowStatus `json:"per_minute"`
	PerHour    WindowStatus `json:"per_hour"`
	Concurrent SlotStatus   `json:"concurrent"`
}

// bucket is one fixed-start window: counts requests since start, resets when
// the window elapses.
type bucket struct {
	start time.Time
	count int
}

func (b *bucket) countAt(now time.Time, window time.Duration) int {
	if now.Sub(b.start) >= window {
		return 0
	}
	return b.count
}

func (b *bucket) increment(now time.Time, window time.Duration) {
	if now.Sub(b.start) >= window {
		b.start = now
		b.count = 0
	}
	b.count++
}

type keyState struct {
	minute     bucket
	hour       bucket
	concurrent int
	lastSeen   time.Time
}

// KeyLimiter is the in-process backend. Check-and-increment is atomic per
// key under the limiter mutex.
type KeyLimiter struct {
	mu    sync.Mutex
	keys  map[string]*keyState
	now   func() time.Time
	sweep time.Time
}

// NewKeyLimiter creates an empty limiter.
func NewKeyLimiter() *KeyLimiter {
	return &KeyLimiter{
		keys: make(map[string]*keyState),
		now:  time.Now,
	}
}

// Check applies the policy to key and, when allowed, counts the request in
// both windows. The concurrent slot is NOT taken here — that happens in
// StartRequest once the stream actually begins.
func (l *KeyLimiter) Check(key string, policy Policy) Decision {
	p := NormalizePolicy(policy)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeSweep(now)

	st := l.state(key, now)

	d := Decision{
		MinuteLimit: p.RPM,
		HourLimit:   p.RPH,
	}

	minUsed := st.minute.countAt(now, minuteWindow)
	hourUsed := st.hour.countAt(now, hourWindow)

	switch {
	case minUsed >= p.RPM:
		d.Reason = ReasonMinuteLimit
		d.RetryAfter = remainingIn(st.minute.start, now, minuteWindow)
	case hourUsed >= p.RPH:
		d.Reason = ReasonHourLimit
		d.RetryAfter = remainingIn(st.hour.start, now, hourWindow)
	case st.concurrent >= p.Concurrent:
		d.Reason = ReasonConcurrentLimit
		d.RetryAfter = time.Second
	default:
		d.Allowed = true
		st.minute.increment(now, minuteWindow)
		st.hour.increment(now, hourWindow)
		minUsed++
		hourUsed++
	}

	d.MinuteRemaining = clampNonNegative(p.RPM - minUsed)
	d.HourRemaining = clampNonNegative(p.RPH - hourUsed)
	return d
}

// StartRequest takes a concurrent slot for key.
func (l *KeyLimiter) StartRequest(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(key, l.now())
	st.concurrent++
}

// FinishRequest releases a concurrent slot. Safe to call when no slot is
// held; the count never goes negative.
func (l *KeyLimiter) FinishRequest(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.keys[key]
	if !ok {
		return
	}
	st.lastSeen = l.now()
	if st.concurrent > 0 {
		st.concurrent--
	}
}

// Status reports the current window state for key under the given policy.
func (l *KeyLimiter) Status(key string, policy Policy) Status {
	p := NormalizePolicy(policy)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(key, now)

	return Status{
		PerMinute: WindowStatus{
			Limit:   p.RPM,
			Used:    st.minute.countAt(now, minuteWindow),
			ResetAt: resetAt(st.minute.start, now, minuteWindow),
		},
		PerHour: WindowStatus{
			Limit:   p.RPH,
			Used:    st.hour.countAt(now, hourWindow),
			ResetAt: resetAt(st.hour.start, now, hourWindow),
		},
		Concurrent: SlotStatus{
			Limit: p.Concurrent,
			Used:  st.concurrent,
		},
	}
}

// Sweep removes keys idle longer than the retention. It is also invoked
// opportunistically from Check.
func (l *KeyLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

func (l *KeyLimiter) maybeSweep(now time.Time) {
	if now.Sub(l.sweep) < minuteWindow {
		return
	}
	l.sweep = now
	l.sweepLocked(now)
}

func (l *KeyLimiter) sweepLocked(now time.Time) int {
	removed := 0
	for k, st := range l.keys {
		// Never drop a key with live streams, however old.
		if st.concurrent > 0 {
			continue
		}
		if now.Sub(st.lastSeen) > retention {
			delete(l.keys, k)
			removed++
		}
	}
	return removed
}

func (l *KeyLimiter) state(key string, now time.Time) *keyState {
	st, ok := l.keys[key]
	if !ok {
		st = &keyState{}
		l.keys[key] = st
	}
	st.lastSeen = now
	return st
}

func remainingIn(start, now time.Time, window time.Duration) time.Duration {
	rem := window - now.Sub(start)
	if rem < time.Second {
		return time.Second
	}
	return rem
}

func resetAt(start, now time.Time, window time.Duration) time.Time {
	if now.Sub(start) >= window {
		return now.Add(window)
	}
	return start.Add(window)
}

func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Limiter is the backend interface the gateway consumes. Both KeyLimiter
// and RedisLimiter satisfy it.
type Limiter interface {
	Check(ctx context.Context, key string, policy Policy) (Decision, error)
	StartRequest(ctx context.Context, key string) error
	FinishRequest(ctx context.Context, key string) error
	Status(ctx context.Context, key string, policy Policy) (Status, error)
}

// Local wraps KeyLimiter with the context-taking Limiter interface.
type Local struct {
	*KeyLimiter
}

// NewLocal returns an in-process Limiter.
func NewLocal() Local {
	return Local{NewKeyLimiter()}
}

func (l Local) Check(_ context.Context, key string, policy Policy) (Decision, error) {
	return l.KeyLimiter.Check(key, policy), nil
}

func (l Local) StartRequest(_ context.Context, key string) error {
	l.KeyLimiter.StartRequest(key)
	return nil
}

func (l Local) FinishRequest(_ context.Context, key string) error {
	l.KeyLimiter.FinishRequest(key)
	return nil
}

func (l Local) Status(_ context.Context, key string, policy Policy) (Status, error) {
	return l.KeyLimiter.Status(key, policy), nil
}
