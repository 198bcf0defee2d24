package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/jmanhype/runestone/internal/metrics"
	"github.com/jmanhype/runestone/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// downAfterFailures is how many consecutive probe failures demote a provider
// from "degraded" to "down".
const downAfterFailures = 3

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu       sync.RWMutex
	status   string // "ok" | "degraded" | "down"
	failures int
}

func (s *componentStatus) setOK() {
	s.mu.Lock()
	s.status = "ok"
	s.failures = 0
	s.mu.Unlock()
}

func (s *componentStatus) setFailed() {
	s.mu.Lock()
	s.failures++
	if s.failures >= downAfterFailures {
		s.status = "down"
	} else {
		s.status = "degraded"
	}
	s.mu.Unlock()
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results. It
// also implements HealthSource for health-aware routing and failover.
type HealthChecker struct {
	providers  map[string]providers.Provider
	redisReady func() bool
	sinkReady  func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	providerStatuses map[string]*componentStatus
	redisStatus      componentStatus
	sinkStatus       componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. redisReady and sinkReady report the rate-limit backend and the
// request-log sink; pass nil for components that are not configured.
func NewHealthChecker(
	ctx context.Context,
	provs map[string]providers.Provider,
	redisReady, sinkReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		providers:        provs,
		redisReady:       redisReady,
		sinkReady:        sinkReady,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	for name := range provs {
		hc.providerStatuses[name] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Redis         string            `json:"redis"`
	LogSink       string            `json:"log_sink"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	redis := hc.redisStatus.get()
	sink := hc.sinkStatus.get()
	if redis == "down" || sink == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Redis:         redis,
		LogSink:       sink,
	}
}

// Score maps a provider's probe status to [0,1] for routing decisions.
// Providers not yet probed count as healthy so routing never starves on a
// cold start.
func (hc *HealthChecker) Score(provider string) float64 {
	s, ok := hc.providerStatuses[provider]
	if !ok {
		return 1.0
	}
	switch s.get() {
	case "down":
		return 0.0
	case "degraded":
		return 0.5
	default: // "ok", "unknown"
		return 1.0
	}
}

// ReadinessOK returns true when the shared backends are reachable
// (used by GET /health/ready for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.redisStatus.get() != "down" && hc.sinkStatus.get() != "down"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Provider probes — run in parallel.
	var wg sync.WaitGroup
	for name, prov := range hc.providers {
		name, prov := name, prov
		s := hc.providerStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := prov.HealthCheck(ctx); err != nil {
				s.setFailed()
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, false)
				}
			} else {
				s.setOK()
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, true)
				}
			}
		}()
	}

	// Backend probes — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.redisReady == nil || hc.redisReady() {
			hc.redisStatus.set("ok")
		} else {
			hc.redisStatus.set("down")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.sinkReady == nil || hc.sinkReady() {
			hc.sinkStatus.set("ok")
		} else {
			hc.sinkStatus.set("down")
		}
	}()

	wg.Wait()
}
