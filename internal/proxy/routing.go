package proxy

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/jmanhype/runestone/internal/cost"
	"github.com/jmanhype/runestone/internal/providers"
	"github.com/jmanhype/runestone/internal/telemetry"
)

// Routing policies selectable via configuration.
const (
	PolicyDefault  = "default"
	PolicyCost     = "cost"
	PolicyHealth   = "health"
	PolicyEnhanced = "enhanced"
)

// HealthSource reports a provider health score in [0,1]. The health checker
// implements it; tests substitute fixed scores.
type HealthSource interface {
	Score(provider string) float64
}

// RouteRequest carries the routing-relevant fields of a client request.
type RouteRequest struct {
	Provider     string
	Model        string
	RequestID    string
	Requirements *Requirements
}

// Requirements narrows candidate providers under the cost policy.
type Requirements struct {
	ModelFamily     string
	Capabilities    []string
	MaxCostPerToken float64
}

// RouteDecision is the routing outcome.
type RouteDecision struct {
	Provider string
	Model    string
	Entry    *providers.Entry
	Policy   string
	Enhanced bool
	// MockMode is set when no registered provider can serve the request;
	// the gateway answers with the in-process mock provider.
	MockMode bool
}

// Router selects a provider + model tuple for each request. It holds no
// mutable state of its own; everything it reads is an immutable snapshot or
// a component with its own serialization.
type Router struct {
	registry *providers.Registry
	costs    *cost.Table
	breaker  *CircuitBreaker
	health   HealthSource
	bus      *telemetry.Bus
	log      *slog.Logger

	policy          string
	healthThreshold float64
}

// RouterOpts configures a Router.
type RouterOpts struct {
	Registry        *providers.Registry
	Costs           *cost.Table
	Breaker         *CircuitBreaker
	Health          HealthSource
	Bus             *telemetry.Bus
	Log             *slog.Logger
	Policy          string
	HealthThreshold float64
}

// NewRouter builds a Router. Policy defaults to "default", threshold to 0.5.
func NewRouter(opts RouterOpts) *Router {
	if opts.Policy == "" {
		opts.Policy = PolicyDefault
	}
	if opts.HealthThreshold == 0 {
		opts.HealthThreshold = 0.5
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Router{
		registry:        opts.Registry,
		costs:           opts.Costs,
		breaker:         opts.Breaker,
		health:          opts.Health,
		bus:             opts.Bus,
		log:             opts.Log,
		policy:          opts.Policy,
		healthThreshold: opts.HealthThreshold,
	}
}

// Route picks the provider and model for req under the configured policy.
func (r *Router) Route(req RouteRequest) RouteDecision {
	var d RouteDecision
	switch r.policy {
	case PolicyCost:
		d = r.routeCost(req)
	case PolicyHealth:
		d = r.routeHealth(req)
	case PolicyEnhanced:
		d = r.routeEnhanced(req)
	default:
		d = r.routeDefault(req)
	}
	d.Policy = r.policy

	r.bus.Emit(telemetry.EventRouterDecide, nil, map[string]string{
		"provider":   d.Provider,
		"policy":     r.policy,
		"request_id": req.RequestID,
		"strategy":   r.policy,
	})
	return d
}

// routeDefault implements the standard decision order:
//
//  1. provider+model given and the provider supports the model → that tuple
//  2. provider given → its default model
//  3. model given → first registered provider supporting it
//  4. neither → default provider + its default model
//  5. nothing registered → mock mode
func (r *Router) routeDefault(req RouteRequest) RouteDecision {
	if req.Provider != "" && req.Model != "" {
		if e, ok := r.registry.Get(req.Provider); ok && e.SupportsModel(req.Model) {
			return RouteDecision{Provider: e.Name, Model: req.Model, Entry: e}
		}
	}

	if req.Provider != "" {
		if e, ok := r.registry.Get(req.Provider); ok && e.Config.DefaultModel != "" {
			return RouteDecision{Provider: e.Name, Model: e.Config.DefaultModel, Entry: e}
		}
	}

	if req.Model != "" {
		if e, ok := r.registry.FirstSupporting(req.Model); ok {
			return RouteDecision{Provider: e.Name, Model: req.Model, Entry: e}
		}
		// Well-known model name with no registered provider for it.
		if name, ok := providers.ModelAliases[req.Model]; ok {
			if e, ok := r.registry.Get(name); ok {
				return RouteDecision{Provider: e.Name, Model: req.Model, Entry: e}
			}
		}
	}

	if e := r.registry.Default(); e != nil {
		model := req.Model
		if model == "" {
			model = e.Config.DefaultModel
		}
		return RouteDecision{Provider: e.Name, Model: model, Entry: e}
	}

	// Nothing registered at all: keep the legacy-compatible shape and let
	// the mock provider answer.
	return RouteDecision{Provider: "mock", Model: req.Model, MockMode: true}
}

// routeCost filters candidates by the request requirements and ranks them by
// price per 1k tokens ascending, priority then name breaking ties.
func (r *Router) routeCost(req RouteRequest) RouteDecision {
	type scored struct {
		entry *providers.Entry
		model string
		price float64
	}

	var candidates []scored
	for _, e := range r.registry.Entries() {
		model := r.modelFor(e, req)
		if model == "" {
			continue
		}
		mc, ok := r.lookupCost(e.Name, model)
		if !ok {
			continue
		}
		if !meetsRequirements(mc, req.Requirements) {
			continue
		}
		candidates = append(candidates, scored{entry: e, model: model, price: mc.InputPer1K + mc.OutputPer1K})
	}

	if len(candidates) == 0 {
		return r.routeDefault(req)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].price != candidates[j].price {
			return candidates[i].price < candidates[j].price
		}
		if candidates[i].entry.Config.Priority != candidates[j].entry.Config.Priority {
			return candidates[i].entry.Config.Priority < candidates[j].entry.Config.Priority
		}
		return candidates[i].entry.Name < candidates[j].entry.Name
	})

	best := candidates[0]
	return RouteDecision{Provider: best.entry.Name, Model: best.model, Entry: best.entry}
}

// routeHealth considers only providers whose circuit admits traffic and
// whose health score clears the threshold. The requested provider wins when
// eligible; otherwise the first eligible by priority.
func (r *Router) routeHealth(req RouteRequest) RouteDecision {
	eligible := func(e *providers.Entry) bool {
		if r.breaker != nil && r.breaker.StateLabel(e.Name) == "open" {
			return false
		}
		return r.score(e.Name) >= r.healthThreshold
	}

	if req.Provider != "" {
		if e, ok := r.registry.Get(req.Provider); ok && eligible(e) {
			return RouteDecision{Provider: e.Name, Model: r.modelFor(e, req), Entry: e}
		}
	}

	for _, e := range r.registry.Entries() {
		if !eligible(e) {
			continue
		}
		model := r.modelFor(e, req)
		if model == "" {
			continue
		}
		return RouteDecision{Provider: e.Name, Model: model, Entry: e}
	}
	return r.routeDefault(req)
}

// routeEnhanced scores every provider and picks the highest:
// 100 + 50·health + 30 if the model is supported + 40 if it matches the
// requested provider. Lexical name order breaks ties.
func (r *Router) routeEnhanced(req RouteRequest) RouteDecision {
	type scored struct {
		entry *providers.Entry
		score float64
	}

	var best *scored
	for _, e := range r.registry.Entries() {
		s := 100.0 + 50.0*r.score(e.Name)
		if req.Model != "" && e.SupportsModel(req.Model) {
			s += 30
		}
		if req.Provider != "" && e.Name == req.Provider {
			s += 40
		}
		cand := scored{entry: e, score: s}
		if best == nil || cand.score > best.score ||
			(cand.score == best.score && cand.entry.Name < best.entry.Name) {
			best = &cand
		}
	}

	if best == nil {
		return r.routeDefault(req)
	}
	return RouteDecision{
		Provider: best.entry.Name,
		Model:    r.modelFor(best.entry, req),
		Entry:    best.entry,
		Enhanced: true,
	}
}

// modelFor resolves the model to run on entry: the requested model when
// supported, the entry default otherwise.
func (r *Router) modelFor(e *providers.Entry, req RouteRequest) string {
	if req.Model != "" && e.SupportsModel(req.Model) {
		return req.Model
	}
	return e.Config.DefaultModel
}

func (r *Router) lookupCost(provider, model string) (cost.ModelCost, bool) {
	if r.costs == nil {
		return cost.ModelCost{}, false
	}
	return r.costs.Lookup(provider, model)
}

func (r *Router) score(provider string) float64 {
	if r.health == nil {
		return 1.0
	}
	return r.health.Score(provider)
}

// meetsRequirements filters a candidate model against request requirements.
// A model family is a name prefix: family "gpt-4" admits gpt-4o and
// gpt-4o-mini but not gpt-3.5-turbo.
func meetsRequirements(mc cost.ModelCost, reqs *Requirements) bool {
	if reqs == nil {
		return true
	}
	if reqs.ModelFamily != "" && !strings.HasPrefix(mc.Model, reqs.ModelFamily) {
		return false
	}
	for _, c := range reqs.Capabilities {
		if !mc.HasCapability(c) {
			return false
		}
	}
	if reqs.MaxCostPerToken > 0 {
		perToken := (mc.InputPer1K + mc.OutputPer1K) / 1000
		if perToken > reqs.MaxCostPerToken {
			return false
		}
	}
	return true
}
