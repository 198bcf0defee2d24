package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/jmanhype/runestone/internal/auth"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full request handler: routes plus the middleware chain.
// Auth runs outermost of the route-aware layers so every /v1 route is
// protected; probes and the metrics scrape bypass it inside the middleware.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.POST("/v1/completions", g.dispatchCompletions)
	r.POST("/v1/embeddings", g.dispatchEmbeddings)
	r.GET("/v1/models", g.handleListModels)
	r.GET("/v1/models/{id}", g.handleGetModel)
	r.GET("/v1/aliases", g.handleListAliases)
	r.GET("/health", g.handleHealth)
	r.GET("/health/live", g.handleLiveness)
	r.GET("/health/ready", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	mws := []func(fasthttp.RequestHandler) fasthttp.RequestHandler{
		recovery,
		requestID,
		timing,
	}
	if g.metrics != nil {
		mws = append(mws, httpMetrics(g.metrics))
	}
	mws = append(mws, corsHandler(g.corsOrigins), securityHeaders)
	if g.keys != nil {
		mws = append(mws, auth.Middleware(g.keys, g.log))
	}
	return applyMiddleware(r.Handler, mws...)
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

// handleLiveness answers 200 whenever the process is serving requests.
func (g *Gateway) handleLiveness(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
