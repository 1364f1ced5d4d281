package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the API routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full middleware-wrapped request handler. Exposed so
// tests can serve it over an in-memory listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/auth/token", g.handleToken)
	r.DELETE("/v1/auth/token", g.handleRevoke)
	r.POST("/v1/invoke", g.handleInvoke)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for mgmt to start without the metrics endpoint.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleToken(ctx *fasthttp.RequestCtx) {
	g.dispatchToken(ctx)
}

func (g *Gateway) handleRevoke(ctx *fasthttp.RequestCtx) {
	g.dispatchRevoke(ctx)
}

func (g *Gateway) handleInvoke(ctx *fasthttp.RequestCtx) {
	g.dispatchInvoke(ctx)
}

func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	g.dispatchModels(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
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
