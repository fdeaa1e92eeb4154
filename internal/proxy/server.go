package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/conduithq/conduit/internal/auth"
	"github.com/conduithq/conduit/pkg/apierr"
)

// Handler builds the full route table wrapped in the middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	route := func(name string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return g.timing(name, h)
	}

	// OpenAI-compatible surface.
	r.POST("/v1/chat/completions", route("/v1/chat/completions", g.handleChatCompletions))
	r.POST("/v1/completions", route("/v1/completions", g.handleCompletions))
	r.GET("/v1/models", route("/v1/models", g.handleModels))

	// Admin surface.
	r.POST("/admin/v1/keys", route("/admin/v1/keys", g.handleCreateKey))
	r.GET("/admin/v1/keys", route("/admin/v1/keys", g.handleListKeys))
	r.DELETE("/admin/v1/keys/{id}", route("/admin/v1/keys/{id}", g.handleRevokeKey))
	r.POST("/admin/v1/deployments", route("/admin/v1/deployments", g.handleCreateDeployment))
	r.GET("/admin/v1/deployments", route("/admin/v1/deployments", g.handleListDeployments))
	r.DELETE("/admin/v1/deployments/{id}", route("/admin/v1/deployments/{id}", g.handleDeactivateDeployment))
	r.POST("/admin/v1/pricing/reload", route("/admin/v1/pricing/reload", g.handleReloadPricing))
	r.GET("/admin/v1/analytics/spend", route("/admin/v1/analytics/spend", g.handleSpendAnalytics))
	r.GET("/admin/v1/cache/stats", route("/admin/v1/cache/stats", g.handleCacheStats))
	r.POST("/admin/v1/cache/clear", route("/admin/v1/cache/clear", g.handleCacheClear))

	// Operational surface.
	r.GET("/health", route("/health", g.handleHealth))
	r.GET("/readiness", route("/readiness", g.handleReadiness))
	r.GET("/metrics", g.metrics.Handler())

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error": "not found"})
	}

	return applyMiddleware(r.Handler,
		g.recovery,
		g.withRequestID,
		g.securityHeaders,
		g.cors,
	)
}

// Server wraps the fasthttp server for lifecycle control.
type Server struct {
	srv *fasthttp.Server
}

// NewServer configures the listener around the gateway's handler. Write
// timeout is generous because streaming responses hold the connection open.
func (g *Gateway) NewServer() *Server {
	return &Server{
		srv: &fasthttp.Server{
			Handler:            g.Handler(),
			Name:               "conduit",
			ReadTimeout:        60 * time.Second,
			WriteTimeout:       10 * time.Minute,
			MaxRequestBodySize: 10 << 20,
		},
	}
}

func (s *Server) ListenAndServe(addr string) error { return s.srv.ListenAndServe(addr) }

func (s *Server) Shutdown() error { return s.srv.Shutdown() }

// handleModels lists the model aliases that currently have at least one
// active deployment, in the OpenAI list shape.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	if _, ok := g.authenticate(ctx); !ok {
		return
	}

	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	aliases := g.registry.Aliases()
	models := make([]model, 0, len(aliases))
	for _, alias := range aliases {
		models = append(models, model{
			ID:      alias,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "conduit",
		})
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleHealth reports component status. Always 200; this is informational,
// readiness is the gate.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	components := map[string]any{}

	if g.store != nil {
		if err := g.store.Ping(ctx); err != nil {
			components["store"] = "error: " + err.Error()
		} else {
			components["store"] = "ok"
		}
	}

	deployments := map[string]string{}
	for _, dep := range g.registry.All() {
		if !dep.Active {
			deployments[dep.Name] = "inactive"
			continue
		}
		healthy := g.health == nil || g.health.Healthy(dep.ID)
		g.metrics.SetDeploymentHealth(dep.Name, healthy)
		if healthy {
			deployments[dep.Name] = "healthy"
		} else {
			deployments[dep.Name] = "benched"
		}
	}
	components["deployments"] = deployments

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":     "ok",
		"version":    g.version,
		"components": components,
	})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.store != nil {
		if err := g.store.Ping(ctx); err != nil {
			writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ready"})
}

// requireScope authenticates and checks one admin scope, writing the error
// response itself on failure.
func (g *Gateway) requireScope(ctx *fasthttp.RequestCtx, scope string) (*auth.Key, bool) {
	key, ok := g.authenticate(ctx)
	if !ok {
		return nil, false
	}
	if err := g.gate.Authorize(key, scope); err != nil {
		apierr.WriteForbidden(ctx, "API key lacks the "+scope+" scope")
		return nil, false
	}
	return key, true
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"encoding failure"}`)
		return
	}
	ctx.SetBody(data)
}
