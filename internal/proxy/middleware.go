package proxy

import (
	"errors"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/conduithq/conduit/internal/auth"
	"github.com/conduithq/conduit/pkg/apierr"
)

const requestIDKey = "request_id"

type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// applyMiddleware wraps h so the first middleware in the list runs first.
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// recovery turns panics into 500s instead of dropped connections.
func (g *Gateway) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				debug.PrintStack()
				g.log.Error("panic recovered",
					"panic", r,
					"method", string(ctx.Method()),
					"path", string(ctx.Path()),
					"request_id", requestID(ctx),
				)
				apierr.WriteInternal(ctx)
			}
		}()
		next(ctx)
	}
}

// withRequestID honors an inbound X-Request-ID or mints one, and echoes it on
// the response so clients can correlate.
func (g *Gateway) withRequestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx.SetUserValue(requestIDKey, id)
		ctx.Response.Header.Set("X-Request-ID", id)
		next(ctx)
	}
}

// timing records HTTP-level metrics for every request.
func (g *Gateway) timing(route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		g.metrics.IncInFlight()
		start := time.Now()
		next(ctx)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		g.metrics.DecInFlight()
	}
}

func (g *Gateway) securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("X-Content-Type-Options", "nosniff")
		ctx.Response.Header.Set("X-Frame-Options", "DENY")
		next(ctx)
	}
}

// cors answers preflight and sets the allow headers for configured origins.
func (g *Gateway) cors(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	allowAny := false
	allowed := make(map[string]struct{}, len(g.corsOrigins))
	for _, o := range g.corsOrigins {
		if o == "*" {
			allowAny = true
		}
		allowed[o] = struct{}{}
	}

	return func(ctx *fasthttp.RequestCtx) {
		origin := string(ctx.Request.Header.Peek("Origin"))
		if origin != "" {
			_, ok := allowed[origin]
			if allowAny {
				ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
			} else if ok {
				ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
				ctx.Response.Header.Set("Vary", "Origin")
			}
			if allowAny || ok {
				ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				ctx.Response.Header.Set("Access-Control-Max-Age", "600")
			}
		}

		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}
		next(ctx)
	}
}

// requestID returns the id assigned by withRequestID, empty if unset.
func requestID(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// authenticate resolves the Authorization header, writing the error response
// itself on failure.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*auth.Key, bool) {
	key, err := g.gate.Authenticate(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrKeyDisabled):
			apierr.WriteKeyDisabled(ctx)
		case errors.Is(err, auth.ErrUnauthenticated):
			apierr.WriteUnauthenticated(ctx, "")
		default:
			g.log.ErrorContext(ctx, "auth lookup failed", "error", err)
			apierr.WriteInternal(ctx)
		}
		return nil, false
	}
	return key, true
}
