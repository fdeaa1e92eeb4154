// Package apierr writes OpenAI-style JSON error envelopes onto fasthttp
// responses. Every client-visible failure in the gateway goes through one of
// the Write helpers so the error body shape stays uniform.
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Error types mirror the OpenAI error taxonomy.
const (
	TypeAuthentication = "authentication_error"
	TypeAuthorization  = "authorization_error"
	TypeRateLimit      = "rate_limit_error"
	TypeBudget         = "budget_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeProvider       = "provider_error"
	TypeServer         = "server_error"
)

// Error kinds refine the type with the gateway's own failure classes.
const (
	KindUnauthenticated     = "unauthenticated"
	KindKeyDisabled         = "key_disabled"
	KindForbidden           = "forbidden"
	KindRateLimited         = "rate_limited"
	KindBudgetExceeded      = "budget_exceeded"
	KindUpstreamUnavailable = "upstream_unavailable"
	KindClientFault         = "client_fault"
	KindInternalFault       = "internal_fault"
)

// APIError is the inner error object of the envelope.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Kind    string `json:"code,omitempty"`
}

type envelope struct {
	Error APIError `json:"error"`
}

// Write serializes the envelope and sets the response status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, kind string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")

	body, err := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Kind:    kind,
	}})
	if err != nil {
		ctx.SetBodyString(`{"error":{"message":"internal error","type":"server_error"}}`)
		return
	}
	ctx.SetBody(body)
}

func WriteUnauthenticated(ctx *fasthttp.RequestCtx, message string) {
	if message == "" {
		message = "missing or invalid API key"
	}
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthentication, KindUnauthenticated)
}

func WriteKeyDisabled(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "API key is disabled or expired", TypeAuthentication, KindKeyDisabled)
}

func WriteForbidden(ctx *fasthttp.RequestCtx, message string) {
	if message == "" {
		message = "API key lacks the required scope"
	}
	Write(ctx, fasthttp.StatusForbidden, message, TypeAuthorization, KindForbidden)
}

// WriteRateLimit emits 429 with a Retry-After header rounded up to whole
// seconds (never below 1, clients treat 0 as "retry immediately").
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(secs, 10))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded, slow down", TypeRateLimit, KindRateLimited)
}

func WriteBudgetExceeded(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusPaymentRequired, "budget limit exceeded for this API key", TypeBudget, KindBudgetExceeded)
}

func WriteUpstreamUnavailable(ctx *fasthttp.RequestCtx, message string) {
	if message == "" {
		message = "all upstream deployments failed"
	}
	Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeProvider, KindUpstreamUnavailable)
}

func WriteClientFault(ctx *fasthttp.RequestCtx, status int, message string) {
	if status < 400 || status > 499 {
		status = fasthttp.StatusBadRequest
	}
	Write(ctx, status, message, TypeInvalidRequest, KindClientFault)
}

func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServer, KindInternalFault)
}
