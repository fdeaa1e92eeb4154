// Package providers defines the adapter contract and shared types used by all
// LLM provider implementations (OpenAI, Anthropic, Gemini, and any
// OpenAI-compatible endpoint).
//
// An Adapter normalizes calls to one provider kind. It is implemented once per
// kind and selected by the Kind tag on a Deployment — never by runtime type
// inspection. Adapters translate provider failures into *ProviderError so the
// router can decide between failover and terminal rejection.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider kind tags carried on Deployment records.
const (
	KindOpenAI       = "openai"
	KindAnthropic    = "anthropic"
	KindGemini       = "gemini"
	KindOpenAICompat = "openai_compat"
)

// Default call constants.
const (
	// CallTimeout is the default per-attempt timeout for one provider call.
	CallTimeout = 30 * time.Second

	// DefaultMaxTokens is used when the client does not cap the completion.
	DefaultMaxTokens = 4096
)

type (
	// Deployment is one provider-bound backend configuration. Multiple
	// deployments can back one public model alias, ordered by Priority
	// ascending with Seq (creation order) as the tie-break.
	Deployment struct {
		ID          string
		Name        string
		Kind        string // one of the Kind* constants
		ModelAlias  string // public model name clients request
		TargetModel string // provider-side model identifier
		Endpoint    string // base URL override; empty means provider default
		APIKey      string // provider credential
		Priority    int    // lower = tried first
		Seq         int64  // creation order, assigned by the registry
		Active      bool
		CreatedAt   time.Time
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Request — normalized client request. Model is the provider-side model,
	// filled in by the router from the selected deployment.
	Request struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		TopP        float64
		MaxTokens   int
		RequestID   string
	}

	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Response — normalized provider response.
	Response struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil for non-streaming responses
	}
)

// Adapter — normalized interface to one provider kind.
type Adapter interface {
	Kind() string
	Call(ctx context.Context, dep *Deployment, req *Request) (*Response, error)
}

// ErrorKind classifies a provider failure. The router uses it as the single
// source of truth for what triggers fallback versus terminal failure.
type ErrorKind string

const (
	ErrTimeout     ErrorKind = "timeout"      // attempt deadline exceeded
	ErrServerError ErrorKind = "server_error" // provider 5xx / transport failure
	ErrRateLimited ErrorKind = "rate_limited" // provider-side 429
	ErrClientError ErrorKind = "client_error" // provider 4xx — retrying elsewhere cannot succeed
)

// ProviderError is a structured error returned by an adapter.
type ProviderError struct {
	Deployment string
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (kind=%s, status=%d)", e.Deployment, e.Message, e.Kind, e.StatusCode)
}

// HTTPStatus reports the upstream HTTP status, 0 when not HTTP-derived.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// KindFromStatus maps an upstream HTTP status to an ErrorKind.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return ErrRateLimited
	case status >= 500:
		return ErrServerError
	case status >= 400:
		return ErrClientError
	default:
		return ErrServerError
	}
}

// Classify converts any error from an adapter call into an ErrorKind.
// Unknown errors are treated as server errors (conservatively retryable).
func Classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrServerError
}

// Retryable reports whether err should trigger failover to the next
// deployment. Timeouts, provider 5xx, and provider-side rate limits are
// retryable; client faults are terminal.
func Retryable(err error) bool {
	return Classify(err) != ErrClientError
}
