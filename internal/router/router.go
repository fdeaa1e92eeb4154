package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conduithq/conduit/internal/providers"
)

// ErrNoDeployments means the requested model alias has no active deployments.
var ErrNoDeployments = errors.New("router: no active deployments for model")

// Attempt is one entry in the failover transcript.
type Attempt struct {
	Deployment string `json:"deployment"`
	Kind       string `json:"kind"` // "ok" or the failure kind
	Error      string `json:"error,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
}

// Result is a successful dispatch: the response, the deployment that served
// it, and the full attempt transcript including earlier failures.
type Result struct {
	Response   *providers.Response
	Deployment *providers.Deployment
	Attempts   []Attempt
}

// ExhaustedError reports that every candidate failed.
type ExhaustedError struct {
	Alias    string
	Attempts []Attempt
	last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("router: all %d deployments for %q failed", len(e.Attempts), e.Alias)
}

func (e *ExhaustedError) Unwrap() error { return e.last }

// TerminalError reports a client fault from the provider: the request itself
// is bad and retrying on another deployment cannot succeed.
type TerminalError struct {
	Attempts []Attempt
	Err      error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Router walks the candidate list for an alias, calling deployments in
// priority order until one succeeds.
type Router struct {
	registry       *Registry
	health         *HealthTracker
	adapters       map[string]providers.Adapter
	attemptTimeout time.Duration
	log            *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithAttemptTimeout caps each non-streaming attempt. Zero disables the cap.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Router) { r.attemptTimeout = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

func New(registry *Registry, health *HealthTracker, adapters []providers.Adapter, opts ...Option) *Router {
	r := &Router{
		registry:       registry,
		health:         health,
		adapters:       make(map[string]providers.Adapter, len(adapters)),
		attemptTimeout: providers.CallTimeout,
		log:            slog.Default(),
	}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Dispatch routes one request. Unhealthy deployments are moved to the back of
// the candidate order, so they are attempted only when nothing healthy is
// left — being benched never strands an alias entirely.
func (r *Router) Dispatch(ctx context.Context, alias string, req *providers.Request) (*Result, error) {
	candidates := r.registry.Candidates(alias)
	if len(candidates) == 0 {
		return nil, ErrNoDeployments
	}

	ordered := make([]*providers.Deployment, 0, len(candidates))
	var benched []*providers.Deployment
	for _, d := range candidates {
		if r.health.Healthy(d.ID) {
			ordered = append(ordered, d)
		} else {
			benched = append(benched, d)
		}
	}
	ordered = append(ordered, benched...)

	var attempts []Attempt
	var lastErr error

	for _, dep := range ordered {
		adapter, ok := r.adapters[dep.Kind]
		if !ok {
			attempts = append(attempts, Attempt{
				Deployment: dep.Name,
				Kind:       "no_adapter",
				Error:      fmt.Sprintf("no adapter registered for kind %q", dep.Kind),
			})
			continue
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		// Streams outlive the dispatch call; a per-attempt deadline would
		// cut them off mid-response.
		if r.attemptTimeout > 0 && !req.Stream {
			attemptCtx, cancel = context.WithTimeout(ctx, r.attemptTimeout)
		}

		reqCopy := *req
		reqCopy.Model = dep.TargetModel

		start := time.Now()
		resp, err := adapter.Call(attemptCtx, dep, &reqCopy)
		latency := time.Since(start)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			r.health.RecordSuccess(dep.ID)
			attempts = append(attempts, Attempt{
				Deployment: dep.Name,
				Kind:       "ok",
				LatencyMs:  latency.Milliseconds(),
			})
			return &Result{Response: resp, Deployment: dep, Attempts: attempts}, nil
		}

		kind := providers.Classify(err)
		attempts = append(attempts, Attempt{
			Deployment: dep.Name,
			Kind:       string(kind),
			Error:      err.Error(),
			LatencyMs:  latency.Milliseconds(),
		})
		lastErr = err

		// The caller gave up; stop walking candidates.
		if ctx.Err() != nil {
			break
		}

		if kind == providers.ErrClientError {
			// The request is at fault, not the deployment.
			return nil, &TerminalError{Attempts: attempts, Err: err}
		}

		r.health.RecordFailure(dep.ID)
		r.log.WarnContext(ctx, "router: deployment failed, trying next",
			"alias", alias,
			"deployment", dep.Name,
			"kind", string(kind),
			"error", err.Error(),
		)
	}

	return nil, &ExhaustedError{Alias: alias, Attempts: attempts, last: lastErr}
}
