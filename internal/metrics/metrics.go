// Package metrics exposes the gateway's Prometheus metrics.
//
// Everything registers on a private registry rather than the global default,
// so embedding the gateway never collides with host metrics. Handler() serves
// the registry for the /metrics route.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics. A nil *Registry is safe: every method
// no-ops, so subsystems can run without metrics wired.
type Registry struct {
	reg *prometheus.Registry

	inFlight prometheus.Gauge

	// conduit_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// conduit_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// conduit_request_duration_seconds{model,cache}
	requestDuration *prometheus.HistogramVec

	// conduit_upstream_attempts_total{deployment,outcome}
	upstreamAttempts *prometheus.CounterVec

	// conduit_failover_exhausted_total{model}
	failoverExhausted *prometheus.CounterVec

	// conduit_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// conduit_budget_total{result} — reserved/rejected/committed/released
	budgetTotal *prometheus.CounterVec

	// conduit_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// conduit_tokens_total{model,direction,cache}
	tokensTotal *prometheus.CounterVec

	// conduit_spend_usd_total{key_id}
	spendTotal *prometheus.CounterVec

	// conduit_pricing_missing_total{model}
	pricingMissing *prometheus.CounterVec

	// conduit_deployment_health{deployment}
	deploymentHealth *prometheus.GaugeVec

	buildInfo *prometheus.GaugeVec

	handler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_http_requests_total",
				Help: "Total HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"route"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_request_duration_seconds",
				Help:    "Completion request duration by model and cache outcome",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model", "cache"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_upstream_attempts_total",
				Help: "Upstream deployment attempts, including failovers",
			},
			[]string{"deployment", "outcome"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_failover_exhausted_total",
				Help: "Requests that failed every deployment for the model",
			},
			[]string{"model"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_ratelimit_total",
				Help: "Rate limit admission decisions",
			},
			[]string{"result"},
		),

		budgetTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_budget_total",
				Help: "Budget ledger operations by outcome",
			},
			[]string{"result"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tokens_total",
				Help: "Token usage from upstream usage fields",
			},
			[]string{"model", "direction", "cache"},
		),

		spendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_spend_usd_total",
				Help: "Committed spend in USD",
			},
			[]string{"key_id"},
		),

		pricingMissing: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_pricing_missing_total",
				Help: "Completed requests with no pricing rule (cost recorded as zero)",
			},
			[]string{"model"},
		),

		deploymentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_deployment_health",
				Help: "Deployment health (1=healthy, 0=benched)",
			},
			[]string{"deployment"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestDuration,
		r.upstreamAttempts,
		r.failoverExhausted,
		r.rateLimitTotal,
		r.budgetTotal,
		r.cacheOps,
		r.tokensTotal,
		r.spendTotal,
		r.pricingMissing,
		r.deploymentHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.handler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics for one request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveCompletion records one completion request by model and cache outcome
// ("hit" / "miss").
func (r *Registry) ObserveCompletion(model, cache string, dur time.Duration) {
	if r == nil {
		return
	}
	r.requestDuration.WithLabelValues(model, cache).Observe(dur.Seconds())
}

func (r *Registry) RecordUpstreamAttempt(deployment, outcome string) {
	if r != nil {
		r.upstreamAttempts.WithLabelValues(deployment, outcome).Inc()
	}
}

func (r *Registry) RecordFailoverExhausted(model string) {
	if r != nil {
		r.failoverExhausted.WithLabelValues(model).Inc()
	}
}

func (r *Registry) RecordRateLimit(result string) {
	if r != nil {
		r.rateLimitTotal.WithLabelValues(result).Inc()
	}
}

func (r *Registry) RecordBudget(result string) {
	if r != nil {
		r.budgetTotal.WithLabelValues(result).Inc()
	}
}

func (r *Registry) CacheGetHit() {
	if r != nil {
		r.cacheOps.WithLabelValues("get", "hit").Inc()
	}
}

func (r *Registry) CacheGetMiss() {
	if r != nil {
		r.cacheOps.WithLabelValues("get", "miss").Inc()
	}
}

func (r *Registry) CacheGetBypass() {
	if r != nil {
		r.cacheOps.WithLabelValues("get", "bypass").Inc()
	}
}

func (r *Registry) CacheSet() {
	if r != nil {
		r.cacheOps.WithLabelValues("set", "ok").Inc()
	}
}

func (r *Registry) AddTokens(model string, inputTokens, outputTokens int, cached bool) {
	if r == nil {
		return
	}
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output", cache).Add(float64(outputTokens))
	}
}

func (r *Registry) AddSpend(keyID string, usd float64) {
	if r != nil && usd > 0 {
		r.spendTotal.WithLabelValues(keyID).Add(usd)
	}
}

func (r *Registry) RecordPricingMissing(model string) {
	if r != nil {
		r.pricingMissing.WithLabelValues(model).Inc()
	}
}

func (r *Registry) SetDeploymentHealth(deployment string, healthy bool) {
	if r == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.deploymentHealth.WithLabelValues(deployment).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	if r != nil {
		r.buildInfo.WithLabelValues(version).Set(1)
	}
}

// Handler serves the private registry; nil registries serve 404.
func (r *Registry) Handler() fasthttp.RequestHandler {
	if r == nil {
		return func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusNotFound) }
	}
	return r.handler
}
