// Package proxy is the request pipeline of the gateway.
//
// Every completion request passes the same gauntlet, in order: parse,
// authenticate, rate limit, cache lookup, budget reservation, routed upstream
// call, cost commit, cache store, async accounting log. Order matters — the
// cheap local checks run before anything that costs money, and a reservation
// taken at step five is released on every exit path that does not commit it.
//
// Cache, rate limiter, request logger, and metrics are optional and nil-safe.
// Streaming responses are SSE pass-through and never cached.
package proxy

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conduithq/conduit/internal/auth"
	"github.com/conduithq/conduit/internal/budget"
	"github.com/conduithq/conduit/internal/cache"
	"github.com/conduithq/conduit/internal/logger"
	"github.com/conduithq/conduit/internal/metrics"
	"github.com/conduithq/conduit/internal/pricing"
	"github.com/conduithq/conduit/internal/providers"
	"github.com/conduithq/conduit/internal/ratelimit"
	"github.com/conduithq/conduit/internal/router"
	"github.com/conduithq/conduit/internal/store"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// rateWindow is the fixed window for both RPM and TPM ceilings.
	rateWindow = time.Minute

	// Cache scope modes.
	ScopeGlobal = "global"
	ScopePerKey = "key"

	// Cache hit charge policies.
	ChargeFree     = "free"
	ChargeOriginal = "original"
)

// Deps are the gateway's injected collaborators. Gate, Ledger, Pricing,
// Router, and Registry are required; the rest are optional and nil-safe.
type Deps struct {
	Gate       *auth.Gate
	Limiter    ratelimit.Limiter
	Ledger     *budget.Ledger
	Cache      cache.Cache
	Exclusions *cache.ExclusionList
	Pricing    *pricing.Table
	Router     *router.Router
	Registry   *router.Registry
	Health     *router.HealthTracker
	Store      *store.Store
	ReqLogger  *logger.Logger
	Metrics    *metrics.Registry
	Analytics  AnalyticsSource
	Logger     *slog.Logger
}

// Options hold the tunables. Zero values get defaults.
type Options struct {
	CacheTTL     time.Duration
	CacheScope   string // ScopeGlobal | ScopePerKey
	ChargePolicy string // ChargeFree | ChargeOriginal
	DefaultRPM   int
	DefaultTPM   int
	CORSOrigins  []string
	PricingFile  string
	Version      string
}

// Gateway is the pipeline host. All handlers hang off it.
type Gateway struct {
	gate       *auth.Gate
	limiter    ratelimit.Limiter
	ledger     *budget.Ledger
	cache      cache.Cache
	exclusions *cache.ExclusionList
	pricing    *pricing.Table
	router     *router.Router
	registry   *router.Registry
	health     *router.HealthTracker
	store      *store.Store
	reqLogger  *logger.Logger
	metrics    *metrics.Registry
	analytics  AnalyticsSource
	log        *slog.Logger

	// flights collapses concurrent identical cacheable requests into one
	// upstream call.
	flights singleflight.Group

	// Running hit/miss totals for the cache stats endpoint. The Prometheus
	// counters cover scraping; these cover a direct admin read.
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64

	cacheTTL     time.Duration
	cacheScope   string
	chargePolicy string
	defaultRPM   int
	defaultTPM   int
	corsOrigins  []string
	pricingFile  string
	version      string
}

func New(deps Deps, opts Options) *Gateway {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.CacheScope == "" {
		opts.CacheScope = ScopeGlobal
	}
	if opts.ChargePolicy == "" {
		opts.ChargePolicy = ChargeFree
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	return &Gateway{
		gate:       deps.Gate,
		limiter:    deps.Limiter,
		ledger:     deps.Ledger,
		cache:      deps.Cache,
		exclusions: deps.Exclusions,
		pricing:    deps.Pricing,
		router:     deps.Router,
		registry:   deps.Registry,
		health:     deps.Health,
		store:      deps.Store,
		reqLogger:  deps.ReqLogger,
		metrics:    deps.Metrics,
		analytics:  deps.Analytics,
		log:        log,

		cacheTTL:     opts.CacheTTL,
		cacheScope:   opts.CacheScope,
		chargePolicy: opts.ChargePolicy,
		defaultRPM:   opts.DefaultRPM,
		defaultTPM:   opts.DefaultTPM,
		corsOrigins:  opts.CORSOrigins,
		pricingFile:  opts.PricingFile,
		version:      opts.Version,
	}
}

// estimateTokens approximates token count as chars/4. Used for TPM admission
// and worst-case budget reservations; real usage from the provider replaces
// it at commit time.
func estimateTokens(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}

// estimateWorstCost prices the request against the costliest candidate
// deployment for the alias, assuming the full max-token completion. Returns
// (0, true) when no candidate has a pricing rule, the request proceeds but
// the log entry is flagged for reconciliation.
func (g *Gateway) estimateWorstCost(alias string, inputTokens, maxTokens int) (float64, bool) {
	if maxTokens <= 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	worst := -1.0
	for _, dep := range g.registry.Candidates(alias) {
		cost, err := g.pricing.Cost(dep.Kind, dep.TargetModel, inputTokens, maxTokens)
		if err != nil {
			continue
		}
		if cost > worst {
			worst = cost
		}
	}
	if worst < 0 {
		return 0, true
	}
	return worst, false
}

// logRequest enqueues one accounting entry. Never blocks.
func (g *Gateway) logRequest(e logger.RequestLog) {
	if g.reqLogger == nil {
		return
	}
	if e.LatencyMs == 0 {
		e.LatencyMs = 1
	}
	g.reqLogger.Record(e)
}

func clampLatencyMs(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	if ms > 1<<31 {
		return 1 << 31
	}
	return uint32(ms)
}
