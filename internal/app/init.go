package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conduithq/conduit/internal/auth"
	"github.com/conduithq/conduit/internal/budget"
	cndcache "github.com/conduithq/conduit/internal/cache"
	"github.com/conduithq/conduit/internal/logger"
	"github.com/conduithq/conduit/internal/metrics"
	"github.com/conduithq/conduit/internal/pricing"
	"github.com/conduithq/conduit/internal/providers"
	anthropicprov "github.com/conduithq/conduit/internal/providers/anthropic"
	geminiprov "github.com/conduithq/conduit/internal/providers/gemini"
	openaiprov "github.com/conduithq/conduit/internal/providers/openai"
	openaicompatprov "github.com/conduithq/conduit/internal/providers/openaicompat"
	"github.com/conduithq/conduit/internal/proxy"
	"github.com/conduithq/conduit/internal/ratelimit"
	"github.com/conduithq/conduit/internal/router"
	"github.com/conduithq/conduit/internal/store"
)

// initStore opens the sqlite database and bootstraps the schema.
func (a *App) initStore(_ context.Context) error {
	st, err := store.Open(a.cfg.SQLitePath)
	if err != nil {
		return err
	}
	a.st = st
	a.log.Info("store opened", slog.String("path", a.cfg.SQLitePath))
	return nil
}

// initInfra establishes optional external connections. A configured REDIS_URL
// must be reachable; silent degradation of explicit config hides outages.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))
	rdb, err := connectRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initPricing layers the pricing table: built-in defaults, then the pricing
// file, then persisted admin overrides.
func (a *App) initPricing(ctx context.Context) error {
	a.pricing = pricing.New()

	if a.cfg.PricingFile != "" {
		if err := a.pricing.LoadFile(a.cfg.PricingFile); err != nil {
			return err
		}
		a.log.Info("pricing file loaded", slog.String("file", a.cfg.PricingFile))
	}

	rules, err := a.st.ListPricingRules(ctx)
	if err != nil {
		return err
	}
	if len(rules) > 0 {
		a.pricing.Merge(rules)
		a.log.Info("persisted pricing overrides applied", slog.Int("rules", len(rules)))
	}

	return nil
}

// initRouting builds the adapter set, restores persisted deployments, and
// registers the ones bootstrapped from config.yaml.
func (a *App) initRouting(ctx context.Context) error {
	a.registry = router.NewRegistry()
	a.health = router.NewHealthTracker(router.HealthPolicy{
		FailureThreshold: a.cfg.Failover.FailureThreshold,
		Cooldown:         a.cfg.Failover.Cooldown,
	})

	// Persisted deployments first, so restored seq values win the tie-breaks
	// they won before the restart.
	persisted, err := a.st.ListDeployments(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]struct{}, len(persisted))
	for _, d := range persisted {
		a.registry.Add(d)
		names[d.Name] = struct{}{}
	}

	// Config-file deployments are registry-only; the admin API is the path to
	// persistence. A persisted deployment with the same name wins.
	for _, dc := range a.cfg.Deployments {
		if _, exists := names[dc.Name]; exists {
			continue
		}
		a.registry.Add(&providers.Deployment{
			ID:          uuid.NewString(),
			Name:        dc.Name,
			Kind:        dc.Kind,
			ModelAlias:  dc.ModelAlias,
			TargetModel: dc.TargetModel,
			Endpoint:    dc.Endpoint,
			APIKey:      dc.APIKey,
			Priority:    dc.Priority,
			Active:      true,
			CreatedAt:   time.Now().UTC(),
		})
	}

	adapters := []providers.Adapter{
		openaiprov.New(),
		anthropicprov.New(),
		geminiprov.New(),
		openaicompatprov.New(),
	}

	a.router = router.New(a.registry, a.health, adapters,
		router.WithAttemptTimeout(a.cfg.Failover.AttemptTimeout),
		router.WithLogger(a.log),
	)

	a.log.Info("routing initialised",
		slog.Int("deployments", len(a.registry.All())),
		slog.Any("models", a.registry.Aliases()),
	)
	return nil
}

// initServices creates the cache backend, the async request logger, and the
// Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = cndcache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	}

	var sink logger.Sink
	if a.cfg.ClickHouseDSN != "" {
		ch, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return err
		}
		a.chSink = ch
		sink = ch
		a.log.Info("request log sink: clickhouse")
	} else {
		sink = logger.NewSlogSink(a.log)
		a.log.Info("request log sink: slog")
	}
	a.reqLogger = logger.New(sink, a.log)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway assembles the pipeline around the subsystems built above.
func (a *App) initGateway(_ context.Context) error {
	var cacheImpl cndcache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = cndcache.NewRedisCache(a.rdb)
	case "memory":
		cacheImpl = a.memCache
	case "none":
		// nil cache — the gateway treats every request as a miss.
	}

	exclusions, err := cndcache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
	if err != nil {
		return err
	}

	var limiter ratelimit.Limiter
	if a.rdb != nil {
		limiter = ratelimit.NewRedisLimiter(a.rdb, a.log)
		a.log.Info("rate limiter: redis (shared)")
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		a.log.Info("rate limiter: memory (per-instance)")
	}

	if a.cfg.AdminToken == "" {
		a.log.Warn("ADMIN_TOKEN not set; admin API is disabled")
	}

	// Assign through a typed nil check: a nil *ClickHouseSink in a non-nil
	// interface would defeat the gateway's guard.
	var analytics proxy.AnalyticsSource
	if a.chSink != nil {
		analytics = a.chSink
	}

	a.gw = proxy.New(proxy.Deps{
		Gate:       auth.NewGate(a.st, a.cfg.AdminToken),
		Limiter:    limiter,
		Ledger:     budget.NewLedger(a.st, a.log),
		Cache:      cacheImpl,
		Exclusions: exclusions,
		Pricing:    a.pricing,
		Router:     a.router,
		Registry:   a.registry,
		Health:     a.health,
		Store:      a.st,
		ReqLogger:  a.reqLogger,
		Metrics:    a.prom,
		Analytics:  analytics,
		Logger:     a.log,
	}, proxy.Options{
		CacheTTL:     a.cfg.Cache.TTL,
		CacheScope:   a.cfg.Cache.Scope,
		ChargePolicy: a.cfg.Cache.ChargePolicy,
		DefaultRPM:   a.cfg.RateLimit.DefaultRPM,
		DefaultTPM:   a.cfg.RateLimit.DefaultTPM,
		CORSOrigins:  a.cfg.CORSOrigins,
		PricingFile:  a.cfg.PricingFile,
		Version:      a.version,
	})
	a.srv = a.gw.NewServer()

	return nil
}
