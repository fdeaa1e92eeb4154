package proxy

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/conduithq/conduit/internal/auth"
	"github.com/conduithq/conduit/internal/logger"
	"github.com/conduithq/conduit/pkg/apierr"
)

// defaultSpendWindow is how far back grouped spend queries look when the
// caller does not say.
const defaultSpendWindow = 30 * 24 * time.Hour

// AnalyticsSource aggregates the request log. Implemented by the ClickHouse
// sink; nil when request logging runs without one.
type AnalyticsSource interface {
	SpendByDimension(ctx context.Context, dimension string, since time.Time) ([]logger.SpendBucket, error)
}

// handleSpendAnalytics reports spend grouped by key, model, or provider.
// Per-key totals come from the store's committed ledger; model and provider
// breakdowns need the analytics sink, which also carries request and token
// counts per bucket.
func (g *Gateway) handleSpendAnalytics(ctx *fasthttp.RequestCtx) {
	if _, ok := g.requireScope(ctx, auth.ScopeAdminAnalytics); !ok {
		return
	}

	groupBy := string(ctx.QueryArgs().Peek("group_by"))
	if groupBy == "" {
		groupBy = "key"
	}

	window := defaultSpendWindow
	if raw := string(ctx.QueryArgs().Peek("window")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest,
				"window must be a positive duration, e.g. 24h")
			return
		}
		window = d
	}

	switch groupBy {
	case "key":
		if !g.requireStore(ctx) {
			return
		}
		rows, err := g.store.SpendSummary(ctx)
		if err != nil {
			g.log.ErrorContext(ctx, "spend summary failed", "error", err)
			apierr.WriteInternal(ctx)
			return
		}
		total := 0.0
		for _, r := range rows {
			total += r.SpentUSD
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"group_by":  "key",
			"keys":      rows,
			"total_usd": total,
		})

	case "model", "provider":
		if g.analytics == nil {
			apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
				"analytics sink not configured", apierr.TypeServer, apierr.KindInternalFault)
			return
		}
		since := time.Now().UTC().Add(-window)
		buckets, err := g.analytics.SpendByDimension(ctx, groupBy, since)
		if err != nil {
			g.log.ErrorContext(ctx, "spend analytics failed", "group_by", groupBy, "error", err)
			apierr.WriteInternal(ctx)
			return
		}
		total := 0.0
		for _, b := range buckets {
			total += b.CostUSD
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"group_by":  groupBy,
			"window":    window.String(),
			"buckets":   buckets,
			"total_usd": total,
		})

	default:
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest,
			"group_by must be one of key, model, provider")
	}
}

// handleCacheStats reports the response cache's size and hit rate since start.
func (g *Gateway) handleCacheStats(ctx *fasthttp.RequestCtx) {
	if _, ok := g.requireScope(ctx, auth.ScopeAdminCache); !ok {
		return
	}

	hits := g.cacheHits.Load()
	misses := g.cacheMisses.Load()
	out := map[string]any{
		"enabled": g.cache != nil,
		"hits":    hits,
		"misses":  misses,
	}
	if total := hits + misses; total > 0 {
		out["hit_rate"] = float64(hits) / float64(total)
	}

	if g.cache != nil {
		entries, err := g.cache.Entries(ctx)
		if err != nil {
			g.log.ErrorContext(ctx, "cache stats failed", "error", err)
			apierr.WriteInternal(ctx)
			return
		}
		out["entries"] = entries
	}

	writeJSON(ctx, fasthttp.StatusOK, out)
}

// handleCacheClear drops every cached response. Entries are keyed by opaque
// fingerprints, so invalidation is all-or-nothing; excluding a model from
// caching is the exclusion list's job.
func (g *Gateway) handleCacheClear(ctx *fasthttp.RequestCtx) {
	if _, ok := g.requireScope(ctx, auth.ScopeAdminCache); !ok {
		return
	}
	if g.cache == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"response cache not configured", apierr.TypeServer, apierr.KindInternalFault)
		return
	}

	cleared, err := g.cache.Flush(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "cache clear failed", "error", err)
		apierr.WriteInternal(ctx)
		return
	}

	g.log.InfoContext(ctx, "cache cleared", "entries", cleared)
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"cleared": cleared})
}
