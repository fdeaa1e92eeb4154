package proxy

import (
	"context"
	"os"
	"testing"

	"log/slog"

	"github.com/conduithq/conduit/internal/auth"
	"github.com/conduithq/conduit/internal/budget"
	"github.com/conduithq/conduit/internal/cache"
	"github.com/conduithq/conduit/internal/metrics"
	"github.com/conduithq/conduit/internal/pricing"
	"github.com/conduithq/conduit/internal/providers"
	"github.com/conduithq/conduit/internal/ratelimit"
	"github.com/conduithq/conduit/internal/router"
	"github.com/conduithq/conduit/internal/store"
)

func TestZZDiag(t *testing.T) {
	lg := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	mc := cache.NewMemoryCache(context.Background())
	defer mc.Close()

	reg := router.NewRegistry()
	health := router.NewHealthTracker(router.HealthPolicy{})
	ledger := budget.NewLedger(st, lg)
	adapter := okAdapter()

	g := New(Deps{
		Gate:     auth.NewGate(st, adminToken),
		Limiter:  ratelimit.NewMemoryLimiter(),
		Ledger:   ledger,
		Cache:    mc,
		Pricing:  pricing.New(),
		Router:   router.New(reg, health, []providers.Adapter{adapter}, router.WithLogger(lg)),
		Registry: reg,
		Health:   health,
		Store:    st,
		Metrics:  metrics.New(),
		Logger:   lg,
	}, Options{})

	env := &testEnv{g: g, st: st, reg: reg, adapter: adapter, ledger: ledger, handler: g.Handler()}
	env.addDeployment("primary", 1)
	token, _ := env.createKey(t, nil)

	resp := env.do("POST", "/v1/chat/completions", chatBody("hi"), token)
	t.Logf("status = %d, body = %s", resp.Response.StatusCode(), resp.Response.Body())
}
