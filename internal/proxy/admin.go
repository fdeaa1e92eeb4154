package proxy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/conduithq/conduit/internal/auth"
	"github.com/conduithq/conduit/internal/providers"
	"github.com/conduithq/conduit/pkg/apierr"
)

// requireStore guards admin operations that need persistence.
func (g *Gateway) requireStore(ctx *fasthttp.RequestCtx) bool {
	if g.store == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"persistent store not configured", apierr.TypeServer, apierr.KindInternalFault)
		return false
	}
	return true
}

// --- Keys ---

type createKeyRequest struct {
	Alias          string   `json:"alias"`
	Owner          string   `json:"owner"`
	TeamID         string   `json:"team_id"`
	Scopes         []string `json:"scopes"`
	BudgetLimitUSD float64  `json:"budget_limit_usd"`
	RPMLimit       int      `json:"rpm_limit"`
	TPMLimit       int      `json:"tpm_limit"`
	ExpiresInDays  int      `json:"expires_in_days"`
}

type keyView struct {
	ID             string   `json:"id"`
	KeyPrefix      string   `json:"key_prefix"`
	Alias          string   `json:"alias,omitempty"`
	Owner          string   `json:"owner,omitempty"`
	TeamID         string   `json:"team_id,omitempty"`
	Scopes         []string `json:"scopes"`
	BudgetLimitUSD float64  `json:"budget_limit_usd"`
	SpentUSD       float64  `json:"spent_usd"`
	RPMLimit       int      `json:"rpm_limit"`
	TPMLimit       int      `json:"tpm_limit"`
	Enabled        bool     `json:"enabled"`
	ExpiresAt      string   `json:"expires_at,omitempty"`
	CreatedAt      string   `json:"created_at"`
}

func (g *Gateway) keyView(ctx *fasthttp.RequestCtx, k *auth.Key) keyView {
	spent, _ := g.ledger.Snapshot(ctx, k.ID)
	v := keyView{
		ID:             k.ID,
		KeyPrefix:      k.Prefix,
		Alias:          k.Alias,
		Owner:          k.Owner,
		TeamID:         k.TeamID,
		Scopes:         k.Scopes,
		BudgetLimitUSD: k.BudgetLimitUSD,
		SpentUSD:       spent,
		RPMLimit:       k.RPMLimit,
		TPMLimit:       k.TPMLimit,
		Enabled:        k.Enabled,
		CreatedAt:      k.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !k.ExpiresAt.IsZero() {
		v.ExpiresAt = k.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return v
}

// handleCreateKey mints a tenant key. The raw token appears in this response
// and nowhere else; only its hash is stored.
func (g *Gateway) handleCreateKey(ctx *fasthttp.RequestCtx) {
	if _, ok := g.requireScope(ctx, auth.ScopeAdminKeys); !ok {
		return
	}
	if !g.requireStore(ctx) {
		return
	}

	var in createKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "request body is not valid JSON")
		return
	}

	scopes := in.Scopes
	if len(scopes) == 0 {
		scopes = []string{auth.ScopeCompletions}
	}
	for _, s := range scopes {
		if !validScope(s) {
			apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "unknown scope "+s)
			return
		}
	}
	if in.BudgetLimitUSD < 0 || in.RPMLimit < 0 || in.TPMLimit < 0 || in.ExpiresInDays < 0 {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "limits must not be negative")
		return
	}

	raw, hash, prefix, err := auth.GenerateToken()
	if err != nil {
		g.log.ErrorContext(ctx, "generate token failed", "error", err)
		apierr.WriteInternal(ctx)
		return
	}

	key := &auth.Key{
		ID:             uuid.NewString(),
		Prefix:         prefix,
		Alias:          in.Alias,
		Owner:          in.Owner,
		TeamID:         in.TeamID,
		Scopes:         scopes,
		BudgetLimitUSD: in.BudgetLimitUSD,
		RPMLimit:       in.RPMLimit,
		TPMLimit:       in.TPMLimit,
		Enabled:        true,
		CreatedAt:      time.Now().UTC(),
	}
	if in.ExpiresInDays > 0 {
		key.ExpiresAt = key.CreatedAt.AddDate(0, 0, in.ExpiresInDays)
	}

	if err := g.store.CreateKey(ctx, key, hash); err != nil {
		g.log.ErrorContext(ctx, "create key failed", "error", err)
		apierr.WriteInternal(ctx)
		return
	}

	g.log.InfoContext(ctx, "api key created",
		"key_id", key.ID, "owner", key.Owner, "budget_limit_usd", key.BudgetLimitUSD)

	view := g.keyView(ctx, key)
	writeJSON(ctx, fasthttp.StatusCreated, map[string]any{
		"key":     raw,
		"details": view,
	})
}

func (g *Gateway) handleListKeys(ctx *fasthttp.RequestCtx) {
	if _, ok := g.requireScope(ctx, auth.ScopeAdminKeys); !ok {
		return
	}
	if !g.requireStore(ctx) {
		return
	}

	keys, err := g.store.ListKeys(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "list keys failed", "error", err)
		apierr.WriteInternal(ctx)
		return
	}

	views := make([]keyView, len(keys))
	for i, k := range keys {
		views[i] = g.keyView(ctx, k)
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"keys": views})
}

// handleRevokeKey disables a key. Keys are never hard-deleted; their spend
// history stays attributable.
func (g *Gateway) handleRevokeKey(ctx *fasthttp.RequestCtx) {
	if _, ok := g.requireScope(ctx, auth.ScopeAdminKeys); !ok {
		return
	}
	if !g.requireStore(ctx) {
		return
	}

	id, _ := ctx.UserValue("id").(string)
	found, err := g.store.SetKeyEnabled(ctx, id, false)
	if err != nil {
		g.log.ErrorContext(ctx, "revoke key failed", "key_id", id, "error", err)
		apierr.WriteInternal(ctx)
		return
	}
	if !found {
		apierr.Write(ctx, fasthttp.StatusNotFound, "key not found", apierr.TypeInvalidRequest, "")
		return
	}

	g.log.InfoContext(ctx, "api key revoked", "key_id", id)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func validScope(s string) bool {
	for _, known := range auth.AllScopes {
		if s == known {
			return true
		}
	}
	return false
}

// --- Deployments ---

type createDeploymentRequest struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	ModelAlias  string `json:"model_alias"`
	TargetModel string `json:"target_model"`
	Endpoint    string `json:"endpoint"`
	APIKey      string `json:"api_key"`
	Priority    int    `json:"priority"`
}

// deploymentView is the client-facing shape; the provider credential never
// leaves the gateway.
type deploymentView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	ModelAlias  string `json:"model_alias"`
	TargetModel string `json:"target_model"`
	Endpoint    string `json:"endpoint,omitempty"`
	Priority    int    `json:"priority"`
	Active      bool   `json:"active"`
	Healthy     bool   `json:"healthy"`
	CreatedAt   string `json:"created_at"`
}

func (g *Gateway) deploymentView(d *providers.Deployment) deploymentView {
	return deploymentView{
		ID:          d.ID,
		Name:        d.Name,
		Kind:        d.Kind,
		ModelAlias:  d.ModelAlias,
		TargetModel: d.TargetModel,
		Endpoint:    d.Endpoint,
		Priority:    d.Priority,
		Active:      d.Active,
		Healthy:     g.health == nil || g.health.Healthy(d.ID),
		CreatedAt:   d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func validKind(kind string) bool {
	switch kind {
	case providers.KindOpenAI, providers.KindAnthropic, providers.KindGemini, providers.KindOpenAICompat:
		return true
	}
	return false
}

func (g *Gateway) handleCreateDeployment(ctx *fasthttp.RequestCtx) {
	if _, ok := g.requireScope(ctx, auth.ScopeAdminDeployments); !ok {
		return
	}

	var in createDeploymentRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if in.Name == "" || in.Kind == "" || in.ModelAlias == "" || in.TargetModel == "" {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest,
			"name, kind, model_alias, and target_model are required")
		return
	}
	if !validKind(in.Kind) {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "unknown provider kind "+in.Kind)
		return
	}
	if in.Kind == providers.KindOpenAICompat && in.Endpoint == "" {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest,
			"endpoint is required for openai_compat deployments")
		return
	}

	dep := &providers.Deployment{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Kind:        in.Kind,
		ModelAlias:  in.ModelAlias,
		TargetModel: in.TargetModel,
		Endpoint:    in.Endpoint,
		APIKey:      in.APIKey,
		Priority:    in.Priority,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}

	// Registry first: Add assigns the seq that persistence records.
	g.registry.Add(dep)
	if g.store != nil {
		if err := g.store.CreateDeployment(ctx, dep); err != nil {
			g.registry.SetActive(dep.ID, false)
			g.log.ErrorContext(ctx, "persist deployment failed", "name", dep.Name, "error", err)
			apierr.WriteInternal(ctx)
			return
		}
	}

	g.log.InfoContext(ctx, "deployment registered",
		"deployment", dep.Name, "kind", dep.Kind, "model_alias", dep.ModelAlias, "priority", dep.Priority)

	writeJSON(ctx, fasthttp.StatusCreated, g.deploymentView(dep))
}

func (g *Gateway) handleListDeployments(ctx *fasthttp.RequestCtx) {
	if _, ok := g.requireScope(ctx, auth.ScopeAdminDeployments); !ok {
		return
	}

	all := g.registry.All()
	views := make([]deploymentView, len(all))
	for i, d := range all {
		views[i] = g.deploymentView(d)
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"deployments": views})
}

func (g *Gateway) handleDeactivateDeployment(ctx *fasthttp.RequestCtx) {
	if _, ok := g.requireScope(ctx, auth.ScopeAdminDeployments); !ok {
		return
	}

	id, _ := ctx.UserValue("id").(string)
	found := g.registry.SetActive(id, false)
	if g.store != nil {
		if persisted, err := g.store.SetDeploymentActive(ctx, id, false); err != nil {
			g.log.ErrorContext(ctx, "persist deployment state failed", "deployment_id", id, "error", err)
		} else {
			found = found || persisted
		}
	}
	if !found {
		apierr.Write(ctx, fasthttp.StatusNotFound, "deployment not found", apierr.TypeInvalidRequest, "")
		return
	}

	g.log.InfoContext(ctx, "deployment deactivated", "deployment_id", id)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// --- Pricing ---

// handleReloadPricing re-reads the pricing file and re-applies persisted
// overrides on top, without restarting.
func (g *Gateway) handleReloadPricing(ctx *fasthttp.RequestCtx) {
	if _, ok := g.requireScope(ctx, auth.ScopeAdminPricing); !ok {
		return
	}

	if g.pricingFile != "" {
		if err := g.pricing.LoadFile(g.pricingFile); err != nil {
			g.log.ErrorContext(ctx, "pricing reload failed", "file", g.pricingFile, "error", err)
			apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "pricing file rejected: "+err.Error())
			return
		}
	}
	if g.store != nil {
		rules, err := g.store.ListPricingRules(ctx)
		if err != nil {
			g.log.ErrorContext(ctx, "load persisted pricing failed", "error", err)
			apierr.WriteInternal(ctx)
			return
		}
		g.pricing.Merge(rules)
	}

	g.log.InfoContext(ctx, "pricing reloaded", "rules", len(g.pricing.Rules()))
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status": "ok",
		"rules":  len(g.pricing.Rules()),
	})
}
