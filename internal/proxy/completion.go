package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/conduithq/conduit/internal/auth"
	"github.com/conduithq/conduit/internal/budget"
	"github.com/conduithq/conduit/internal/cache"
	"github.com/conduithq/conduit/internal/logger"
	"github.com/conduithq/conduit/internal/providers"
	"github.com/conduithq/conduit/internal/router"
	"github.com/conduithq/conduit/pkg/apierr"
)

// inboundMessage is one turn of the client conversation.
type inboundMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the OpenAI-compatible /v1/chat/completions body. Unknown
// fields are ignored rather than rejected; clients send plenty of them.
type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []inboundMessage `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature float64          `json:"temperature"`
	TopP        float64          `json:"top_p"`
	MaxTokens   int              `json:"max_tokens"`
}

// textRequest is the legacy /v1/completions body.
type textRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

// job is one normalized completion request flowing through the pipeline.
// legacy selects the text_completion response envelope.
type job struct {
	alias       string
	messages    []providers.Message
	stream      bool
	temperature float64
	topP        float64
	maxTokens   int
	legacy      bool
}

// OpenAI-compatible response envelopes.
type (
	chatEnvelope struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []chatChoice `json:"choices"`
		Usage   usageBlock   `json:"usage"`
	}

	chatChoice struct {
		Index        int            `json:"index"`
		Message      inboundMessage `json:"message"`
		FinishReason string         `json:"finish_reason"`
	}

	textEnvelope struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []textChoice `json:"choices"`
		Usage   usageBlock   `json:"usage"`
	}

	textChoice struct {
		Index        int    `json:"index"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	}

	usageBlock struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
)

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	var in chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if in.Model == "" {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "model is required")
		return
	}
	if len(in.Messages) == 0 {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "messages must not be empty")
		return
	}

	messages := make([]providers.Message, len(in.Messages))
	for i, m := range in.Messages {
		messages[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	g.complete(ctx, job{
		alias:       in.Model,
		messages:    messages,
		stream:      in.Stream,
		temperature: in.Temperature,
		topP:        in.TopP,
		maxTokens:   in.MaxTokens,
	})
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	var in textRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if in.Model == "" {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "model is required")
		return
	}
	if in.Prompt == "" {
		apierr.WriteClientFault(ctx, fasthttp.StatusBadRequest, "prompt must not be empty")
		return
	}

	g.complete(ctx, job{
		alias:       in.Model,
		messages:    []providers.Message{{Role: "user", Content: in.Prompt}},
		stream:      in.Stream,
		temperature: in.Temperature,
		topP:        in.TopP,
		maxTokens:   in.MaxTokens,
		legacy:      true,
	})
}

// flightOut is what a singleflight leader hands to the callers that joined
// its upstream call.
type flightOut struct {
	body           []byte
	inputTokens    int
	outputTokens   int
	deployment     string
	provider       string
	attempts       int
	cost           float64
	pricingMissing bool
}

// complete runs the pipeline: authenticate, rate limit, cache lookup, budget
// reservation, routed dispatch, settle, respond.
func (g *Gateway) complete(ctx *fasthttp.RequestCtx, j job) {
	start := time.Now()
	cacheOutcome := xCacheMISS
	defer func() {
		g.metrics.ObserveCompletion(j.alias, cacheLabel(cacheOutcome), time.Since(start))
	}()

	key, ok := g.authenticate(ctx)
	if !ok {
		return
	}
	if err := g.gate.Authorize(key, auth.ScopeCompletions); err != nil {
		apierr.WriteForbidden(ctx, "")
		return
	}

	inputEstimate := estimateTokens(j.messages)
	if !g.admit(ctx, key, j, inputEstimate, start) {
		return
	}

	// Cache lookup. Streaming responses are never cached; excluded aliases
	// bypass entirely.
	fp := ""
	cacheable := g.cache != nil && !j.stream && !g.exclusions.Matches(j.alias)
	if cacheable {
		fp = g.fingerprint(key, j)
		if data, found := g.cache.Get(ctx, fp); found {
			if entry, err := cache.DecodeEntry(data); err == nil {
				cacheOutcome = xCacheHIT
				g.serveCacheHit(ctx, key, j, entry, start)
				return
			}
			// Stale or incompatible envelope; fall through as a miss.
		}
		g.cacheMisses.Add(1)
		g.metrics.CacheGetMiss()
	} else if g.cache != nil && !j.stream {
		g.metrics.CacheGetBypass()
	}

	// Reserve worst-case cost before spending anything upstream.
	estCost, pricingMissing := g.estimateWorstCost(j.alias, inputEstimate, j.maxTokens)
	resID, err := g.ledger.Reserve(ctx, key.ID, key.BudgetLimitUSD, estCost)
	if err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			g.metrics.RecordBudget("rejected")
			apierr.WriteBudgetExceeded(ctx)
			g.logRequest(logger.RequestLog{
				KeyID:      key.ID,
				ModelAlias: j.alias,
				Status:     fasthttp.StatusPaymentRequired,
				LatencyMs:  clampLatencyMs(time.Since(start)),
				ErrorKind:  apierr.KindBudgetExceeded,
			})
			return
		}
		g.log.ErrorContext(ctx, "budget: reserve failed", "key_id", key.ID, "error", err)
		apierr.WriteInternal(ctx)
		return
	}
	g.metrics.RecordBudget("reserved")

	// Every exit below either commits the reservation or releases it here.
	// Streaming hands settlement to the body writer and flips the flag first.
	committed := false
	defer func() {
		if !committed {
			if rerr := g.ledger.Release(ctx, key.ID, resID); rerr == nil {
				g.metrics.RecordBudget("released")
			}
		}
	}()

	req := &providers.Request{
		Model:       j.alias,
		Messages:    j.messages,
		Stream:      j.stream,
		Temperature: j.temperature,
		TopP:        j.topP,
		MaxTokens:   j.maxTokens,
		RequestID:   requestID(ctx),
	}

	if j.stream {
		result, err := g.router.Dispatch(ctx, j.alias, req)
		if err != nil {
			g.recordDispatchFailure(j.alias, err)
			g.writeDispatchError(ctx, key, j.alias, err, start)
			return
		}
		g.recordAttempts(result.Attempts)
		committed = true
		g.writeSSE(ctx, key, j, result, resID, inputEstimate, pricingMissing, start)
		return
	}

	settle := func(cost float64) bool {
		if cerr := g.ledger.Commit(ctx, key.ID, resID, cost); cerr != nil {
			g.log.ErrorContext(ctx, "budget: commit failed", "key_id", key.ID, "error", cerr)
			return false
		}
		committed = true
		g.metrics.RecordBudget("committed")
		g.metrics.AddSpend(key.ID, cost)
		return true
	}

	dispatch := func() (*flightOut, error) {
		result, derr := g.router.Dispatch(ctx, j.alias, req)
		if derr != nil {
			g.recordDispatchFailure(j.alias, derr)
			return nil, derr
		}
		g.recordAttempts(result.Attempts)

		usage := result.Response.Usage
		cost, perr := g.pricing.Cost(result.Deployment.Kind, result.Deployment.TargetModel,
			usage.InputTokens, usage.OutputTokens)
		missing := pricingMissing
		if perr != nil {
			cost, missing = 0, true
			g.metrics.RecordPricingMissing(j.alias)
		}

		return &flightOut{
			body:           g.buildEnvelope(j, result.Response),
			inputTokens:    usage.InputTokens,
			outputTokens:   usage.OutputTokens,
			deployment:     result.Deployment.Name,
			provider:       result.Deployment.Kind,
			attempts:       len(result.Attempts),
			cost:           cost,
			pricingMissing: missing,
		}, nil
	}

	var out *flightOut
	if cacheable {
		// Identical concurrent requests share one upstream call. The leader
		// settles its own reservation and populates the cache inside the
		// flight; callers that joined settle like cache hits below.
		v, ferr, _ := g.flights.Do(fp, func() (any, error) {
			o, derr := dispatch()
			if derr != nil {
				return nil, derr
			}
			settle(o.cost)
			g.storeCacheEntry(ctx, fp, o)
			return o, nil
		})
		if ferr != nil {
			g.writeDispatchError(ctx, key, j.alias, ferr, start)
			return
		}
		out = v.(*flightOut)

		if !committed {
			cacheOutcome = xCacheHIT
			if g.chargePolicy == ChargeOriginal {
				settle(out.cost)
			}
		}
	} else {
		out, err = dispatch()
		if err != nil {
			g.writeDispatchError(ctx, key, j.alias, err, start)
			return
		}
		settle(out.cost)
	}

	hit := cacheOutcome == xCacheHIT
	loggedCost := out.cost
	if hit && g.chargePolicy != ChargeOriginal {
		loggedCost = 0
	}

	ctx.Response.Header.Set("X-Cache", cacheOutcome)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(out.body)

	g.metrics.AddTokens(j.alias, out.inputTokens, out.outputTokens, hit)
	g.logRequest(logger.RequestLog{
		KeyID:            key.ID,
		ModelAlias:       j.alias,
		Deployment:       out.deployment,
		Provider:         out.provider,
		InputTokens:      clampTokens(out.inputTokens),
		OutputTokens:     clampTokens(out.outputTokens),
		CostUSD:          loggedCost,
		LatencyMs:        clampLatencyMs(time.Since(start)),
		Status:           fasthttp.StatusOK,
		Cached:           hit,
		PricingMissing:   out.pricingMissing,
		FailoverAttempts: clampAttempts(out.attempts - 1),
	})
}

// serveCacheHit answers from a stored entry. Under the "original" charge
// policy the hit is billed at the cost of the request that populated the
// entry, and a key over budget is rejected just as if it had gone upstream.
func (g *Gateway) serveCacheHit(ctx *fasthttp.RequestCtx, key *auth.Key, j job, entry *cache.Entry, start time.Time) {
	g.cacheHits.Add(1)
	g.metrics.CacheGetHit()

	cost := 0.0
	if g.chargePolicy == ChargeOriginal && entry.CostUSD > 0 {
		if err := g.ledger.Charge(ctx, key.ID, key.BudgetLimitUSD, entry.CostUSD); err != nil {
			if errors.Is(err, budget.ErrBudgetExceeded) {
				g.metrics.RecordBudget("rejected")
				apierr.WriteBudgetExceeded(ctx)
				g.logRequest(logger.RequestLog{
					KeyID:      key.ID,
					ModelAlias: j.alias,
					Status:     fasthttp.StatusPaymentRequired,
					LatencyMs:  clampLatencyMs(time.Since(start)),
					Cached:     true,
					ErrorKind:  apierr.KindBudgetExceeded,
				})
				return
			}
			g.log.ErrorContext(ctx, "budget: cache hit charge failed", "key_id", key.ID, "error", err)
		} else {
			cost = entry.CostUSD
			g.metrics.RecordBudget("committed")
			g.metrics.AddSpend(key.ID, cost)
		}
	}

	ctx.Response.Header.Set("X-Cache", xCacheHIT)
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(entry.Payload)

	g.metrics.AddTokens(j.alias, entry.InputTokens, entry.OutputTokens, true)
	g.logRequest(logger.RequestLog{
		KeyID:        key.ID,
		ModelAlias:   j.alias,
		Deployment:   entry.Deployment,
		InputTokens:  clampTokens(entry.InputTokens),
		OutputTokens: clampTokens(entry.OutputTokens),
		CostUSD:      cost,
		LatencyMs:    clampLatencyMs(time.Since(start)),
		Status:       fasthttp.StatusOK,
		Cached:       true,
	})
}

// admit runs the RPM and TPM ceilings. The admin token is never rate limited.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, key *auth.Key, j job, tokenEstimate int, start time.Time) bool {
	if g.limiter == nil || key.Admin {
		return true
	}

	rpm := key.RPMLimit
	if rpm == 0 {
		rpm = g.defaultRPM
	}
	tpm := key.TPMLimit
	if tpm == 0 {
		tpm = g.defaultTPM
	}
	if tokenEstimate < 1 {
		tokenEstimate = 1
	}

	checks := []struct {
		bucket string
		limit  int
		units  int
	}{
		{"rpm:key:" + key.ID, rpm, 1},
		{"tpm:key:" + key.ID, tpm, tokenEstimate},
	}

	var consumed []int
	for i, c := range checks {
		if c.limit <= 0 {
			continue
		}
		d, err := g.limiter.Admit(ctx, c.bucket, c.limit, c.units, rateWindow)
		if err != nil {
			// Backend limiters fail open internally; this is belt and braces.
			continue
		}
		if !d.Allowed {
			// Back out the buckets already consumed: a TPM denial must not
			// also burn the request's RPM unit.
			for _, k := range consumed {
				_ = g.limiter.Refund(ctx, checks[k].bucket, checks[k].units)
			}
			g.metrics.RecordRateLimit("denied")
			apierr.WriteRateLimit(ctx, d.RetryAfter)
			g.logRequest(logger.RequestLog{
				KeyID:      key.ID,
				ModelAlias: j.alias,
				Status:     fasthttp.StatusTooManyRequests,
				LatencyMs:  clampLatencyMs(time.Since(start)),
				ErrorKind:  apierr.KindRateLimited,
			})
			return false
		}
		consumed = append(consumed, i)
	}

	g.metrics.RecordRateLimit("allowed")
	return true
}

// fingerprint builds the cache key for a job. Chat and legacy completions
// never share entries even for identical content, their client-facing bodies
// differ.
func (g *Gateway) fingerprint(key *auth.Key, j job) string {
	scope := "chat"
	if j.legacy {
		scope = "text"
	}
	if g.cacheScope == ScopePerKey {
		scope += "|" + key.ID
	}

	pairs := make([]cache.MessagePair, len(j.messages))
	for i, m := range j.messages {
		pairs[i] = cache.MessagePair{Role: m.Role, Content: m.Content}
	}
	return cache.Fingerprint(scope, j.alias, pairs, cache.SamplingParams{
		Temperature: j.temperature,
		TopP:        j.topP,
		MaxTokens:   j.maxTokens,
	})
}

func (g *Gateway) storeCacheEntry(ctx *fasthttp.RequestCtx, fp string, o *flightOut) {
	entry := &cache.Entry{
		Payload:      o.body,
		InputTokens:  o.inputTokens,
		OutputTokens: o.outputTokens,
		CostUSD:      o.cost,
		Deployment:   o.deployment,
		CreatedAt:    time.Now().UTC(),
	}
	data, err := cache.EncodeEntry(entry)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, fp, data, g.cacheTTL); err == nil {
		g.metrics.CacheSet()
	}
}

// buildEnvelope serializes the provider response into the client-facing body.
func (g *Gateway) buildEnvelope(j job, resp *providers.Response) []byte {
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	usage := usageBlock{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}

	var body any
	if j.legacy {
		body = textEnvelope{
			ID:      id,
			Object:  "text_completion",
			Created: time.Now().Unix(),
			Model:   j.alias,
			Choices: []textChoice{{Text: resp.Content, FinishReason: "stop"}},
			Usage:   usage,
		}
	} else {
		body = chatEnvelope{
			ID:      id,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   j.alias,
			Choices: []chatChoice{{
				Message:      inboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: "stop",
			}},
			Usage: usage,
		}
	}

	data, _ := json.Marshal(body)
	return data
}

// recordDispatchFailure records attempt metrics for one failed dispatch.
// Called where the dispatch happened, not where its error is written out —
// singleflight joiners share the leader's transcript and must not re-count
// it.
func (g *Gateway) recordDispatchFailure(alias string, err error) {
	var term *router.TerminalError
	var exh *router.ExhaustedError
	switch {
	case errors.As(err, &term):
		g.recordAttempts(term.Attempts)
	case errors.As(err, &exh):
		g.recordAttempts(exh.Attempts)
		g.metrics.RecordFailoverExhausted(alias)
	}
}

// writeDispatchError maps router failures onto client responses. Metric
// recording lives in recordDispatchFailure; this runs once per caller.
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, key *auth.Key, alias string, err error, start time.Time) {
	entry := logger.RequestLog{
		KeyID:        key.ID,
		ModelAlias:   alias,
		LatencyMs:    clampLatencyMs(time.Since(start)),
		ErrorMessage: err.Error(),
	}

	var term *router.TerminalError
	var exh *router.ExhaustedError

	switch {
	case errors.Is(err, router.ErrNoDeployments):
		apierr.WriteUpstreamUnavailable(ctx, fmt.Sprintf("no active deployments for model %q", alias))
		entry.Status = fasthttp.StatusServiceUnavailable
		entry.ErrorKind = apierr.KindUpstreamUnavailable

	case errors.As(err, &term):
		status := fasthttp.StatusBadRequest
		message := "upstream rejected the request"
		var pe *providers.ProviderError
		if errors.As(err, &pe) {
			if s := pe.HTTPStatus(); s >= 400 && s < 500 {
				status = s
			}
			if pe.Message != "" {
				message = pe.Message
			}
		}
		apierr.WriteClientFault(ctx, status, message)
		entry.Status = uint16(status)
		entry.ErrorKind = apierr.KindClientFault
		entry.FailoverAttempts = clampAttempts(len(term.Attempts) - 1)

	case errors.As(err, &exh):
		apierr.WriteUpstreamUnavailable(ctx, "")
		entry.Status = fasthttp.StatusServiceUnavailable
		entry.ErrorKind = apierr.KindUpstreamUnavailable
		entry.FailoverAttempts = clampAttempts(len(exh.Attempts))

	default:
		g.log.ErrorContext(ctx, "dispatch failed", "model", alias, "error", err)
		apierr.WriteInternal(ctx)
		entry.Status = fasthttp.StatusInternalServerError
		entry.ErrorKind = apierr.KindInternalFault
	}

	g.logRequest(entry)
}

func (g *Gateway) recordAttempts(attempts []router.Attempt) {
	for _, a := range attempts {
		g.metrics.RecordUpstreamAttempt(a.Deployment, a.Kind)
	}
}

func cacheLabel(outcome string) string {
	if outcome == xCacheHIT {
		return "hit"
	}
	return "miss"
}

func clampTokens(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

func clampAttempts(n int) uint8 {
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return uint8(n)
}
