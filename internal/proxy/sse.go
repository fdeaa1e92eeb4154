package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/conduithq/conduit/internal/auth"
	"github.com/conduithq/conduit/internal/logger"
	"github.com/conduithq/conduit/internal/router"
)

// Streaming chunk envelopes.
type (
	chatChunkEnvelope struct {
		ID      string            `json:"id"`
		Object  string            `json:"object"`
		Created int64             `json:"created"`
		Model   string            `json:"model"`
		Choices []chatChunkChoice `json:"choices"`
	}

	chatChunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	textChunkEnvelope struct {
		ID      string            `json:"id"`
		Object  string            `json:"object"`
		Created int64             `json:"created"`
		Model   string            `json:"model"`
		Choices []textChunkChoice `json:"choices"`
	}

	textChunkChoice struct {
		Index        int     `json:"index"`
		Text         string  `json:"text"`
		FinishReason *string `json:"finish_reason"`
	}
)

// writeSSE relays a streaming response as server-sent events. Token usage is
// not reported by all providers mid-stream, so the committed cost uses the
// chars/4 estimate over what was actually relayed. Settlement happens when the
// stream drains, after the handler has already returned.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, key *auth.Key, j job,
	result *router.Result, resID string, inputEstimate int, pricingMissing bool, start time.Time) {

	ctx.SetContentType("text/event-stream; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := result.Response.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	created := time.Now().Unix()
	stream := result.Response.Stream
	dep := result.Deployment
	attempts := len(result.Attempts)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		outputChars := 0
		errored := false

		for chunk := range stream {
			if chunk.FinishReason == "error" {
				errored = true
			}
			if chunk.Content != "" {
				outputChars += len(chunk.Content)
			}
			data, err := json.Marshal(g.buildChunk(j, id, created, chunk.Content, chunk.FinishReason))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				// Client went away; drain the provider stream so the adapter
				// goroutine can exit, then settle what was consumed.
				for range stream {
				}
				break
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()

		// The request context is finished by now; settle on a fresh one.
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		outputTokens := outputChars / 4
		cost, perr := g.pricing.Cost(dep.Kind, dep.TargetModel, inputEstimate, outputTokens)
		missing := pricingMissing
		if perr != nil {
			cost, missing = 0, true
			g.metrics.RecordPricingMissing(j.alias)
		}

		if cerr := g.ledger.Commit(sctx, key.ID, resID, cost); cerr != nil {
			g.log.Error("budget: stream commit failed", "key_id", key.ID, "error", cerr)
		} else {
			g.metrics.RecordBudget("committed")
			g.metrics.AddSpend(key.ID, cost)
		}

		status := uint16(fasthttp.StatusOK)
		errKind := ""
		if errored {
			errKind = "stream_error"
		}

		g.metrics.AddTokens(j.alias, inputEstimate, outputTokens, false)
		g.logRequest(logger.RequestLog{
			KeyID:            key.ID,
			ModelAlias:       j.alias,
			Deployment:       dep.Name,
			Provider:         dep.Kind,
			InputTokens:      clampTokens(inputEstimate),
			OutputTokens:     clampTokens(outputTokens),
			CostUSD:          cost,
			LatencyMs:        clampLatencyMs(time.Since(start)),
			Status:           status,
			PricingMissing:   missing,
			FailoverAttempts: clampAttempts(attempts - 1),
			ErrorKind:        errKind,
		})
	})
}

func (g *Gateway) buildChunk(j job, id string, created int64, content, finishReason string) any {
	var finish *string
	if finishReason != "" {
		finish = &finishReason
	}

	if j.legacy {
		return textChunkEnvelope{
			ID:      id,
			Object:  "text_completion",
			Created: created,
			Model:   j.alias,
			Choices: []textChunkChoice{{Text: content, FinishReason: finish}},
		}
	}
	return chatChunkEnvelope{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   j.alias,
		Choices: []chatChunkChoice{{
			Delta:        chunkDelta{Content: content},
			FinishReason: finish,
		}},
	}
}
