// Package gemini implements the provider adapter for Google Gemini via the
// official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/conduithq/conduit/internal/providers"
)

type Adapter struct {
	mu      sync.Mutex
	clients map[string]*genai.Client
}

func New() *Adapter {
	return &Adapter{clients: make(map[string]*genai.Client)}
}

func (a *Adapter) Kind() string { return providers.KindGemini }

func (a *Adapter) Call(ctx context.Context, dep *providers.Deployment, req *providers.Request) (*providers.Response, error) {
	client, err := a.clientFor(ctx, dep)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	if req.Stream {
		return handleStreaming(ctx, client, req.Model, contents, cfg)
	}
	return handleResponse(ctx, client, dep, req, contents, cfg)
}

func (a *Adapter) clientFor(ctx context.Context, dep *providers.Deployment) (*genai.Client, error) {
	if dep.APIKey == "" {
		return nil, fmt.Errorf("gemini: deployment %s has no API key", dep.Name)
	}

	ck := dep.APIKey + "\x00" + dep.Endpoint

	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.clients[ck]; ok {
		return c, nil
	}

	cc := &genai.ClientConfig{
		APIKey:     dep.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: providers.CallTimeout},
	}
	if dep.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: dep.Endpoint}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: client for deployment %s: %w", dep.Name, err)
	}

	a.clients[ck] = client
	return client, nil
}

// buildContentsAndConfig folds system/developer turns into the system
// instruction; Gemini carries them outside the content list.
func buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.TopP > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}

	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if cfg != nil && req.TopP > 0 {
		cfg.TopP = genai.Ptr[float32](float32(req.TopP))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func handleResponse(
	ctx context.Context,
	client *genai.Client,
	dep *providers.Deployment,
	req *providers.Request,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Response, error) {
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(dep.Name, err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	out := ""
	if resp != nil {
		out = resp.Text()
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.Response{
		ID:      id,
		Model:   req.Model,
		Content: out,
		Usage: providers.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

func handleStreaming(
	ctx context.Context,
	client *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{
					Content:      fmt.Sprintf("[stream error] %v", err),
					FinishReason: "error",
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = string(c.FinishReason)
			}

			if text != "" || finish != "" {
				ch <- providers.StreamChunk{
					Content:      text,
					FinishReason: finish,
				}
			}
		}
	}()

	return &providers.Response{Stream: ch}, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

func toProviderError(deployment string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.ProviderError{
			Deployment: deployment,
			Kind:       providers.KindFromStatus(apiErr.Code),
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
