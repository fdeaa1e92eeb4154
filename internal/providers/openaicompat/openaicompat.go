// Package openaicompat implements the provider adapter for any service that
// speaks the OpenAI chat completions API (xAI, Groq, DeepSeek, Together AI,
// Perplexity, Cerebras, local vLLM/Ollama endpoints, etc.). The deployment's
// Endpoint field is the API base URL and is required.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/conduithq/conduit/internal/providers"
)

type Adapter struct {
	mu      sync.Mutex
	clients map[string]openaiSDK.Client
}

func New() *Adapter {
	return &Adapter{clients: make(map[string]openaiSDK.Client)}
}

func (a *Adapter) Kind() string { return providers.KindOpenAICompat }

func (a *Adapter) Call(ctx context.Context, dep *providers.Deployment, req *providers.Request) (*providers.Response, error) {
	client, err := a.clientFor(dep)
	if err != nil {
		return nil, err
	}

	params := buildParams(req)
	if req.Stream {
		return handleStreaming(ctx, client, params)
	}
	return handleResponse(ctx, client, dep, params)
}

func (a *Adapter) clientFor(dep *providers.Deployment) (openaiSDK.Client, error) {
	if dep.Endpoint == "" {
		return openaiSDK.Client{}, fmt.Errorf("openaicompat: deployment %s has no endpoint", dep.Name)
	}

	ck := dep.APIKey + "\x00" + dep.Endpoint

	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.clients[ck]; ok {
		return c, nil
	}

	opts := []option.RequestOption{
		option.WithBaseURL(dep.Endpoint),
		option.WithHTTPClient(&http.Client{Timeout: providers.CallTimeout}),
	}
	// Local endpoints often run without auth.
	if dep.APIKey != "" {
		opts = append(opts, option.WithAPIKey(dep.APIKey))
	}

	c := openaiSDK.NewClient(opts...)
	a.clients[ck] = c
	return c, nil
}

func buildParams(req *providers.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func handleResponse(
	ctx context.Context,
	client openaiSDK.Client,
	dep *providers.Deployment,
	params openaiSDK.ChatCompletionNewParams,
) (*providers.Response, error) {
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toProviderError(dep.Name, err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func handleStreaming(
	ctx context.Context,
	client openaiSDK.Client,
	params openaiSDK.ChatCompletionNewParams,
) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}

			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				ch <- providers.StreamChunk{
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
				}
				continue
			}
			if c.FinishReason != "" {
				ch <- providers.StreamChunk{FinishReason: c.FinishReason}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &providers.Response{Stream: ch}, nil
}

func toProviderError(deployment string, err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.ProviderError{
			Deployment: deployment,
			Kind:       providers.KindFromStatus(apierr.StatusCode),
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch role {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
