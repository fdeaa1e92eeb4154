// Package anthropic implements the provider adapter for the Anthropic API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/conduithq/conduit/internal/providers"
)

type Adapter struct {
	mu      sync.Mutex
	clients map[string]anthropic.Client
}

func New() *Adapter {
	return &Adapter{clients: make(map[string]anthropic.Client)}
}

func (a *Adapter) Kind() string { return providers.KindAnthropic }

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

func (a *Adapter) clientFor(dep *providers.Deployment) (anthropic.Client, error) {
	if dep.APIKey == "" {
		return anthropic.Client{}, fmt.Errorf("anthropic: deployment %s has no API key", dep.Name)
	}

	ck := dep.APIKey + "\x00" + dep.Endpoint

	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.clients[ck]; ok {
		return c, nil
	}

	opts := []option.RequestOption{
		option.WithAPIKey(dep.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.CallTimeout}),
	}
	if dep.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(dep.Endpoint))
	}

	c := anthropic.NewClient(opts...)
	a.clients[ck] = c
	return c, nil
}

// buildParams folds system/developer turns into the system prompt, Anthropic
// does not accept them as conversation messages.
func buildParams(req *providers.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

func handleResponse(
	ctx context.Context,
	client anthropic.Client,
	dep *providers.Deployment,
	params anthropic.MessageNewParams,
) (*providers.Response, error) {
	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(dep.Name, err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.Response{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func handleStreaming(
	ctx context.Context,
	client anthropic.Client,
	params anthropic.MessageNewParams,
) (*providers.Response, error) {
	ch := make(chan providers.StreamChunk, 64)

	stream := client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					ch <- providers.StreamChunk{FinishReason: string(eventVariant.Delta.StopReason)}
				}
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
	var apierr *anthropic.Error
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
