// Package openaicompat provides a generic OpenAI-compatible LLM provider.
// Use it for any service that implements the OpenAI chat completions API
// (xAI, DeepSeek, Groq, Together AI, and similar).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreroute/modelgate/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Provider is a configurable OpenAI-compatible LLM provider.
type Provider struct {
	profile providers.Profile
	models  []string
	client  openaiSDK.Client
}

// New creates an OpenAI-compatible Provider. The profile's ID becomes the
// routing name; models is the advertised model list for ListModels.
func New(profile providers.Profile, models []string) *Provider {
	p := &Provider{profile: profile, models: models}

	// Retry policy lives in the router, not the SDK.
	opts := []option.RequestOption{
		option.WithAPIKey(profile.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: profile.CallTimeout()}),
		option.WithMaxRetries(0),
	}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}

	p.client = openaiSDK.NewClient(opts...)
	return p
}

func (p *Provider) Name() string { return p.profile.ID }

func (p *Provider) Models() []string { return p.models }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.profile.ID, p.toProviderError(err))
	}
	return nil
}

func (p *Provider) Invoke(ctx context.Context, req *providers.NormalizedRequest) (*providers.NormalizedResponse, error) {
	params := p.buildParams(req)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.NormalizedResponse{
		ID:       resp.ID,
		Provider: p.profile.ID,
		Model:    resp.Model,
		Content:  content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) buildParams(req *providers.NormalizedRequest) openaiSDK.ChatCompletionNewParams {
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
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		pe := providers.NewError(p.profile.ID, apierr.StatusCode, apierr.Error())
		if apierr.Response != nil {
			pe.RetryAfter = providers.RetryAfterHeader(apierr.Response.Header)
		}
		return pe
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
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
