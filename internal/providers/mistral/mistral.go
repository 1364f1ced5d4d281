// Package mistral implements the Mistral AI provider over raw HTTP.
// Mistral has no official Go SDK; the chat completions API is close enough
// to OpenAI's that a small hand-rolled client is simpler than forcing the
// OpenAI SDK through a compatibility shim.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coreroute/modelgate/internal/providers"
)

const (
	defaultBaseURL = "https://api.mistral.ai/v1"
	providerName   = "mistral"
)

var knownModels = []string{
	"mistral-large-latest",
	"mistral-small-latest",
	"mistral-medium",
	"open-mistral-nemo",
	"codestral-latest",
	"ministral-8b-latest",
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Provider implements providers.Provider for Mistral AI.
type Provider struct {
	profile providers.Profile
	baseURL string
	client  *http.Client
}

// New creates a Mistral Provider from its profile.
func New(profile providers.Profile) *Provider {
	baseURL := profile.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		profile: profile,
		baseURL: baseURL,
		client:  &http.Client{Timeout: profile.CallTimeout()},
	}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Models() []string { return knownModels }

func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("mistral: health check: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.profile.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("mistral: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mistral: health check: status %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) Invoke(ctx context.Context, req *providers.NormalizedRequest) (*providers.NormalizedResponse, error) {
	body, err := buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("mistral: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mistral: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.profile.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mistral: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("mistral: decode response: %w", err)
	}

	content := ""
	if len(cr.Choices) > 0 && cr.Choices[0].Message != nil {
		content = cr.Choices[0].Message.Content
	}

	return &providers.NormalizedResponse{
		ID:       cr.ID,
		Provider: providerName,
		Model:    cr.Model,
		Content:  content,
		Usage: providers.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		},
	}, nil
}

func buildRequest(req *providers.NormalizedRequest) ([]byte, error) {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	cr := chatRequest{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}

	data, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

// parseError converts a non-200 upstream response into a classified provider
// error. The Retry-After header, when present on a 429, is carried through as
// the backoff hint.
func parseError(resp *http.Response) error {
	var cr chatResponse
	msg := fmt.Sprintf("upstream status %d", resp.StatusCode)
	if err := json.NewDecoder(resp.Body).Decode(&cr); err == nil && cr.Error != nil {
		msg = cr.Error.Message
	}

	pe := providers.NewError(providerName, resp.StatusCode, msg)
	pe.RetryAfter = providers.RetryAfterHeader(resp.Header)
	return pe
}
