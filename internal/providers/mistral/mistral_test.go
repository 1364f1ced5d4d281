package mistral

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreroute/modelgate/internal/providers"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New(providers.Profile{
		ID:      "mistral",
		APIKey:  "mock-api-key",
		BaseURL: srv.URL,
	})
}

func baseRequest() *providers.NormalizedRequest {
	return &providers.NormalizedRequest{
		Provider:  "mistral",
		Model:     "mistral-large-latest",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestProvider_Name(t *testing.T) {
	p := New(providers.Profile{APIKey: "key"})
	if p.Name() != "mistral" {
		t.Fatalf("expected 'mistral', got %q", p.Name())
	}
	if len(p.Models()) == 0 {
		t.Fatal("expected a non-empty model list")
	}
}

func TestProvider_Invoke_Success(t *testing.T) {
	responseBody := chatResponse{
		ID:    "cmpl-mistral-123",
		Model: "mistral-large-latest",
		Choices: []choice{
			{Message: &chatMessage{Role: "assistant", Content: "Bonjour le monde!"}},
		},
		Usage: usage{PromptTokens: 8, CompletionTokens: 4},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Model != "mistral-large-latest" {
			t.Errorf("expected model 'mistral-large-latest', got %q", body.Model)
		}
		if len(body.Messages) != 1 || body.Messages[0].Content != "Hello" {
			t.Errorf("unexpected messages: %v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	resp, err := p.Invoke(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "cmpl-mistral-123" {
		t.Errorf("expected ID 'cmpl-mistral-123', got %q", resp.ID)
	}
	if resp.Provider != "mistral" {
		t.Errorf("expected provider 'mistral', got %q", resp.Provider)
	}
	if resp.Content != "Bonjour le monde!" {
		t.Errorf("expected content 'Bonjour le monde!', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 8 || resp.Usage.OutputTokens != 4 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestProvider_Invoke_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Invoke(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}

	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T", err)
	}
	if pe.Kind != providers.KindRateLimited {
		t.Errorf("expected kind rate_limited, got %s", pe.Kind)
	}
	if pe.RetryAfter != 7*time.Second {
		t.Errorf("expected Retry-After hint 7s, got %v", pe.RetryAfter)
	}
	if pe.Message != "rate limit exceeded" {
		t.Errorf("expected upstream message, got %q", pe.Message)
	}
}

func TestProvider_Invoke_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"service overloaded"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Invoke(context.Background(), baseRequest())

	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T", err)
	}
	if pe.Kind != providers.KindUnavailable {
		t.Errorf("expected kind unavailable, got %s", pe.Kind)
	}
	if pe.Status != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", pe.Status)
	}
}

func TestProvider_Invoke_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Invoke(context.Background(), baseRequest())

	if providers.Classify(err) != providers.KindAuthFailure {
		t.Errorf("expected kind auth_failure, got %s", providers.Classify(err))
	}
}

func TestBuildRequest_OmitsZeroFields(t *testing.T) {
	data, err := buildRequest(baseRequest())
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["temperature"]; ok {
		t.Error("temperature should be omitted when zero")
	}
	if _, ok := raw["max_tokens"]; ok {
		t.Error("max_tokens should be omitted when zero")
	}

	req := baseRequest()
	req.Temperature = 0.7
	req.MaxTokens = 256
	data, err = buildRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want 0.7", raw["temperature"])
	}
	if raw["max_tokens"] != float64(256) {
		t.Errorf("max_tokens = %v, want 256", raw["max_tokens"])
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("expected path /models, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestProvider_HealthCheck_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	if err := p.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error for failing health check")
	}
}
