package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coreroute/modelgate/internal/providers"
)

// --- helpers ---

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	// Base URL carries an API version segment so splitBaseURLAndVersion()
	// hands the SDK a clean base plus "v1beta".
	p, err := New(context.Background(), providers.Profile{
		ID:      "gemini",
		APIKey:  "mock-api-key",
		BaseURL: srv.URL + "/v1beta",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func baseRequest() *providers.NormalizedRequest {
	return &providers.NormalizedRequest{
		Model:     "gemini-1.5-pro",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func successResponse(text string) generateResponse {
	return generateResponse{
		Candidates: []candidate{
			{
				Content: content{
					Role:  "model",
					Parts: []part{{Text: text}},
				},
				FinishReason: "STOP",
			},
		},
		UsageMetadata: usageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 5,
		},
	}
}

func decodeBody(t *testing.T, r *http.Request, into *generateRequest) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		t.Errorf("decode request body: %v", err)
	}
}

// --- tests ---

func TestProvider_Name(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p := newTestProvider(t, srv)
	if p.Name() != "gemini" {
		t.Fatalf("expected 'gemini', got %q", p.Name())
	}
	if len(p.Models()) == 0 {
		t.Fatal("expected non-empty model list")
	}
}

func TestNew_NilContext(t *testing.T) {
	if _, err := New(nil, providers.Profile{APIKey: "key"}); err == nil { //nolint:staticcheck
		t.Fatal("expected error for nil context")
	}
}

func TestProvider_Invoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		// The SDK may pass the key as a query param or a header.
		gotKey := r.URL.Query().Get("key")
		if gotKey == "" {
			gotKey = r.Header.Get("X-Goog-Api-Key")
		}
		if gotKey != "mock-api-key" {
			t.Errorf("expected api key 'mock-api-key', got %q", gotKey)
		}

		if !strings.Contains(r.URL.Path, "gemini-1.5-pro") {
			t.Errorf("expected model in path, got %q", r.URL.Path)
		}
		if !strings.Contains(r.URL.Path, "generateContent") {
			t.Errorf("expected generateContent in path, got %q", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Hello, world!"))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)

	resp, err := p.Invoke(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 5 {
		t.Errorf("expected 5 output tokens, got %d", resp.Usage.OutputTokens)
	}
	if resp.ID != "req-mock-1" {
		t.Errorf("expected ID 'req-mock-1', got %q", resp.ID)
	}
}

func TestProvider_Invoke_RoleMapping(t *testing.T) {
	var captured generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decodeBody(t, r, &captured)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Sure!"))
	}))
	defer srv.Close()

	req := &providers.NormalizedRequest{
		Model: "gemini-1.5-pro",
		Messages: []providers.Message{
			{Role: "user", Content: "What is 2+2?"},
			{Role: "assistant", Content: "4"},
			{Role: "user", Content: "And 3+3?"},
		},
		RequestID: "req-role-mock",
	}

	p := newTestProvider(t, srv)
	if _, err := p.Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(captured.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(captured.Contents))
	}
	// Assistant turns are sent with the "model" role.
	if captured.Contents[1].Role != "model" {
		t.Errorf("expected role 'model' for assistant message, got %q", captured.Contents[1].Role)
	}
	if len(captured.Contents[1].Parts) == 0 || captured.Contents[1].Parts[0].Text != "4" {
		t.Errorf("expected text '4', got %+v", captured.Contents[1].Parts)
	}
	if captured.Contents[0].Role != "user" || captured.Contents[2].Role != "user" {
		t.Errorf("expected user roles for positions 0 and 2, got %q / %q",
			captured.Contents[0].Role, captured.Contents[2].Role)
	}
}

func TestProvider_Invoke_SystemInstruction(t *testing.T) {
	var captured generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decodeBody(t, r, &captured)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("OK"))
	}))
	defer srv.Close()

	req := &providers.NormalizedRequest{
		Model: "gemini-1.5-pro",
		Messages: []providers.Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "Hello"},
		},
		RequestID: "req-system-mock",
	}

	p := newTestProvider(t, srv)
	if _, err := p.Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// System messages travel as systemInstruction, not as contents.
	if captured.SystemInstruction == nil || len(captured.SystemInstruction.Parts) == 0 {
		t.Fatal("expected systemInstruction to be set")
	}
	if captured.SystemInstruction.Parts[0].Text != "You are a helpful assistant." {
		t.Errorf("unexpected systemInstruction text: %q", captured.SystemInstruction.Parts[0].Text)
	}
	if len(captured.Contents) != 1 {
		t.Fatalf("expected 1 content (user only), got %d", len(captured.Contents))
	}
	if captured.Contents[0].Role != "user" {
		t.Errorf("expected role 'user', got %q", captured.Contents[0].Role)
	}
}

func TestProvider_Invoke_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)

	_, err := p.Invoke(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if pe.Kind != providers.KindRateLimited {
		t.Errorf("expected kind %q, got %q", providers.KindRateLimited, pe.Kind)
	}
	if pe.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", pe.Status)
	}
	if !strings.Contains(pe.Message, "Resource has been exhausted") {
		t.Errorf("expected upstream message to be carried, got %q", pe.Message)
	}
}

func TestProvider_Invoke_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"error":{"code":500,"message":"Internal server error","status":"INTERNAL"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)

	_, err := p.Invoke(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 500, got nil")
	}

	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if pe.Kind != providers.KindUnavailable {
		t.Errorf("expected kind %q, got %q", providers.KindUnavailable, pe.Kind)
	}
	if pe.Status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", pe.Status)
	}
}

func TestProvider_Invoke_NoIDFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Hi"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.RequestID = ""

	p := newTestProvider(t, srv)
	resp, err := p.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID == "" {
		t.Error("expected a generated ID when RequestID is empty")
	}
	if !strings.HasPrefix(resp.ID, "gemini-") {
		t.Errorf("expected generated ID with 'gemini-' prefix, got %q", resp.ID)
	}
}

func TestProvider_Invoke_ResponseIDUsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := successResponse("Hi")
		resp.ResponseID = "resp-upstream-7"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	req := baseRequest()
	req.RequestID = ""

	p := newTestProvider(t, srv)
	resp, err := p.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "resp-upstream-7" {
		t.Errorf("expected upstream response ID, got %q", resp.ID)
	}
}

func TestProvider_Invoke_GenerationConfig(t *testing.T) {
	var captured generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decodeBody(t, r, &captured)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Response"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Temperature = 0.7
	req.MaxTokens = 1000

	p := newTestProvider(t, srv)
	if _, err := p.Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.GenerationConfig == nil {
		t.Fatal("expected generationConfig to be set")
	}
	if captured.GenerationConfig.Temperature == nil || *captured.GenerationConfig.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", captured.GenerationConfig.Temperature)
	}
	if captured.GenerationConfig.MaxOutputTokens == nil || *captured.GenerationConfig.MaxOutputTokens != 1000 {
		t.Errorf("expected maxOutputTokens 1000, got %v", captured.GenerationConfig.MaxOutputTokens)
	}
}

func TestProvider_Invoke_NoGenerationConfigWhenZero(t *testing.T) {
	var captured generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decodeBody(t, r, &captured)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Response"))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	if _, err := p.Invoke(context.Background(), baseRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The SDK may send nil or an empty object; either way no values should
	// be populated.
	if captured.GenerationConfig != nil {
		if captured.GenerationConfig.Temperature != nil {
			t.Errorf("expected nil temperature, got %v", captured.GenerationConfig.Temperature)
		}
		if captured.GenerationConfig.MaxOutputTokens != nil {
			t.Errorf("expected nil maxOutputTokens, got %v", captured.GenerationConfig.MaxOutputTokens)
		}
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct {
		in      string
		base    string
		version string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"https://example.com/proxy/v1", "https://example.com/proxy/", "v1"},
		{"https://example.com", "https://example.com/", ""},
		{"https://example.com/gateway", "https://example.com/gateway/", ""},
	}
	for _, tc := range cases {
		base, ver := splitBaseURLAndVersion(tc.in)
		if base != tc.base || ver != tc.version {
			t.Errorf("splitBaseURLAndVersion(%q) = (%q, %q), want (%q, %q)",
				tc.in, base, ver, tc.base, tc.version)
		}
	}
}

// --- local JSON shapes used by tests (request capture + response stubs) ---

type generateRequest struct {
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens *int32   `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata,omitempty"`
	ResponseID    string        `json:"responseId,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}
