// Package providers defines the common contract implemented by every LLM
// provider client (OpenAI, Anthropic, Gemini, Mistral, and the generic
// OpenAI-compatible family).
//
// Each provider lives in its own sub-package. Provider-specific knowledge —
// wire shapes, auth headers, error formats — stays inside the sub-package;
// everything above this layer works with NormalizedRequest/NormalizedResponse
// and classified provider errors only.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// NormalizedRequest is the provider-independent request shape. Built once
	// per inbound call and never mutated afterwards.
	NormalizedRequest struct {
		Provider    string
		Model       string
		Messages    []Message
		Temperature float64
		MaxTokens   int
		RequestID   string
	}

	// NormalizedResponse is the provider-independent response shape.
	NormalizedResponse struct {
		ID       string
		Provider string
		Model    string
		Content  string
		Usage    Usage
	}
)

// Provider is the uniform upstream client contract. Implementations must not
// retry internally — retry policy belongs to the router, which has visibility
// across providers and callers. Call duration is bounded by the ctx deadline
// the router derives from the provider profile.
type Provider interface {
	Name() string
	Invoke(ctx context.Context, req *NormalizedRequest) (*NormalizedResponse, error)
	Models() []string
	HealthCheck(ctx context.Context) error
}

// ErrorKind classifies an upstream failure into one of six stable categories.
type ErrorKind string

const (
	KindAuthFailure    ErrorKind = "auth_failure"
	KindRateLimited    ErrorKind = "rate_limited"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindTimeout        ErrorKind = "timeout"
	KindUnavailable    ErrorKind = "unavailable"
	KindUnknown        ErrorKind = "unknown"
)

// Retryable reports whether the router may retry a failure of this kind on
// the same provider. AuthFailure and InvalidRequest will not succeed on
// retry; RateLimited has its own single-retry policy in the router. Unknown
// covers unclassified transport failures and is treated as transient.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindUnavailable || k == KindUnknown
}

// Error is a classified upstream failure.
type Error struct {
	Provider   string
	Kind       ErrorKind
	Status     int // upstream HTTP status, 0 when not applicable
	Message    string
	RetryAfter time.Duration // upstream backoff hint, 0 when absent
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (kind=%s, status=%d)", e.Provider, e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s (kind=%s)", e.Provider, e.Message, e.Kind)
}

// ClassifyStatus maps an upstream HTTP status code to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuthFailure
	case status == 429:
		return KindRateLimited
	case status == 408:
		return KindTimeout
	case status >= 400 && status < 500:
		return KindInvalidRequest
	case status >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// NewError builds a classified Error from an upstream status and message.
func NewError(provider string, status int, message string) *Error {
	return &Error{
		Provider: provider,
		Kind:     ClassifyStatus(status),
		Status:   status,
		Message:  message,
	}
}

// Classify extracts the ErrorKind from err. Deadline expiry maps to Timeout
// regardless of where it was detected; unrecognized errors map to Unknown.
func Classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// RetryHint returns the upstream-supplied backoff hint, or 0 when absent.
func RetryHint(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// RetryAfterHeader parses the Retry-After response header as delta-seconds.
// Returns 0 when the header is absent or not a positive integer; HTTP-date
// values are ignored since the upstream APIs all send delta-seconds.
func RetryAfterHeader(h http.Header) time.Duration {
	ra := h.Get("Retry-After")
	if ra == "" {
		return 0
	}
	secs, err := strconv.Atoi(ra)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// DefaultTimeout bounds a single upstream call when a profile does not set
// its own timeout.
const DefaultTimeout = 30 * time.Second
