// Package apierr defines the stable error taxonomy returned to calling
// agents and the fasthttp JSON writers for it.
//
// Every error response carries a machine-readable kind, a human-readable
// message, and — for rate_limited — a retry-after hint in seconds so
// well-behaved callers can back off without polling.
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Kind constants. These are part of the public API contract and must not
// change once released.
const (
	KindUnauthorized        = "unauthorized"
	KindRateLimited         = "rate_limited"
	KindInvalidRequest      = "invalid_request"
	KindProviderTimeout     = "provider_timeout"
	KindProviderUnavailable = "provider_unavailable"
	KindProviderUnknown     = "provider_unknown"
	KindInternal            = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Kind       string `json:"kind"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retry_after,omitempty"` // seconds
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(kind string) int {
	switch kind {
	case KindUnauthorized:
		return fasthttp.StatusUnauthorized
	case KindRateLimited:
		return fasthttp.StatusTooManyRequests
	case KindInvalidRequest:
		return fasthttp.StatusBadRequest
	case KindProviderTimeout:
		return fasthttp.StatusGatewayTimeout
	case KindProviderUnavailable, KindProviderUnknown:
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Write writes the error envelope as JSON with the status derived from kind.
func Write(ctx *fasthttp.RequestCtx, kind, message string) {
	ctx.SetStatusCode(StatusFor(kind))
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{Kind: kind, Message: message}})
	ctx.SetBody(body)
}

// WriteRateLimited writes a 429 with Retry-After set in both the header and
// the body. retryAfter is rounded up to whole seconds, minimum one.
func WriteRateLimited(ctx *fasthttp.RequestCtx, message string, retryAfter time.Duration) {
	secs := int(retryAfter / time.Second)
	if retryAfter%time.Second != 0 || secs < 1 {
		secs++
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Kind:       KindRateLimited,
		Message:    message,
		RetryAfter: secs,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 with the unauthorized kind.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, KindUnauthorized, message)
}
