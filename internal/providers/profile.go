package providers

import "time"

// Profile is the static per-provider configuration. Loaded once at startup
// and read-only thereafter — no locking needed anywhere it is consulted.
type Profile struct {
	// ID is the provider identifier used in requests ("openai", "anthropic", ...).
	ID string

	// BaseURL overrides the provider's default API endpoint. Empty uses the
	// provider default. Useful for local mocks.
	BaseURL string

	// APIKey is the upstream credential injected into outbound calls.
	APIKey string

	// DefaultModel is used when an inbound request omits the model.
	DefaultModel string

	// MaxTokens caps the completion size when the request does not set one.
	MaxTokens int

	// Timeout bounds a single upstream call. Zero means DefaultTimeout.
	Timeout time.Duration
}

// CallTimeout returns the effective per-call bound.
func (p Profile) CallTimeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultTimeout
}
