// Package ratelimit enforces a maximum request rate per key. The gateway
// keys windows as "caller:<clientID>" and "provider:<providerID>"; the two
// scopes share one implementation.
//
// Two backends are available:
//   - WindowLimiter — in-process fixed windows, zero external dependencies.
//   - RedisLimiter  — Redis sliding window (atomic Lua), shared across replicas.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call. RetryAfter is only meaningful
// when Allowed is false.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request keyed by key may proceed now.
// Allow must be linearizable per key: concurrent calls on the same key are
// accounted atomically relative to one another.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// CallerKey builds the window key for an authenticated caller.
func CallerKey(clientID string) string { return "caller:" + clientID }

// ProviderKey builds the window key for an upstream provider.
func ProviderKey(providerID string) string { return "provider:" + providerID }
