package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/coreroute/modelgate/internal/providers"
)

// backoffDelay returns the delay before retry number attempt (0-based for the
// first retry): base·2^attempt plus up to 25% jitter so synchronized callers
// don't retry in lockstep.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > 30*time.Second {
		d = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
// Replaced with an instant variant in tests.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invokeWithRetry calls the provider with bounded retries on the same
// provider. Retry policy by error kind:
//
//   - timeout / unavailable / unknown → retried with exponential backoff up
//     to maxAttempts total attempts.
//   - rate_limited → retried at most once, honoring the upstream Retry-After
//     hint when it fits the remaining ctx budget.
//   - auth_failure / invalid_request → never retried.
//
// The circuit breaker is consulted before every attempt; an open breaker
// short-circuits without an upstream call. Returns the response, the number
// of attempts made, and the last error.
func (g *Gateway) invokeWithRetry(
	ctx context.Context,
	prov providers.Provider,
	req *providers.NormalizedRequest,
	timeout time.Duration,
) (*providers.NormalizedResponse, int, error) {

	name := prov.Name()
	attempts := 0
	rateLimitedRetried := false

	var lastErr error

	for attempts < g.maxAttempts {
		if g.cb != nil && !g.cb.Allow(name) {
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
			}
			if lastErr != nil {
				return nil, attempts, lastErr
			}
			return nil, attempts, &providers.Error{
				Provider: name,
				Kind:     providers.KindUnavailable,
				Message:  "circuit breaker open",
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		resp, err := prov.Invoke(attemptCtx, req)
		dur := time.Since(start)
		cancel()
		attempts++

		if err == nil {
			if g.cb != nil {
				g.cb.RecordSuccess(name)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				}
			}
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, "success", dur)
			}
			return resp, attempts, nil
		}

		lastErr = err
		kind := providers.Classify(err)

		if g.cb != nil {
			g.cb.RecordFailure(name)
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
			}
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(name, string(kind), dur)
			g.metrics.RecordError(name, string(kind))
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", name),
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)

		var delay time.Duration
		switch {
		case kind.Retryable():
			delay = backoffDelay(g.baseDelay, attempts-1)

		case kind == providers.KindRateLimited && !rateLimitedRetried:
			rateLimitedRetried = true
			delay = providers.RetryHint(err)
			if delay <= 0 {
				delay = backoffDelay(g.baseDelay, attempts-1)
			}
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
				// The hint does not fit the remaining budget; give up now
				// rather than sleep into a guaranteed timeout.
				return nil, attempts, lastErr
			}

		default:
			// auth_failure, invalid_request, or a second rate_limited —
			// retrying won't change the outcome.
			return nil, attempts, lastErr
		}

		if attempts >= g.maxAttempts {
			break
		}

		if g.metrics != nil {
			g.metrics.RecordRetry(name, string(kind))
		}
		if err := g.sleep(ctx, delay); err != nil {
			return nil, attempts, lastErr
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("provider %s: no attempts made", name)
	}
	return nil, attempts, lastErr
}
