// Package proxy is the core request router for the gateway.
//
// The Gateway authenticates the calling agent, applies caller and provider
// rate limits, deduplicates identical in-flight requests through the
// single-flight cache, and dispatches to the selected provider with bounded
// retries.
//
// Key design constraints:
//   - No blocking I/O on the hot path outside the upstream call itself.
//   - Request logger, rate limiters, and cache are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/coreroute/modelgate/internal/auth"
	"github.com/coreroute/modelgate/internal/cache"
	"github.com/coreroute/modelgate/internal/logger"
	"github.com/coreroute/modelgate/internal/metrics"
	"github.com/coreroute/modelgate/internal/providers"
	"github.com/coreroute/modelgate/internal/ratelimit"
	"github.com/coreroute/modelgate/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and retry
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// MaxAttempts is the maximum number of upstream attempts per request
	// (including the first). Must be ≥ 1. Default: 3.
	MaxAttempts int

	// BaseDelay is the first retry backoff delay. Default: 200ms.
	BaseDelay time.Duration

	// ProviderTimeout is the per-attempt upstream timeout used when a
	// provider profile does not set its own. Default: providers.DefaultTimeout.
	ProviderTimeout time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry
}

// Gateway is the request router — all dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Gateway struct {
	providers map[string]providers.Provider
	profiles  map[string]providers.Profile
	tokens    *auth.Manager
	flight    *cache.Flight
	cb        *CircuitBreaker
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	maxAttempts     int
	baseDelay       time.Duration
	providerTimeout time.Duration
	sleep           func(context.Context, time.Duration) error

	// Optional dependencies — nil-safe when not configured.
	callerLimiter   ratelimit.Limiter
	providerLimiter ratelimit.Limiter
	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, provs map[string]providers.Provider, tokens *auth.Manager, flight *cache.Flight) *Gateway {
	return NewGatewayWithOptions(ctx, provs, tokens, flight, nil, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. cacheReady is an
// optional readiness probe for the cache backend (used by GET /readiness).
func NewGatewayWithOptions(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	tokens *auth.Manager,
	flight *cache.Flight,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.DefaultTimeout
	}

	gw := &Gateway{
		providers:       provs,
		profiles:        make(map[string]providers.Profile),
		tokens:          tokens,
		flight:          flight,
		cb:              NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:         baseCtx,
		log:             log,
		maxAttempts:     maxAttempts,
		baseDelay:       baseDelay,
		providerTimeout: providerTimeout,
		sleep:           sleepCtx,
		metrics:         opts.Metrics,
	}

	// Initialise circuit breaker gauges (closed) for known providers.
	if gw.metrics != nil && gw.cb != nil {
		for name := range provs {
			gw.metrics.SetCircuitBreaker(name, int64(gw.cb.State(name)))
		}
	}

	if len(provs) > 0 {
		gw.health = NewHealthChecker(baseCtx, provs, cacheReady, gw.metrics)
	}

	return gw
}

// SetProfiles injects the per-provider profiles used for model defaults,
// max-token caps, and per-provider timeouts.
func (g *Gateway) SetProfiles(profiles map[string]providers.Profile) {
	g.profiles = profiles
}

// SetRateLimiters injects the caller and provider rate limiters. Either may
// be nil to disable that check.
func (g *Gateway) SetRateLimiters(caller, provider ratelimit.Limiter) {
	g.callerLimiter = caller
	g.providerLimiter = provider
}

// SetLogger injects the async request logger (slog or ClickHouse backed).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list. Matching requests
// skip the cache and the single-flight group entirely.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// ── Wire types ────────────────────────────────────────────────────────────────

type (
	inboundTokenRequest struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}

	outboundTokenResponse struct {
		Token     string    `json:"token"`
		ClientID  string    `json:"client_id"`
		Scopes    []string  `json:"scopes"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	inboundInvokeRequest struct {
		Provider    string           `json:"provider"`
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundInvokeResponse struct {
		ID       string        `json:"id"`
		Provider string        `json:"provider"`
		Model    string        `json:"model"`
		Content  string        `json:"content"`
		Usage    outboundUsage `json:"usage"`
	}
)

// ── Handlers ─────────────────────────────────────────────────────────────────

// dispatchToken handles POST /v1/auth/token.
func (g *Gateway) dispatchToken(ctx *fasthttp.RequestCtx) {
	var req inboundTokenRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, apierr.KindInvalidRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		apierr.Write(ctx, apierr.KindInvalidRequest, "fields 'client_id' and 'client_secret' are required")
		return
	}

	tok, err := g.tokens.Issue(req.ClientID, req.ClientSecret)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordAuth("issue", "denied")
		}
		g.log.WarnContext(ctx, "token_issue_denied", slog.String("client_id", req.ClientID))
		apierr.WriteUnauthorized(ctx, "client id or secret is incorrect")
		return
	}

	if g.metrics != nil {
		g.metrics.RecordAuth("issue", "ok")
		g.metrics.SetActiveTokens(g.tokens.ActiveTokens())
	}
	g.log.InfoContext(ctx, "token_issued",
		slog.String("client_id", tok.ClientID),
		slog.Time("expires_at", tok.ExpiresAt),
	)

	writeJSON(ctx, outboundTokenResponse{
		Token:     tok.ID,
		ClientID:  tok.ClientID,
		Scopes:    tok.Scopes,
		ExpiresAt: tok.ExpiresAt,
	})
}

// dispatchRevoke handles DELETE /v1/auth/token — it revokes the presented
// bearer token.
func (g *Gateway) dispatchRevoke(ctx *fasthttp.RequestCtx) {
	tokenID := bearerToken(ctx)
	if tokenID == "" {
		apierr.WriteUnauthorized(ctx, "missing bearer token")
		return
	}

	if err := g.tokens.Revoke(tokenID); err != nil {
		if g.metrics != nil {
			g.metrics.RecordAuth("revoke", "unknown")
		}
		apierr.WriteUnauthorized(ctx, "token not found")
		return
	}

	if g.metrics != nil {
		g.metrics.RecordAuth("revoke", "ok")
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// dispatchModels handles GET /v1/models.
func (g *Gateway) dispatchModels(ctx *fasthttp.RequestCtx) {
	if _, ok := g.authenticate(ctx, auth.ScopeModels); !ok {
		return
	}

	filter := string(ctx.QueryArgs().Peek("provider"))
	if filter != "" {
		if _, ok := g.providers[filter]; !ok {
			apierr.Write(ctx, apierr.KindInvalidRequest, fmt.Sprintf("unknown provider %q", filter))
			return
		}
	}

	models := make(map[string][]string, len(g.providers))
	for name, prov := range g.providers {
		if filter != "" && name != filter {
			continue
		}
		models[name] = prov.Models()
	}

	writeJSON(ctx, map[string]any{"models": models})
}

// dispatchInvoke handles POST /v1/invoke — the hot path.
func (g *Gateway) dispatchInvoke(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	attempts := 0
	clientID := ""
	model := ""

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics != nil {
			g.metrics.DecInFlight()
			dur := time.Since(start)
			g.metrics.ObserveHTTP("invoke", ctx.Response.StatusCode(), dur)
			g.metrics.ObserveInvoke(servedProvider, cacheLabel, dur)
			g.metrics.AddTokens(servedProvider, inputTokens, outputTokens, cached)
		}
		g.logRequest(ctx, clientID, servedProvider, model,
			inputTokens, outputTokens, time.Since(start),
			ctx.Response.StatusCode(), cached, attempts)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate before any other work — an invalid token must not
	//    consume rate limit budget or trigger upstream calls.
	tok, ok := g.authenticate(ctx, auth.ScopeInvoke)
	if !ok {
		return
	}
	clientID = tok.ClientID

	// 2. Parse and validate the request body.
	var req inboundInvokeRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, apierr.KindInvalidRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Provider == "" {
		apierr.Write(ctx, apierr.KindInvalidRequest, "field 'provider' is required")
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, apierr.KindInvalidRequest, "field 'messages' must not be empty")
		return
	}

	prov, ok := g.providers[req.Provider]
	if !ok {
		apierr.Write(ctx, apierr.KindInvalidRequest, fmt.Sprintf("unknown provider %q", req.Provider))
		return
	}
	servedProvider = prov.Name()

	// Apply profile defaults.
	profile := g.profiles[req.Provider]
	if req.Model == "" {
		req.Model = profile.DefaultModel
	}
	if req.Model == "" {
		apierr.Write(ctx, apierr.KindInvalidRequest,
			fmt.Sprintf("field 'model' is required (provider %q has no default model)", req.Provider))
		return
	}
	model = req.Model
	if profile.MaxTokens > 0 && (req.MaxTokens == 0 || req.MaxTokens > profile.MaxTokens) {
		req.MaxTokens = profile.MaxTokens
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("client_id", clientID),
		slog.String("provider", req.Provider),
		slog.String("model", req.Model),
	)

	// 3. Rate limits: the caller's own budget first, then the shared
	//    provider budget. A caller-denied request never counts against the
	//    provider window.
	if !g.allowRate(ctx, g.callerLimiter, "caller", ratelimit.CallerKey(clientID)) {
		return
	}
	if !g.allowRate(ctx, g.providerLimiter, "provider", ratelimit.ProviderKey(req.Provider)) {
		return
	}

	// 4. Build the normalized request.
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	normReq := &providers.NormalizedRequest{
		Provider:    req.Provider,
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
	}

	timeout := profile.Timeout
	if timeout <= 0 {
		timeout = g.providerTimeout
	}

	// compute may outlive this handler when the caller's deadline expires
	// mid-flight, so it only touches the atomic attempt counter — usage is
	// recovered from the serialized body after Do returns.
	var attemptCount atomic.Int32
	compute := func(cctx context.Context) ([]byte, error) {
		resp, n, err := g.invokeWithRetry(cctx, prov, normReq, timeout)
		attemptCount.Store(int32(n))
		if err != nil {
			return nil, err
		}
		body, merr := json.Marshal(outboundInvokeResponse{
			ID:       resp.ID,
			Provider: resp.Provider,
			Model:    resp.Model,
			Content:  resp.Content,
			Usage: outboundUsage{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
		})
		if merr != nil {
			return nil, fmt.Errorf("serialize response: %w", merr)
		}
		return body, nil
	}

	// 5. Dispatch. Excluded requests skip the cache and the single-flight
	//    group; everything else goes through Flight so identical concurrent
	//    requests share one upstream call.
	excluded := g.cacheExclusions.Matches(req.Provider, req.Model) || g.flight == nil
	var body []byte
	if excluded {
		if g.metrics != nil {
			g.metrics.CacheGetBypass()
		}
		var err error
		body, err = compute(ctx)
		attempts = int(attemptCount.Load())
		if err != nil {
			g.writeInvokeError(ctx, reqID, req.Provider, err, start)
			return
		}
	} else {
		key := fingerprint(normReq)
		res, err := g.flight.Do(ctx, key, compute)
		attempts = int(attemptCount.Load())
		if err != nil {
			g.writeInvokeError(ctx, reqID, req.Provider, err, start)
			return
		}
		body = res.Data
		if res.Cached {
			cacheLabel = "hit"
			cached = true
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
		} else {
			cacheLabel = "miss"
			if g.metrics != nil {
				g.metrics.CacheGetMiss()
				if res.Shared {
					g.metrics.RecordFlightShared()
				}
			}
		}
	}

	// Best-effort usage extraction from the serialized body.
	var cu outboundInvokeResponse
	if jerr := json.Unmarshal(body, &cu); jerr == nil {
		inputTokens = cu.Usage.InputTokens
		outputTokens = cu.Usage.OutputTokens
		model = cu.Model
	}

	if cached {
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
	} else {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", servedProvider),
		slog.String("model", model),
		slog.Int("input_tokens", inputTokens),
		slog.Int("output_tokens", outputTokens),
		slog.Bool("cached", cached),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// authenticate validates the bearer token and the required scope. On failure
// it writes the 401 response and returns ok=false.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx, scope string) (*auth.Token, bool) {
	tokenID := bearerToken(ctx)
	if tokenID == "" {
		if g.metrics != nil {
			g.metrics.RecordAuth("validate", "missing")
		}
		apierr.WriteUnauthorized(ctx, "missing bearer token")
		return nil, false
	}

	tok, err := g.tokens.Validate(tokenID)
	if err != nil {
		var ae *auth.Error
		reason := "invalid"
		if errors.As(err, &ae) {
			reason = string(ae.Reason)
		}
		if g.metrics != nil {
			g.metrics.RecordAuth("validate", reason)
		}
		apierr.WriteUnauthorized(ctx, "token is invalid, expired, or revoked")
		return nil, false
	}

	if !tok.HasScope(scope) {
		if g.metrics != nil {
			g.metrics.RecordAuth("validate", "scope_denied")
		}
		apierr.WriteUnauthorized(ctx, fmt.Sprintf("token lacks the %q scope", scope))
		return nil, false
	}

	if g.metrics != nil {
		g.metrics.RecordAuth("validate", "ok")
	}
	return tok, true
}

// allowRate consults the limiter and writes the 429 on denial. A limiter
// error degrades to allow — the gateway must not fail closed when a shared
// Redis is briefly unreachable.
func (g *Gateway) allowRate(ctx *fasthttp.RequestCtx, l ratelimit.Limiter, scope, key string) bool {
	if l == nil {
		return true
	}

	dec, err := l.Allow(ctx, key)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordRateLimit(scope, "error")
		}
		return true
	}
	if !dec.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit(scope, "blocked")
		}
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("scope", scope),
			slog.String("key", key),
			slog.Duration("retry_after", dec.RetryAfter),
		)
		apierr.WriteRateLimited(ctx, fmt.Sprintf("%s rate limit exceeded", scope), dec.RetryAfter)
		return false
	}

	if g.metrics != nil {
		g.metrics.RecordRateLimit(scope, "allowed")
	}
	return true
}

// writeInvokeError maps an upstream failure to the API error envelope.
func (g *Gateway) writeInvokeError(ctx *fasthttp.RequestCtx, reqID, provider string, err error, start time.Time) {
	g.log.ErrorContext(ctx, "provider_error",
		slog.String("request_id", reqID),
		slog.String("provider", provider),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)

	if errors.Is(err, context.Canceled) {
		// Client went away; status is cosmetic at this point.
		apierr.Write(ctx, apierr.KindInternal, "request cancelled")
		return
	}

	switch providers.Classify(err) {
	case providers.KindRateLimited:
		apierr.WriteRateLimited(ctx, "provider rate limit exceeded", providers.RetryHint(err))
	case providers.KindInvalidRequest:
		apierr.Write(ctx, apierr.KindInvalidRequest, err.Error())
	case providers.KindTimeout:
		apierr.Write(ctx, apierr.KindProviderTimeout, fmt.Sprintf("provider %s timed out", provider))
	case providers.KindUnavailable:
		apierr.Write(ctx, apierr.KindProviderUnavailable, fmt.Sprintf("provider %s is unavailable", provider))
	case providers.KindAuthFailure:
		// The gateway's own upstream credential was rejected; the caller
		// cannot fix this, so it is not surfaced as unauthorized.
		apierr.Write(ctx, apierr.KindProviderUnknown, fmt.Sprintf("provider %s rejected the gateway credential", provider))
	default:
		apierr.Write(ctx, apierr.KindProviderUnknown, err.Error())
	}
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	ctx *fasthttp.RequestCtx,
	clientID, provider, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
	attempts int,
) {
	if g.reqLogger == nil {
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	reqUUID, _ := uuid.Parse(reqID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}
	if attempts > 255 {
		attempts = 255
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		ClientID:     clientID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		Attempts:     uint8(attempts),
		CreatedAt:    time.Now(),
	})
}

// bearerToken extracts the Authorization bearer token, or "" when absent or
// malformed.
func bearerToken(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// fingerprint returns a deterministic SHA-256 key for the request. Identity
// fields (token, client id) are deliberately excluded: two callers issuing
// the same request must share the cache entry and the in-flight computation.
func fingerprint(req *providers.NormalizedRequest) string {
	data, _ := json.Marshal(struct {
		P    string              `json:"p"`
		M    string              `json:"m"`
		T    string              `json:"t"`
		MT   int                 `json:"mt"`
		Msgs []providers.Message `json:"msgs"`
	}{
		req.Provider,
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		req.MaxTokens,
		req.Messages,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}
