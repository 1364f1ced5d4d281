package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coreroute/modelgate/internal/auth"
	mgCache "github.com/coreroute/modelgate/internal/cache"
	"github.com/coreroute/modelgate/internal/logger"
	"github.com/coreroute/modelgate/internal/metrics"
	"github.com/coreroute/modelgate/internal/proxy"
	"github.com/coreroute/modelgate/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the provider profiles and clients. At least one
// provider must be configured — enforced by config validation before here.
func (a *App) initProviders(ctx context.Context) error {
	a.profiles = buildProfiles(a.cfg)
	a.provs = buildProviders(ctx, a.profiles, a.log)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the auth manager, cache backend, metrics registry,
// and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	// Caller credentials → token manager.
	creds := make([]auth.Credential, 0, len(a.cfg.Clients))
	for _, c := range a.cfg.Clients {
		creds = append(creds, auth.NewCredential(c.ClientID, c.Secret, c.Scopes))
	}
	a.tokens = auth.NewManager(ctx, creds, a.cfg.Auth.TokenLifetime)

	switch a.cfg.Cache.Mode {
	case "redis":
		// RedisCache wraps the already-connected client; built in initGateway.
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = mgCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled (deduplication only)")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// Async request logger. ClickHouse sink when configured, slog otherwise.
	var sink logger.Sink
	if a.cfg.ClickHouse.URL != "" {
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.ClickHouse.URL)))
		ch, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouse.URL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.log.Info("clickhouse connected")
	}
	reqLogger, err := logger.New(ctx, sink, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var backend mgCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		backend = mgCache.NewRedisCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		backend = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil backend — Flight still deduplicates concurrent identical calls.
	}

	flight := mgCache.NewFlight(backend, a.cfg.Cache.TTL)

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:          a.log,
		MaxAttempts:     a.cfg.Retry.MaxAttempts,
		BaseDelay:       a.cfg.Retry.BaseDelay,
		ProviderTimeout: a.cfg.Retry.ProviderTimeout,
		Metrics:         a.prom,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, a.tokens, flight, cacheReady, opts)
	gw.SetProfiles(a.profiles)

	// ── Rate limiters ────────────────────────────────────────────────────────
	// Redis-backed when available so the windows are shared across replicas;
	// in-process fixed windows otherwise.
	var callerLim, providerLim ratelimit.Limiter
	if a.cfg.RateLimit.PerCaller > 0 {
		if a.rdb != nil {
			callerLim = ratelimit.NewRedisLimiter(a.rdb, a.cfg.RateLimit.PerCaller, a.cfg.RateLimit.Window)
		} else {
			callerLim = ratelimit.NewWindowLimiter(a.cfg.RateLimit.PerCaller, a.cfg.RateLimit.Window)
		}
	}
	if a.cfg.RateLimit.PerProvider > 0 {
		if a.rdb != nil {
			providerLim = ratelimit.NewRedisLimiter(a.rdb, a.cfg.RateLimit.PerProvider, a.cfg.RateLimit.Window)
		} else {
			providerLim = ratelimit.NewWindowLimiter(a.cfg.RateLimit.PerProvider, a.cfg.RateLimit.Window)
		}
	}
	if callerLim != nil || providerLim != nil {
		gw.SetRateLimiters(callerLim, providerLim)
		a.log.Info("rate limiting enabled",
			slog.Int("per_caller", a.cfg.RateLimit.PerCaller),
			slog.Int("per_provider", a.cfg.RateLimit.PerProvider),
			slog.Duration("window", a.cfg.RateLimit.Window),
		)
	}

	// Async request logger.
	gw.SetLogger(a.reqLogger)

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := mgCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
