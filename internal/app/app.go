// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra  — external connections (Redis, ClickHouse when configured)
//  2. initProviders — LLM provider clients and profiles
//  3. initServices — auth manager, cache, rate limiters, metrics, request log
//  4. initGateway  — router + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/coreroute/modelgate/internal/auth"
	mgCache "github.com/coreroute/modelgate/internal/cache"
	"github.com/coreroute/modelgate/internal/config"
	"github.com/coreroute/modelgate/internal/logger"
	"github.com/coreroute/modelgate/internal/metrics"
	"github.com/coreroute/modelgate/internal/providers"
	anthropicprov "github.com/coreroute/modelgate/internal/providers/anthropic"
	geminiprov "github.com/coreroute/modelgate/internal/providers/gemini"
	mistralprov "github.com/coreroute/modelgate/internal/providers/mistral"
	openaiprov "github.com/coreroute/modelgate/internal/providers/openai"
	openaicompatprov "github.com/coreroute/modelgate/internal/providers/openaicompat"
	"github.com/coreroute/modelgate/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	tokens    *auth.Manager
	reqLogger *logger.Logger
	memCache  *mgCache.MemoryCache

	prom *metrics.Registry

	provs    map[string]providers.Provider
	profiles map[string]providers.Profile
	mgmt     *proxy.ManagementRoutes
	gw       *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.provs)),
		slog.Int("clients", len(a.cfg.Clients)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.tokens != nil {
		a.tokens.Close()
		a.tokens = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildProfiles converts provider config sections into runtime profiles,
// keyed by provider id. Only providers with a configured key appear.
func buildProfiles(cfg *config.Config) map[string]providers.Profile {
	out := make(map[string]providers.Profile)

	add := func(id string, pc config.ProviderConfig) {
		if pc.APIKey == "" {
			return
		}
		timeout := pc.Timeout
		if timeout <= 0 {
			timeout = cfg.Retry.ProviderTimeout
		}
		out[id] = providers.Profile{
			ID:           id,
			BaseURL:      pc.BaseURL,
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
			MaxTokens:    pc.MaxTokens,
			Timeout:      timeout,
		}
	}

	add("openai", cfg.OpenAI)
	add("anthropic", cfg.Anthropic)
	add("gemini", cfg.Gemini)
	add("mistral", cfg.Mistral)
	add("xai", cfg.XAI)
	add("deepseek", cfg.DeepSeek)
	add("groq", cfg.Groq)
	add("together", cfg.Together)

	return out
}

// openaiCompatDefaults maps OpenAI-compatible provider ids to their default
// endpoints and known model lists.
var openaiCompatDefaults = map[string]struct {
	baseURL string
	models  []string
}{
	"xai":      {"https://api.x.ai/v1", []string{"grok-4", "grok-3", "grok-3-mini"}},
	"deepseek": {"https://api.deepseek.com/v1", []string{"deepseek-chat", "deepseek-reasoner"}},
	"groq":     {"https://api.groq.com/openai/v1", []string{"llama-3.3-70b-versatile", "llama-3.1-8b-instant"}},
	"together": {"https://api.together.xyz/v1", []string{"meta-llama/Llama-3.3-70B-Instruct-Turbo", "Qwen/Qwen2.5-72B-Instruct-Turbo"}},
}

// buildProviders creates the provider clients for every configured profile.
func buildProviders(ctx context.Context, profiles map[string]providers.Profile, log *slog.Logger) map[string]providers.Provider {
	provs := make(map[string]providers.Provider)

	for id, profile := range profiles {
		switch id {
		case "openai":
			provs[id] = openaiprov.New(profile)
		case "anthropic":
			provs[id] = anthropicprov.New(profile)
		case "gemini":
			p, err := geminiprov.New(ctx, profile)
			if err != nil {
				log.Error("gemini client init failed", slog.String("error", err.Error()))
				continue
			}
			provs[id] = p
		case "mistral":
			provs[id] = mistralprov.New(profile)
		default:
			def, ok := openaiCompatDefaults[id]
			if !ok {
				continue
			}
			if profile.BaseURL == "" {
				profile.BaseURL = def.baseURL
			}
			provs[id] = openaicompatprov.New(profile, def.models)
		}
	}

	return provs
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
