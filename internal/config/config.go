// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one provider key and one gateway client are strictly required for the
// gateway to start. Redis is optional — set CACHE_MODE=memory to use the
// built-in in-process cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Clients are the registered caller credentials parsed from
	// GATEWAY_CLIENTS. At least one is required.
	Clients []ClientCredential

	// Auth controls bearer token issuance.
	Auth AuthConfig

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Mistral   ProviderConfig

	// OpenAI-compatible providers.
	XAI      ProviderConfig
	DeepSeek ProviderConfig
	Groq     ProviderConfig
	Together ProviderConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// ClickHouse holds the optional analytics sink DSN. Empty disables it.
	ClickHouse ClickHouseConfig

	// Cache controls response caching and in-flight deduplication.
	Cache CacheConfig

	// RateLimit controls per-caller and per-provider request limits.
	RateLimit RateLimitConfig

	// Retry controls upstream retry behaviour.
	Retry RetryConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ClientCredential is one registered caller, parsed from GATEWAY_CLIENTS.
type ClientCredential struct {
	ClientID string
	Secret   string
	// Scopes the credential may request. Empty means the default scope set.
	Scopes []string
}

// AuthConfig controls bearer token issuance.
type AuthConfig struct {
	// TokenLifetime is how long issued tokens stay valid. Default: 1h.
	TokenLifetime time.Duration
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// DefaultModel is used when an invoke request omits the model field.
	DefaultModel string

	// MaxTokens caps the per-request max_tokens for this provider.
	// 0 means no gateway-side cap.
	MaxTokens int

	// Timeout overrides the per-attempt upstream timeout for this provider.
	// 0 falls back to PROVIDER_TIMEOUT.
	Timeout time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the analytics sink configuration.
type ClickHouseConfig struct {
	// URL is a clickhouse:// DSN. Empty disables the ClickHouse request log
	// sink; request logs then go to the structured logger.
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled; concurrent identical requests are still deduplicated.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 5m.
	TTL time.Duration

	// ExcludeExact is a list of model names (or provider/model pairs) that
	// must never be cached. Example: ["gpt-4o-realtime", "openai/o3"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// "provider/model". Matching requests are not cached.
	// Example: ["^openai/ft:", ".*-preview$"]
	ExcludePatterns []string
}

// RateLimitConfig controls request-rate limiting. A limit of 0 disables the
// corresponding check.
type RateLimitConfig struct {
	// PerCaller is the maximum requests per window for a single client_id.
	// Default: 60.
	PerCaller int

	// PerProvider is the maximum requests per window routed to a single
	// provider across all callers. Default: 600.
	PerProvider int

	// Window is the fixed window duration. Default: 1m.
	Window time.Duration
}

// RetryConfig controls upstream retry behaviour.
type RetryConfig struct {
	// MaxAttempts is the maximum number of upstream attempts per request
	// (including the first). Default: 3.
	MaxAttempts int

	// BaseDelay is the first backoff delay; subsequent delays double.
	// Default: 200ms.
	BaseDelay time.Duration

	// ProviderTimeout is the per-attempt upstream timeout. Default: 30s.
	ProviderTimeout time.Duration
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key and one GATEWAY_CLIENTS entry must be
// configured. REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Auth defaults.
	v.SetDefault("TOKEN_LIFETIME", "1h")

	// Rate limit defaults: 0 = disabled.
	v.SetDefault("RATE_LIMIT_PER_CALLER", 60)
	v.SetDefault("RATE_LIMIT_PER_PROVIDER", 600)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")

	// Retry defaults.
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "200ms")
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	clients, err := ParseClients(v.GetString("GATEWAY_CLIENTS"))
	if err != nil {
		return nil, err
	}

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Clients: clients,

		Auth: AuthConfig{
			TokenLifetime: v.GetDuration("TOKEN_LIFETIME"),
		},

		OpenAI:    providerConfig(v, "OPENAI"),
		Anthropic: providerConfig(v, "ANTHROPIC"),
		Gemini:    providerConfigKey(v, "GEMINI", "GOOGLE_API_KEY"),
		Mistral:   providerConfig(v, "MISTRAL"),

		XAI:      providerConfig(v, "XAI"),
		DeepSeek: providerConfig(v, "DEEPSEEK"),
		Groq:     providerConfig(v, "GROQ"),
		Together: providerConfig(v, "TOGETHER"),

		Redis:      RedisConfig{URL: v.GetString("REDIS_URL")},
		ClickHouse: ClickHouseConfig{URL: v.GetString("CLICKHOUSE_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			PerCaller:   v.GetInt("RATE_LIMIT_PER_CALLER"),
			PerProvider: v.GetInt("RATE_LIMIT_PER_PROVIDER"),
			Window:      v.GetDuration("RATE_LIMIT_WINDOW"),
		},

		Retry: RetryConfig{
			MaxAttempts:     v.GetInt("MAX_ATTEMPTS"),
			BaseDelay:       v.GetDuration("RETRY_BASE_DELAY"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// providerConfig reads the standard env var set for one provider prefix:
// <P>_API_KEY, <P>_BASE_URL, <P>_DEFAULT_MODEL, <P>_MAX_TOKENS, <P>_TIMEOUT.
func providerConfig(v *viper.Viper, prefix string) ProviderConfig {
	return providerConfigKey(v, prefix, prefix+"_API_KEY")
}

// providerConfigKey is providerConfig with an explicit API key variable, for
// providers whose key name doesn't follow the prefix convention
// (GOOGLE_API_KEY for Gemini).
func providerConfigKey(v *viper.Viper, prefix, apiKeyVar string) ProviderConfig {
	return ProviderConfig{
		APIKey:       v.GetString(apiKeyVar),
		BaseURL:      v.GetString(prefix + "_BASE_URL"),
		DefaultModel: v.GetString(prefix + "_DEFAULT_MODEL"),
		MaxTokens:    v.GetInt(prefix + "_MAX_TOKENS"),
		Timeout:      v.GetDuration(prefix + "_TIMEOUT"),
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Clients) == 0 {
		return fmt.Errorf(
			"config: GATEWAY_CLIENTS is required; " +
				"format: client_id:secret[:scope1;scope2][,client_id:secret...]",
		)
	}

	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
				"XAI_API_KEY, DEEPSEEK_API_KEY, GROQ_API_KEY, or TOGETHER_API_KEY)",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Auth.TokenLifetime <= 0 {
		return fmt.Errorf("config: TOKEN_LIFETIME must be a positive duration")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be a positive duration")
	}
	if c.RateLimit.PerCaller < 0 || c.RateLimit.PerProvider < 0 {
		return fmt.Errorf("config: rate limits must be ≥ 0 (0 disables the check)")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be ≥ 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("config: RETRY_BASE_DELAY must be a positive duration")
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Together.APIKey != ""
}

// ParseClients parses the GATEWAY_CLIENTS value. Entries are comma-separated
// client_id:secret[:scopes] triples; scopes within an entry are separated by
// semicolons so they don't collide with the entry separator.
//
//	GATEWAY_CLIENTS="web:s3cret,batch:0ther:invoke;models"
func ParseClients(raw string) ([]ClientCredential, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []ClientCredential
	seen := make(map[string]struct{})

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("config: invalid GATEWAY_CLIENTS entry %q; expected client_id:secret[:scopes]", entry)
		}

		cred := ClientCredential{ClientID: parts[0], Secret: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			for _, s := range strings.Split(parts[2], ";") {
				if s = strings.TrimSpace(s); s != "" {
					cred.Scopes = append(cred.Scopes, s)
				}
			}
		}

		if _, dup := seen[cred.ClientID]; dup {
			return nil, fmt.Errorf("config: duplicate client_id %q in GATEWAY_CLIENTS", cred.ClientID)
		}
		seen[cred.ClientID] = struct{}{}
		out = append(out, cred)
	}

	return out, nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
