package config

import (
	"testing"
	"time"
)

func TestParseClientsValid(t *testing.T) {
	creds, err := ParseClients("web:s3cret,batch:0ther:invoke;models, worker:pw:invoke")
	if err != nil {
		t.Fatalf("ParseClients: %v", err)
	}
	if len(creds) != 3 {
		t.Fatalf("expected 3 credentials, got %d", len(creds))
	}

	if creds[0].ClientID != "web" || creds[0].Secret != "s3cret" || creds[0].Scopes != nil {
		t.Errorf("entry 0 parsed wrong: %+v", creds[0])
	}
	if creds[1].ClientID != "batch" || len(creds[1].Scopes) != 2 ||
		creds[1].Scopes[0] != "invoke" || creds[1].Scopes[1] != "models" {
		t.Errorf("entry 1 parsed wrong: %+v", creds[1])
	}
	if creds[2].ClientID != "worker" || len(creds[2].Scopes) != 1 {
		t.Errorf("entry 2 parsed wrong: %+v", creds[2])
	}
}

func TestParseClientsEmpty(t *testing.T) {
	creds, err := ParseClients("   ")
	if err != nil {
		t.Fatalf("ParseClients: %v", err)
	}
	if creds != nil {
		t.Fatalf("expected nil for empty input, got %v", creds)
	}
}

func TestParseClientsMalformed(t *testing.T) {
	for _, raw := range []string{
		"no-secret",
		":missing-id",
		"id:",
	} {
		if _, err := ParseClients(raw); err == nil {
			t.Errorf("ParseClients(%q): expected error, got nil", raw)
		}
	}
}

func TestParseClientsDuplicateID(t *testing.T) {
	_, err := ParseClients("web:one,web:two")
	if err == nil {
		t.Fatal("expected error for duplicate client_id")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:     8080,
			LogLevel: "info",
			Clients:  []ClientCredential{{ClientID: "web", Secret: "s"}},
			OpenAI:   ProviderConfig{APIKey: "sk-test"},
			Auth:     AuthConfig{TokenLifetime: time.Hour},
			Cache:    CacheConfig{Mode: "memory", TTL: 5 * time.Minute},
			RateLimit: RateLimitConfig{
				PerCaller: 60, PerProvider: 600, Window: time.Minute,
			},
			Retry: RetryConfig{
				MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, ProviderTimeout: 30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				ErrorThreshold: 5, TimeWindow: time.Minute, HalfOpenTimeout: 30 * time.Second,
			},
		}
	}

	if err := base().validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no clients", func(c *Config) { c.Clients = nil }},
		{"no provider keys", func(c *Config) { c.OpenAI.APIKey = "" }},
		{"bad cache mode", func(c *Config) { c.Cache.Mode = "disk" }},
		{"redis mode without URL", func(c *Config) { c.Cache.Mode = "redis" }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"zero token lifetime", func(c *Config) { c.Auth.TokenLifetime = 0 }},
		{"zero max attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"zero rate limit window", func(c *Config) { c.RateLimit.Window = 0 }},
		{"zero breaker threshold", func(c *Config) { c.CircuitBreaker.ErrorThreshold = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestAtLeastOneProviderKey(t *testing.T) {
	var c Config
	if c.AtLeastOneProviderKey() {
		t.Error("empty config should report no provider keys")
	}
	c.Groq.APIKey = "gsk-test"
	if !c.AtLeastOneProviderKey() {
		t.Error("expected true once any provider key is set")
	}
}
