package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestRedisCache starts a miniredis server and returns a RedisCache backed
// by it. Both are cleaned up when the test ends.
func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

// TestRedisGetMiss verifies that Get returns (nil, false) when the key is absent.
func TestRedisGetMiss(t *testing.T) {
	c, _ := newTestRedisCache(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

// TestRedisSetAndGetHit verifies that a value written with Set can be read back.
func TestRedisSetAndGetHit(t *testing.T) {
	c, _ := newTestRedisCache(t)

	key := "cache:abc123"
	want := []byte(`{"content":"hello"}`)

	if err := c.Set(context.Background(), key, want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

// TestRedisTTLIsSet verifies that the TTL is actually stored in Redis by
// advancing miniredis time past the TTL and confirming the key expires.
func TestRedisTTLIsSet(t *testing.T) {
	c, mr := newTestRedisCache(t)

	key := "ttl-key"
	ttl := 10 * time.Second

	if err := c.Set(context.Background(), key, []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Confirm the key is present before expiry.
	if _, ok := c.Get(context.Background(), key); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	// Advance miniredis clock beyond the TTL.
	mr.FastForward(ttl + time.Second)

	// The key must be gone now.
	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should have expired after TTL")
	}
}

// TestRedisDelete verifies that Delete removes an existing key and that
// deleting a non-existent key does not return an error.
func TestRedisDelete(t *testing.T) {
	c, _ := newTestRedisCache(t)

	key := "delete-key"
	if err := c.Set(context.Background(), key, []byte("to-be-deleted"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := c.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should be gone after Delete")
	}

	if err := c.Delete(context.Background(), "ghost-key"); err != nil {
		t.Fatalf("Delete of missing key returned error: %v", err)
	}
}

// TestRedisGracefulDegradation verifies that Get reads as a miss and Set
// returns nil when Redis is unreachable, so a backend outage degrades the
// gateway to cache-off behavior instead of failing requests.
func TestRedisGracefulDegradation(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	// Take the server down.
	mr.Close()

	data, ok := c.Get(context.Background(), "any-key")
	if ok {
		t.Fatal("expected miss when Redis is down, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data when Redis is down, got %v", data)
	}

	if err := c.Set(context.Background(), "any-key", []byte("value"), time.Hour); err != nil {
		t.Fatalf("Set must return nil on Redis error, got: %v", err)
	}
}

// TestRedisCacheInvalidURL verifies that an invalid Redis URL is rejected at
// construction time.
func TestRedisCacheInvalidURL(t *testing.T) {
	_, err := NewRedisCacheFromURL(context.Background(), "not-a-redis-url")
	if err == nil {
		t.Fatal("expected error for invalid Redis URL, got nil")
	}
}
