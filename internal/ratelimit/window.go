package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const windowShards = 16

// window is the counter state for one key. Reset happens on wall-clock
// boundaries computed from windowStart + duration, never on arrival order,
// so a steady request stream cannot defer the reset indefinitely.
type window struct {
	start time.Time
	count int
}

type windowShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// WindowLimiter is an in-process fixed-window limiter. Keys are spread over
// shards so independent keys never contend on one lock.
type WindowLimiter struct {
	limit    int
	duration time.Duration
	now      func() time.Time

	shards [windowShards]*windowShard
}

// WindowOption configures a WindowLimiter.
type WindowOption func(*WindowLimiter)

// WithWindowClock injects a clock for tests.
func WithWindowClock(now func() time.Time) WindowOption {
	return func(l *WindowLimiter) { l.now = now }
}

// NewWindowLimiter creates a limiter permitting limit requests per duration
// for each key. limit must be > 0; values <= 0 deny every request.
func NewWindowLimiter(limit int, duration time.Duration, opts ...WindowOption) *WindowLimiter {
	l := &WindowLimiter{
		limit:    limit,
		duration: duration,
		now:      time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &windowShard{windows: make(map[string]*window)}
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow permits the request when the key's current window has capacity.
// Crossing a window boundary resets the counter; denials report the time
// remaining until the boundary.
func (l *WindowLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	sh := l.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || !now.Before(w.start.Add(l.duration)) {
		// New key or a fresh window. Align the start to the wall-clock
		// boundary so retry hints stay exact across resets.
		start := now
		if ok {
			elapsed := now.Sub(w.start)
			start = w.start.Add(elapsed - elapsed%l.duration)
		}
		if l.limit < 1 {
			return Decision{Allowed: false, RetryAfter: l.duration}, nil
		}
		sh.windows[key] = &window{start: start, count: 1}
		return Decision{Allowed: true, Remaining: l.limit - 1}, nil
	}

	if w.count < l.limit {
		w.count++
		return Decision{Allowed: true, Remaining: l.limit - w.count}, nil
	}

	return Decision{
		Allowed:    false,
		RetryAfter: w.start.Add(l.duration).Sub(now),
	}, nil
}

// Len returns the number of tracked keys (for tests and metrics).
func (l *WindowLimiter) Len() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

func (l *WindowLimiter) shardFor(key string) *windowShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%windowShards]
}
