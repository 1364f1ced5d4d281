package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Result is the outcome of a Flight.Do call.
type Result struct {
	// Data is the serialized response.
	Data []byte
	// Cached is true when Data came from the backend without computing.
	Cached bool
	// Shared is true when Data came from a computation another caller owned.
	Shared bool
}

// Flight is the single-flight coordinator in front of the response cache.
//
// For a given fingerprint, the first caller becomes the sole computer; every
// other concurrent caller for the same fingerprint waits on that computation
// instead of invoking the upstream again. All waiters observe exactly the
// computer's outcome, success or error.
//
// Failures are never stored: a computation error releases the current
// waiters with that error and the next call starts fresh. Successes are
// written to the backend with the configured TTL; entries past their TTL
// read as misses, so a new computation replaces them.
type Flight struct {
	backend Cache // nil disables persistence but keeps deduplication
	ttl     time.Duration
	group   singleflight.Group
}

// NewFlight creates a Flight over backend. A nil backend still deduplicates
// concurrent identical requests; results are simply not retained.
func NewFlight(backend Cache, ttl time.Duration) *Flight {
	return &Flight{backend: backend, ttl: ttl}
}

// Do returns the cached value for key, or ensures exactly one concurrent
// execution of compute for it.
//
// compute runs with the first caller's context; its deadline is the only
// bound on the computation, and cancelling it propagates to the upstream
// call. Waiters are bounded separately by their own ctx — an abandoned
// waiter stops waiting without cancelling the computation other callers
// still need.
func (f *Flight) Do(ctx context.Context, key string, compute func(context.Context) ([]byte, error)) (Result, error) {
	if f.backend != nil {
		if data, ok := f.backend.Get(ctx, key); ok {
			return Result{Data: data, Cached: true}, nil
		}
	}

	ch := f.group.DoChan(key, func() (any, error) {
		data, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if f.backend != nil {
			_ = f.backend.Set(ctx, key, data, f.ttl)
		}
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{Shared: res.Shared}, res.Err
		}
		return Result{Data: res.Val.([]byte), Shared: res.Shared}, nil

	case <-ctx.Done():
		// This caller gives up; the computation keeps running for any
		// remaining waiters.
		return Result{}, ctx.Err()
	}
}

// Forget drops the in-flight record for key so the next Do starts a fresh
// computation. Used by tests and administrative invalidation.
func (f *Flight) Forget(key string) {
	f.group.Forget(key)
}
