package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestFlightDeduplicatesConcurrentCallers verifies that N concurrent Do calls
// for the same key run compute exactly once and all receive its result.
func TestFlightDeduplicatesConcurrentCallers(t *testing.T) {
	f := NewFlight(newTestMemoryCache(t), time.Hour)

	var calls atomic.Int32
	release := make(chan struct{})

	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("result"), nil
	}

	const n = 8
	results := make([]Result, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.Do(context.Background(), "cache:dup", compute)
		}(i)
	}

	// Give every goroutine time to join the in-flight computation before
	// letting it finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("compute ran %d times, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, errs[i])
		}
		if string(results[i].Data) != "result" {
			t.Fatalf("caller %d: got %q, want %q", i, results[i].Data, "result")
		}
		if results[i].Cached {
			t.Fatalf("caller %d: result should not be marked cached", i)
		}
	}
}

// TestFlightCachesSuccess verifies that a successful computation is stored in
// the backend and served as a hit on the next call.
func TestFlightCachesSuccess(t *testing.T) {
	f := NewFlight(newTestMemoryCache(t), time.Hour)

	var calls atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("computed"), nil
	}

	first, err := f.Do(context.Background(), "cache:hit", compute)
	if err != nil {
		t.Fatalf("first Do: %v", err)
	}
	if first.Cached {
		t.Fatal("first call should compute, not hit the cache")
	}

	second, err := f.Do(context.Background(), "cache:hit", compute)
	if err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if !second.Cached {
		t.Fatal("second call should be a cache hit")
	}
	if string(second.Data) != "computed" {
		t.Fatalf("second call got %q, want %q", second.Data, "computed")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("compute ran %d times, want 1", got)
	}
}

// TestFlightFailureNotMemoized verifies that a compute error is returned to
// the caller, nothing is cached, and the next call computes again.
func TestFlightFailureNotMemoized(t *testing.T) {
	backend := newTestMemoryCache(t)
	f := NewFlight(backend, time.Hour)

	wantErr := errors.New("upstream exploded")
	var calls atomic.Int32

	_, err := f.Do(context.Background(), "cache:fail", func(context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do returned %v, want %v", err, wantErr)
	}
	if backend.Len() != 0 {
		t.Fatalf("failed result must not be cached, backend has %d entries", backend.Len())
	}

	res, err := f.Do(context.Background(), "cache:fail", func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("recovered"), nil
	})
	if err != nil {
		t.Fatalf("Do after failure: %v", err)
	}
	if res.Cached {
		t.Fatal("call after a failure should compute, not hit the cache")
	}
	if string(res.Data) != "recovered" {
		t.Fatalf("got %q, want %q", res.Data, "recovered")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("compute ran %d times, want 2", got)
	}
}

// TestFlightNilBackend verifies that a backend-less Flight still deduplicates
// concurrent callers but retains nothing across calls.
func TestFlightNilBackend(t *testing.T) {
	f := NewFlight(nil, time.Hour)

	var calls atomic.Int32
	release := make(chan struct{})

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.Do(context.Background(), "cache:nobackend", func(context.Context) ([]byte, error) {
				calls.Add(1)
				<-release
				return []byte("x"), nil
			})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("compute ran %d times during the flight, want 1", got)
	}

	// With no backend the next call computes again.
	res, err := f.Do(context.Background(), "cache:nobackend", func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("x"), nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.Cached {
		t.Fatal("nil backend must never report a cache hit")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("compute ran %d times total, want 2", got)
	}
}

// TestFlightWaiterUnblocksOnContextCancel verifies that a waiter whose
// context is cancelled stops waiting while the computation finishes for the
// caller that owns it.
func TestFlightWaiterUnblocksOnContextCancel(t *testing.T) {
	f := NewFlight(nil, time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})

	ownerDone := make(chan error, 1)
	go func() {
		_, err := f.Do(context.Background(), "cache:slow", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte("slow"), nil
		})
		ownerDone <- err
	}()

	<-started

	waiterCtx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, err := f.Do(waiterCtx, "cache:slow", func(context.Context) ([]byte, error) {
			t.Error("waiter must not start its own computation")
			return nil, nil
		})
		waiterDone <- err
	}()

	// Let the waiter join the flight, then abandon it.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-waiterDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("waiter returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	// The computation is still live for the owner.
	close(release)
	select {
	case err := <-ownerDone:
		if err != nil {
			t.Fatalf("owner returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("owner did not complete")
	}
}
