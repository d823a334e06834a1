package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFlightCoalescesConcurrentCallers(t *testing.T) {
	f := NewFlight()
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (*FlightResult, error) {
		calls.Add(1)
		<-release
		return &FlightResult{Status: 200, Body: []byte("shared"), Shareable: true}, nil
	}

	const callers = 10
	var wg sync.WaitGroup
	var leaders atomic.Int32
	results := make([]*FlightResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, shared, err := f.Do(context.Background(), "key", fn)
			if err != nil {
				t.Errorf("Do failed: %v", err)
				return
			}
			if !shared {
				leaders.Add(1)
			}
			results[i] = res
		}(i)
	}

	// Let every caller reach the flight before the leader finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
	// Exactly one caller ran the forward; only that one may report
	// shared == false, or the result would never be admitted to the cache.
	if got := leaders.Load(); got != 1 {
		t.Fatalf("expected exactly 1 unshared (leading) caller, got %d", got)
	}
	for i, res := range results {
		if res == nil || string(res.Body) != "shared" {
			t.Fatalf("caller %d got %v", i, res)
		}
	}
}

func TestFlightUnshareableFallback(t *testing.T) {
	f := NewFlight()
	var calls, inFlight atomic.Int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (*FlightResult, error) {
		if inFlight.Add(1) > 1 {
			t.Error("concurrent upstream calls for one key")
		}
		defer inFlight.Add(-1)
		n := calls.Add(1)
		if n == 1 {
			<-release
		}
		return &FlightResult{Status: 200, Body: []byte(fmt.Sprintf("copy-%d", n)), Shareable: false}, nil
	}

	var wg sync.WaitGroup
	var sharedSeen atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, shared, err := f.Do(context.Background(), "key", fn)
			if err != nil {
				t.Errorf("Do failed: %v", err)
				return
			}
			if shared {
				sharedSeen.Add(1)
			}
			if res == nil || len(res.Body) == 0 {
				t.Error("expected a full body for every caller")
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// Waiters re-forward one at a time instead of replaying the oversized
	// body, so each of the three callers ran its own upstream call.
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 upstream calls (one per caller), got %d", got)
	}
	if sharedSeen.Load() != 0 {
		t.Error("fallback results must not be marked shared")
	}
}

func TestFlightWaiterCancellation(t *testing.T) {
	f := NewFlight()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	fn := func(ctx context.Context) (*FlightResult, error) {
		close(started)
		<-release
		return &FlightResult{Status: 200, Shareable: true}, nil
	}

	go f.Do(context.Background(), "key", fn)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, _, err := f.Do(ctx, "key", fn)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFlightLeaderDetachedFromClientContext(t *testing.T) {
	f := NewFlight()
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Client is already gone.

	done := make(chan error, 1)
	go func() {
		_, _, err := f.Do(ctx, "key", func(fnCtx context.Context) (*FlightResult, error) {
			if fnCtx.Err() != nil {
				return nil, fnCtx.Err()
			}
			return &FlightResult{Status: 200, Shareable: true}, nil
		})
		done <- err
	}()

	select {
	case err := <-done:
		// The leader context must be detached; the select in Do may still
		// report the caller's cancellation, but the fn must not see it.
		if err != nil && err != context.Canceled {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return")
	}
}
