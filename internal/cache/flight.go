package cache

import (
	"context"
	"net/http"

	"golang.org/x/sync/singleflight"
)

// FlightResult is one buffered upstream outcome shared between coalesced
// callers. Shareable is false when the body outgrew the cache cap, in which
// case waiters re-forward on their own instead of replaying a partial copy.
type FlightResult struct {
	Status    int
	Headers   http.Header
	Body      []byte
	Shareable bool
}

// Flight deduplicates concurrent cache misses per key: at most one upstream
// forward is in flight for any key, and waiters receive the leader's outcome.
// No lock is held across the upstream call; singleflight's per-key channel
// does the waiting.
type Flight struct {
	group singleflight.Group
}

// NewFlight creates a Flight.
func NewFlight() *Flight {
	return &Flight{}
}

// Do executes fn once per key across concurrent callers. The leader runs
// with a context detached from its client's cancellation so one disconnect
// does not fail the whole group; values (correlation ids) are preserved.
// shared is true only for callers that received another caller's result;
// the leader always reports shared == false, even when waiters joined it.
// singleflight's Result.Shared cannot be used for that distinction, so
// leadership is recorded by the fn wrapper itself.
func (f *Flight) Do(ctx context.Context, key string, fn func(ctx context.Context) (*FlightResult, error)) (result *FlightResult, shared bool, err error) {
	leaderCtx := context.WithoutCancel(ctx)

	led := false
	ch := f.group.DoChan(key, func() (interface{}, error) {
		led = true
		return fn(leaderCtx)
	})

	select {
	case res := <-ch:
		// Receiving on ch happens after the leader's fn returned, so reading
		// led here is race-free.
		if res.Err != nil {
			return nil, !led, res.Err
		}
		result = res.Val.(*FlightResult)
		if !led && !result.Shareable {
			// The leader's response was too large to replay from memory.
			// Going back through the flight keeps upstream calls for this
			// key serialized: one waiter leads the next round, the rest
			// wait on it.
			return f.Do(ctx, key, fn)
		}
		return result, !led, nil

	case <-ctx.Done():
		// The caller gave up; the leader (if any) keeps running detached.
		return nil, false, ctx.Err()
	}
}
