// Package refresh serializes token-refresh attempts. Without
// single-flighting, N concurrent requests that each observe an expired
// token would each trigger their own refresh call, racing to overwrite
// the refresh token and producing inconsistent session state. The
// Coordinator makes refresh at-most-once-per-expiry-window regardless
// of concurrent demand.
package refresh

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrCleared rejects queued requests when the coordinator is torn down
// mid-refresh, so no stale request resolves against a torn-down session.
var ErrCleared = errors.New("refresh coordinator cleared")

// RefreshFunc performs the actual refresh call and returns the new
// access token.
type RefreshFunc func(ctx context.Context) (string, error)

// RetryFunc replays a deferred request once a refresh has produced a
// usable token.
type RetryFunc func(ctx context.Context) (any, error)

// Outcome is the settlement of a queued request: the replayed call's
// result, or the refresh failure that rejected it.
type Outcome struct {
	Value any
	Err   error
}

// pendingRequest is a caller's in-flight call deferred because a
// refresh was underway. It settles exactly once when the owning
// refresh settles.
type pendingRequest struct {
	retry  RetryFunc
	result chan Outcome
}

// flight is the shared in-flight refresh every concurrent caller
// awaits. token and err are valid only after done is closed.
type flight struct {
	done  chan struct{}
	token string
	err   error
}

// Coordinator is a single-flight refresh queue: at most one refresh is
// in progress at any instant, and requests arriving while it runs are
// queued and replayed when it settles.
type Coordinator struct {
	mu       sync.Mutex
	inflight *flight
	queue    []*pendingRequest
	log      zerolog.Logger
}

func New(log zerolog.Logger) *Coordinator {
	return &Coordinator{log: log}
}

// StartRefresh returns the refreshed access token. If a refresh is
// already in flight, it joins that flight and shares its result; no
// second refresh call is made. Otherwise fn is invoked, and on
// settlement every queued request is drained in enqueue order: replayed
// on success, rejected with the refresh fault on failure. The queue is
// emptied and the coordinator is idle again before any queued request
// runs, so a replayed request that fails authorization once more can
// start a fresh flight.
func (c *Coordinator) StartRefresh(ctx context.Context, fn RefreshFunc) (string, error) {
	c.mu.Lock()
	if fl := c.inflight; fl != nil {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.token, fl.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	fl := &flight{done: make(chan struct{})}
	c.inflight = fl
	c.mu.Unlock()

	token, err := runGuarded(ctx, fn)

	c.mu.Lock()
	var pending []*pendingRequest
	if c.inflight == fl { // Clear may have detached this flight
		pending = c.queue
		c.queue = nil
		c.inflight = nil
	}
	c.mu.Unlock()

	fl.token = token
	fl.err = err
	close(fl.done)

	c.drain(ctx, pending, err)
	return token, err
}

// Enqueue defers a request until the current refresh settles. The
// returned channel receives exactly one Outcome. ok is false when no
// refresh is in flight, in which case the caller should proceed itself.
func (c *Coordinator) Enqueue(retry RetryFunc) (<-chan Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight == nil {
		return nil, false
	}
	p := &pendingRequest{retry: retry, result: make(chan Outcome, 1)}
	c.queue = append(c.queue, p)
	return p.result, true
}

// Refreshing reports whether a refresh is currently in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// Pending returns the number of queued requests awaiting the current
// refresh.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Clear rejects every queued request with ErrCleared and forces the
// coordinator back to idle. Callers already joined to an in-flight
// refresh still receive its settlement, but that settlement no longer
// drains or leaves any coordinator state behind.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.inflight = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.result <- Outcome{Err: ErrCleared}
	}
	if len(pending) > 0 {
		c.log.Debug().Int("rejected", len(pending)).Msg("refresh coordinator cleared with queued requests")
	}
}

func (c *Coordinator) drain(ctx context.Context, pending []*pendingRequest, refreshErr error) {
	if len(pending) == 0 {
		return
	}

	if refreshErr != nil {
		c.log.Debug().Err(refreshErr).Int("rejected", len(pending)).Msg("refresh failed, rejecting queued requests")
		for _, p := range pending {
			p.result <- Outcome{Err: refreshErr}
		}
		return
	}

	for _, p := range pending {
		value, err := p.retry(ctx)
		p.result <- Outcome{Value: value, Err: err}
	}
}

// runGuarded converts a panicking refresh function into an error so the
// queue is always drained and the coordinator always returns to idle.
func runGuarded(ctx context.Context, fn RefreshFunc) (token string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("refresh function panicked: %v", r)
		}
	}()
	return fn(ctx)
}
