// Package fetch provides generation-stamped, cancellable, throttled
// request issuance. Every backend fetch in the engine goes through a
// Coordinator so that a late response can never overwrite state produced
// by a newer request for the same logical resource.
package fetch

import (
	"context"
	"sync"
	"time"
)

type resourceState struct {
	gen    uint64
	cancel context.CancelFunc
}

// Coordinator tracks a monotonically increasing generation per logical
// resource (e.g. "totals:shop-1"). Issuing a new fetch for a resource
// best-effort cancels the previous in-flight one; the generation check is
// what actually protects correctness if cancellation is not honored.
type Coordinator struct {
	mu        sync.Mutex
	resources map[string]*resourceState
}

func NewCoordinator() *Coordinator {
	return &Coordinator{resources: make(map[string]*resourceState)}
}

// Issue registers a new fetch for resource: it bumps the generation,
// cancels any prior in-flight context, and returns a derived context
// plus the generation to present to Current when applying the response.
func (c *Coordinator) Issue(parent context.Context, resource string) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.resources[resource]
	if !ok {
		state = &resourceState{}
		c.resources[resource] = state
	}
	if state.cancel != nil {
		state.cancel()
	}
	state.gen++
	state.cancel = cancel
	return ctx, state.gen
}

// Current reports whether gen is still the most recently issued
// generation for resource. Responses failing this check are stale and
// must be discarded silently.
func (c *Coordinator) Current(resource string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.resources[resource]
	return ok && state.gen == gen
}

// Cancel aborts the in-flight fetch for resource, if any, without
// issuing a replacement.
func (c *Coordinator) Cancel(resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.resources[resource]; ok && state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
}

// Throttle gates automatic (non-user-initiated) refresh triggers to a
// minimum interval. Manual refreshes simply do not consult it.
type Throttle struct {
	mu   sync.Mutex
	min  time.Duration
	last time.Time
	now  func() time.Time
}

func NewThrottle(min time.Duration) *Throttle {
	if min <= 0 {
		min = 1200 * time.Millisecond
	}
	return &Throttle{min: min, now: time.Now}
}

// Allow reports whether an automatic trigger may execute now, and if so
// consumes the window.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.min {
		return false
	}
	t.last = now
	return true
}
