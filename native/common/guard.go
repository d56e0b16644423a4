package common

import (
	"sync"
	"sync/atomic"
	"time"

	coreerrors "milestonemarket/core/errors"
)

// ReentrancyGuard rejects nested entry into a component. Token transfers are
// external calls and may call back into the component that issued them; the
// guard turns such a call into ErrReentrant instead of letting it observe a
// half-applied operation.
type ReentrancyGuard struct {
	entered atomic.Bool
}

// Enter marks the component busy. The returned function releases the guard
// and must be deferred by the caller.
func (g *ReentrancyGuard) Enter() (func(), error) {
	if !g.entered.CompareAndSwap(false, true) {
		return nil, coreerrors.ErrReentrant
	}
	return func() { g.entered.Store(false) }, nil
}

// Busy reports whether a guarded operation is in flight.
func (g *ReentrancyGuard) Busy() bool { return g.entered.Load() }

// ManualClock is a settable unix-seconds clock for tests and local
// simulation. The clock never moves backwards.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

// NewManualClock starts the clock at the supplied unix timestamp.
func NewManualClock(start int64) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current unix timestamp.
func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward. Negative durations are ignored.
func (c *ManualClock) Advance(d time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if secs := int64(d / time.Second); secs > 0 {
		c.now += secs
	}
	return c.now
}

// Set moves the clock to ts if ts is not in the past.
func (c *ManualClock) Set(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.now {
		c.now = ts
	}
}

// SystemClock returns the wall-clock unix timestamp.
func SystemClock() int64 { return time.Now().Unix() }
