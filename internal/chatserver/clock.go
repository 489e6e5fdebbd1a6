package chatserver

import (
	"sync/atomic"
	"time"
)

// Clock issues message timestamps at millisecond precision that never go
// backwards, even if the wall clock does.
type Clock struct {
	now  func() time.Time
	last atomic.Int64
}

// NewClock creates a Clock reading now. A nil now uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns max(wall clock, last issued timestamp).
func (c *Clock) Now() time.Time {
	for {
		last := c.last.Load()
		ms := c.now().UnixMilli()
		if ms < last {
			ms = last
		}
		if c.last.CompareAndSwap(last, ms) {
			return time.UnixMilli(ms)
		}
	}
}
