package websocket

import (
	"sync"
	"time"
)

// rateLimiter is a token bucket over inbound frames for one connection.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time
	now      func() time.Time
}

// newRateLimiter returns nil when burst is not positive, meaning unlimited.
func newRateLimiter(burst int, refill time.Duration, now func() time.Time) *rateLimiter {
	if burst <= 0 {
		return nil
	}
	if refill <= 0 {
		refill = time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{
		tokens:   float64(burst),
		capacity: float64(burst),
		rate:     1 / refill.Seconds(),
		last:     now(),
		now:      now,
	}
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.last).Seconds(); elapsed > 0 {
		rl.tokens = min(rl.capacity, rl.tokens+elapsed*rl.rate)
	}
	rl.last = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
