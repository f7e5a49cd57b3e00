package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Relay/internal/core"
)

// RateLimiter is a sliding window per connection. A non-positive limit allows everything.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[core.Handle][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[core.Handle][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(h core.Handle) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[h]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[h] = fresh
		return false
	}
	rl.history[h] = append(fresh, now)
	return true
}

// Forget drops the history of a finished connection.
func (rl *RateLimiter) Forget(h core.Handle) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, h)
}
