package upstream

import (
	"context"
	"sync"
	"time"
)

// RateLimiter enforces a minimum delay between requests per instrument so a
// burst of concurrent backfills cannot trip the upstream's request quota.
type RateLimiter struct {
	mu       sync.Mutex
	last     map[string]time.Time
	minDelay time.Duration
}

// NewRateLimiter creates a limiter with the given minimum inter-request
// delay per key. A non-positive delay disables limiting.
func NewRateLimiter(minDelay time.Duration) *RateLimiter {
	return &RateLimiter{
		last:     make(map[string]time.Time),
		minDelay: minDelay,
	}
}

// Wait blocks until a request for key is allowed, or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context, key string) error {
	if r.minDelay <= 0 {
		return nil
	}

	r.mu.Lock()
	now := time.Now()
	wait := time.Duration(0)
	if prev, ok := r.last[key]; ok {
		if elapsed := now.Sub(prev); elapsed < r.minDelay {
			wait = r.minDelay - elapsed
		}
	}
	r.last[key] = now.Add(wait)
	r.mu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
