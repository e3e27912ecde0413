package session

import (
	"context"
	"sync"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
)

// RateLimiter is a sliding-window limiter keyed by user ID only, so clients
// cannot bypass throttling by opening more sessions. The limit depends on the
// user's tier.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limits   map[domain.Tier]int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter creates a limiter. A tier missing from limits, or with a
// non-positive limit, is unlimited.
func NewRateLimiter(limits map[domain.Tier]int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limits:   limits,
		window:   window,
		now:      time.Now,
	}
}

// Allow records a request for key and reports whether it is within the limit.
func (r *RateLimiter) Allow(key string, tier domain.Tier) bool {
	limit := r.limits[tier]
	if limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Run periodically removes expired keys until ctx is done.
func (r *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evict()
		case <-ctx.Done():
			return
		}
	}
}

func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.window)
	for key, times := range r.requests {
		var fresh []time.Time
		for _, t := range times {
			if t.After(cutoff) {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = fresh
		}
	}
}
