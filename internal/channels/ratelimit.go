package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys so rotating
	// source IPs cannot grow the map without bound.
	maxTrackedKeys = 4096

	// rateLimitPerMinute is the sustained request rate per key.
	rateLimitPerMinute = 30

	// idleEviction drops limiters for keys not seen for this long.
	idleEviction = 5 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter is a per-key token bucket with a bounded key set.
// Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewWebhookRateLimiter creates a limiter allowing 30 requests per minute per key.
func NewWebhookRateLimiter() *WebhookRateLimiter {
	return &WebhookRateLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Every(time.Minute / rateLimitPerMinute),
		burst:   rateLimitPerMinute,
		now:     time.Now,
	}
}

// Allow returns true if the key is within rate limits.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.lastSeen) >= idleEviction {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap
		for k := range r.entries {
			if len(r.entries) < maxTrackedKeys {
				break
			}
			delete(r.entries, k)
		}
	}

	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (r *WebhookRateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
