package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// idleTTL is how long an unused per-key limiter is kept.
	idleTTL = 10 * time.Minute
	// sweepInterval is the minimum time between two idle sweeps.
	sweepInterval = time.Minute
)

// RateLimiter is a token bucket per key (user id).
// A limiter created with a non-positive limit allows everything.
type RateLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond events per key with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
}

// Enabled reports whether the limiter rejects anything at all.
func (l *RateLimiter) Enabled() bool {
	return l != nil && l.limit > 0
}

// Allow reports whether one more event for key may happen now.
func (l *RateLimiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)

	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweep(now)
	}
	return allowed
}

// Len returns the number of tracked keys.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *RateLimiter) sweep(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > idleTTL {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}
