// Package ratelimit provides a token-bucket limiter with suppression
// accounting: callers can learn how many requests were denied inside a
// window so that a single "N suppressed" marker can be emitted instead of
// dropping records silently.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/egret/internal/clock"
)

// Limiter manages rate limiting for multiple keys.
type Limiter struct {
	buckets map[string]*bucket
	clk     clock.Clock
	mu      sync.RWMutex
}

// bucket implements a windowed token bucket.
type bucket struct {
	tokens     int
	limit      int
	interval   time.Duration
	lastFill   time.Time
	suppressed int64
	mu         sync.Mutex
}

// NewLimiter creates a new rate limiter using the real clock.
func NewLimiter() *Limiter {
	return NewLimiterWithClock(&clock.RealClock{})
}

// NewLimiterWithClock creates a limiter with an injected clock for testing.
func NewLimiterWithClock(clk clock.Clock) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		clk:     clk,
	}
}

func (l *Limiter) bucket(key string, limit, burst int, interval time.Duration) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:   limit + burst,
			limit:    limit,
			interval: interval,
			lastFill: l.clk.Now(),
		}
		l.buckets[key] = b
	}
	return b
}

// Allow checks if a request for the given key is allowed.
// limit: maximum number of requests per interval.
// Denied requests are counted; see DrainSuppressed.
func (l *Limiter) Allow(key string, limit int, interval time.Duration) bool {
	return l.bucket(key, limit, 0, interval).take(l.clk.Now())
}

// AllowBurst is Allow with extra headroom on a fresh bucket: the first
// window passes up to limit+burst requests, later windows refill to limit.
func (l *Limiter) AllowBurst(key string, limit, burst int, interval time.Duration) bool {
	return l.bucket(key, limit, burst, interval).take(l.clk.Now())
}

// take attempts to take a token from the bucket. A denied take increments
// the suppression counter for the current window.
func (b *bucket) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastFill) >= b.interval {
		b.tokens = b.limit
		b.lastFill = now
	}

	if b.tokens <= 0 {
		b.suppressed++
		return false
	}

	b.tokens--
	return true
}

// DrainSuppressed returns the number of denied requests accumulated for key
// since the last drain, and resets the counter. Returns zero for unknown keys.
func (l *Limiter) DrainSuppressed(key string) int64 {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.suppressed
	b.suppressed = 0
	return n
}

// Reset clears rate limit state for a specific key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// CleanupExpired removes buckets that have not refilled recently.
func (l *Limiter) CleanupExpired(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	for key, b := range l.buckets {
		b.mu.Lock()
		if now.Sub(b.lastFill) > maxAge {
			delete(l.buckets, key)
		}
		b.mu.Unlock()
	}
}
