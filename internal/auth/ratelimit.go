// ABOUTME: Per-caller token bucket rate limiting on golang.org/x/time/rate
// ABOUTME: Idle limiter entries are swept lazily on access

package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// RequestsPerMinute applies to callers without their own limit.
	// Zero disables limiting for them.
	RequestsPerMinute int
	// Burst defaults to RequestsPerMinute.
	Burst           int
	EntryTTL        time.Duration
	CleanupInterval time.Duration
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	rpm      int
	lastSeen time.Time
}

// RateLimiter tracks one token bucket per caller.
type RateLimiter struct {
	mu              sync.Mutex
	defaultRPM      int
	burst           int
	entries         map[string]*rateLimitEntry
	entryTTL        time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = 5 * time.Minute
	}
	return &RateLimiter{
		defaultRPM:      cfg.RequestsPerMinute,
		burst:           cfg.Burst,
		entries:         make(map[string]*rateLimitEntry),
		entryTTL:        ttl,
		cleanupInterval: cleanup,
		lastCleanup:     time.Now(),
	}
}

// Allow reports whether key may make a request now. rpm overrides the
// default limit when positive.
func (r *RateLimiter) Allow(key string, rpm int) bool {
	if r == nil || key == "" {
		return true
	}
	if rpm <= 0 {
		rpm = r.defaultRPM
	}
	if rpm <= 0 {
		return true
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastCleanup) >= r.cleanupInterval {
		for k, entry := range r.entries {
			if now.Sub(entry.lastSeen) > r.entryTTL {
				delete(r.entries, k)
			}
		}
		r.lastCleanup = now
	}

	entry, ok := r.entries[key]
	if !ok || entry.rpm != rpm {
		burst := r.burst
		if burst <= 0 {
			burst = rpm
		}
		entry = &rateLimitEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst),
			rpm:     rpm,
		}
		r.entries[key] = entry
	}
	entry.lastSeen = now

	return entry.limiter.Allow()
}

// Len returns the number of tracked callers.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
