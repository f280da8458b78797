// ABOUTME: Unit tests for the per-caller rate limiter
// ABOUTME: Covers defaults, per-key overrides, and idle entry cleanup

package auth

import (
	"testing"
	"time"
)

func TestRateLimiter_DefaultLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 2})

	if !rl.Allow("a", 0) || !rl.Allow("a", 0) {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a", 0) {
		t.Error("third request within a minute should be limited")
	}
	if !rl.Allow("b", 0) {
		t.Error("other callers have their own bucket")
	}
}

func TestRateLimiter_Override(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 100})

	if !rl.Allow("a", 1) {
		t.Fatal("first request should pass")
	}
	if rl.Allow("a", 1) {
		t.Error("per-key limit of 1 should limit the second request")
	}
}

func TestRateLimiter_Unlimited(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	for range 100 {
		if !rl.Allow("a", 0) {
			t.Fatal("no limit configured, every request should pass")
		}
	}

	var nilLimiter *RateLimiter
	if !nilLimiter.Allow("a", 1) {
		t.Error("nil limiter should allow everything")
	}
}

func TestRateLimiter_CleansIdleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: 10,
		EntryTTL:          time.Millisecond,
		CleanupInterval:   time.Millisecond,
	})

	rl.Allow("a", 0)
	time.Sleep(5 * time.Millisecond)
	rl.Allow("b", 0)

	if n := rl.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1 after idle cleanup", n)
	}
}
