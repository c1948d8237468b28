package server

import (
	"sync"
	"testing"
	"time"
)

type limiterClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *limiterClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *limiterClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

func TestIPLimiterRefillsPerKey(t *testing.T) {
	clock := &limiterClock{now: time.Unix(1700000000, 0)}
	limiter := NewIPLimiter(IPLimiterConfig{RPS: 1, Burst: 2, Clock: clock.Now})
	defer limiter.Stop()

	for attempt := 0; attempt < 2; attempt++ {
		if allowed, _ := limiter.Allow("10.0.0.1"); !allowed {
			t.Fatalf("attempt %d should be allowed", attempt)
		}
	}
	allowed, retryAfter := limiter.Allow("10.0.0.1")
	if allowed {
		t.Fatalf("expected burst to be exhausted")
	}
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Fatalf("unexpected retry delay %s", retryAfter)
	}
	if allowed, _ := limiter.Allow("10.0.0.2"); !allowed {
		t.Fatalf("other clients keep their own bucket")
	}

	clock.Advance(time.Second)
	if allowed, _ := limiter.Allow("10.0.0.1"); !allowed {
		t.Fatalf("expected a token after one second")
	}
}

func TestIPLimiterEvictsIdleKeys(t *testing.T) {
	clock := &limiterClock{now: time.Unix(1700000000, 0)}
	limiter := NewIPLimiter(IPLimiterConfig{RPS: 1, Burst: 1, TTL: time.Minute, Clock: clock.Now})
	defer limiter.Stop()

	limiter.Allow("10.0.0.1")
	clock.Advance(30 * time.Second)
	limiter.Allow("10.0.0.2")
	clock.Advance(45 * time.Second)
	limiter.evictIdle(clock.Now())

	if size := limiter.size(); size != 1 {
		t.Fatalf("expected only the recent key to survive, got %d", size)
	}
}

func TestIPLimiterWithoutRateAllowsEverything(t *testing.T) {
	limiter := NewIPLimiter(IPLimiterConfig{})
	defer limiter.Stop()
	for attempt := 0; attempt < 100; attempt++ {
		if allowed, _ := limiter.Allow("10.0.0.1"); !allowed {
			t.Fatalf("unlimited limiter rejected attempt %d", attempt)
		}
	}
}
