package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	defaultLimiterTTL           = 10 * time.Minute
	defaultLimiterCleanupPeriod = time.Minute
)

// IPLimiterConfig configures the per-client token buckets.
type IPLimiterConfig struct {
	RPS           float64
	Burst         int
	TTL           time.Duration
	CleanupPeriod time.Duration
	Clock         func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter hands out one token bucket per client key and forgets idle keys after TTL.
type IPLimiter struct {
	mu            sync.Mutex
	entries       map[string]*limiterEntry
	limit         rate.Limit
	burst         int
	ttl           time.Duration
	cleanupPeriod time.Duration
	clock         func() time.Time
	startCleanup  sync.Once
	stopOnce      sync.Once
	stopCh        chan struct{}
}

// NewIPLimiter constructs a limiter. A non-positive RPS disables limiting.
func NewIPLimiter(cfg IPLimiterConfig) *IPLimiter {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLimiterTTL
	}
	cleanupPeriod := cfg.CleanupPeriod
	if cleanupPeriod <= 0 {
		cleanupPeriod = defaultLimiterCleanupPeriod
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &IPLimiter{
		entries:       make(map[string]*limiterEntry),
		limit:         limit,
		burst:         burst,
		ttl:           ttl,
		cleanupPeriod: cleanupPeriod,
		clock:         clock,
		stopCh:        make(chan struct{}),
	}
}

// Allow consumes one token for key. When the bucket is empty it reports how long the
// client should wait before retrying.
func (l *IPLimiter) Allow(key string) (bool, time.Duration) {
	now := l.clock()
	limiter := l.get(key, now)
	if limiter.AllowN(now, 1) {
		return true, 0
	}
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	delay := reservation.DelayFrom(now)
	reservation.CancelAt(now)
	return false, delay
}

// Stop ends the cleanup goroutine.
func (l *IPLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

func (l *IPLimiter) get(key string, now time.Time) *rate.Limiter {
	l.startCleanup.Do(func() {
		go l.cleanupLoop()
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(l.limit, l.burst)
	l.entries[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

func (l *IPLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(l.clock())
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

func (l *IPLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// rateLimitMiddleware rejects requests from clients that exhausted their bucket.
func rateLimitMiddleware(limiter *IPLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		allowed, retryAfter := limiter.Allow(c.ClientIP())
		if allowed {
			c.Next()
			return
		}
		seconds := int((retryAfter + time.Second - 1) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorPayload{
			Success:          false,
			Error:            "RateLimited",
			Message:          "too many requests",
			RemainingSeconds: seconds,
		})
	}
}
