package avalia

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxTrackedClients = 4096
	idleClientAge     = 10 * time.Minute
)

// clientRateLimiter tracks submission rate limits per client address.
type clientRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	rate       rate.Limit
	burst      int
}

// newClientRateLimiter returns nil when perMinute is not positive, which
// disables limiting.
func newClientRateLimiter(perMinute int) *clientRateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &clientRateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		rate:       rate.Limit(float64(perMinute) / 60.0),
		burst:      max(1, perMinute/5),
	}
}

func (c *clientRateLimiter) Allow(client string) bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, exists := c.limiters[client]
	if !exists {
		if len(c.limiters) >= maxTrackedClients {
			c.evictLocked(idleClientAge)
		}
		limiter = rate.NewLimiter(c.rate, c.burst)
		c.limiters[client] = limiter
	}
	c.lastAccess[client] = time.Now()
	return limiter.Allow()
}

// Evict removes limiters that haven't been used within maxAge.
func (c *clientRateLimiter) Evict(maxAge time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(maxAge)
}

func (c *clientRateLimiter) evictLocked(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	for client, last := range c.lastAccess {
		if last.Before(cutoff) {
			delete(c.limiters, client)
			delete(c.lastAccess, client)
		}
	}
}
