package session

import (
	"sync"
	"time"
)

// RateLimiter provides per-peer message rate limiting.
// Max events per window (sliding). In-memory only.
type RateLimiter struct {
	maxEvents int
	window    time.Duration
	mu        sync.Mutex
	events    map[string][]time.Time
}

// NewRateLimiter creates a rate limiter with the given max events per window.
func NewRateLimiter(maxEvents int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxEvents: maxEvents,
		window:    window,
		events:    make(map[string][]time.Time),
	}
}

// Allow checks whether the keyed peer may send another message. If allowed,
// it records the event.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	// Prune expired entries
	existing := r.events[key]
	pruned := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= r.maxEvents {
		r.events[key] = pruned
		return false
	}

	r.events[key] = append(pruned, now)
	return true
}

// Forget drops all state for a key. Called when a peer disconnects so the
// map does not grow with dead peers.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	delete(r.events, key)
	r.mu.Unlock()
}

// Reset clears all rate limit state (for testing).
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = make(map[string][]time.Time)
}

// ConnCounter caps concurrent connections per remote IP.
type ConnCounter struct {
	maxPerIP int
	mu       sync.Mutex
	counts   map[string]int
}

// NewConnCounter creates a counter allowing maxPerIP concurrent connections
// per address.
func NewConnCounter(maxPerIP int) *ConnCounter {
	return &ConnCounter{
		maxPerIP: maxPerIP,
		counts:   make(map[string]int),
	}
}

// Acquire reserves a connection slot for ip. Callers must Release exactly
// once per successful Acquire.
func (c *ConnCounter) Acquire(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counts[ip] >= c.maxPerIP {
		return false
	}
	c.counts[ip]++
	return true
}

// Release frees a slot previously acquired for ip.
func (c *ConnCounter) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.counts[ip]; n <= 1 {
		delete(c.counts, ip)
	} else {
		c.counts[ip] = n - 1
	}
}

// Active returns the live connection count for ip.
func (c *ConnCounter) Active(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[ip]
}
