package authz

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// attemptRateLimit bounds how many pair_request attempts a single source IP
// may make per second, independent of governance's per-peer rolling-hour
// limit — an unauthenticated connection attempting to guess an 8-character
// pairing token has no peer identity yet for governance to rate-limit.
const (
	attemptRateLimit = rate.Limit(1.0 / 3.0) // one attempt every 3 seconds
	attemptBurst     = 3
	limiterIdleTTL   = 10 * time.Minute
)

// AttemptLimiter throttles pairing attempts per source IP address.
type AttemptLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAttemptLimiter returns an AttemptLimiter with no tracked addresses.
func NewAttemptLimiter() *AttemptLimiter {
	return &AttemptLimiter{limiters: make(map[string]*limiterEntry)}
}

// Allow reports whether a pairing attempt from addr may proceed, consuming
// one token from that address's bucket if so.
func (a *AttemptLimiter) Allow(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.limiters[addr]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(attemptRateLimit, attemptBurst)}
		a.limiters[addr] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// Sweep removes tracked addresses that have been idle past limiterIdleTTL,
// bounding memory growth from a stream of distinct source addresses.
func (a *AttemptLimiter) Sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().Add(-limiterIdleTTL)
	for addr, entry := range a.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(a.limiters, addr)
		}
	}
}
