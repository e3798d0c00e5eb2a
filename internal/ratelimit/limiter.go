package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per client key.
type Limiter struct {
	limiters map[string]*entry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter allowing requestsPerHour per client with bursts
// of up to burst requests.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	// Convert requests per hour to requests per second
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		limiters: make(map[string]*entry),
		rate:     r,
		burst:    burst,
		now:      time.Now,
	}
}

// GetLimiter returns the bucket for a client, creating it on first use.
func (l *Limiter) GetLimiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.limiters[clientID]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[clientID] = e
	}
	e.lastSeen = l.now()

	return e.limiter
}

// Allow reports whether the client may make a request now.
func (l *Limiter) Allow(clientID string) bool {
	return l.GetLimiter(clientID).AllowN(l.now(), 1)
}

// Tokens returns the tokens currently available to a client.
func (l *Limiter) Tokens(clientID string) float64 {
	return l.GetLimiter(clientID).TokensAt(l.now())
}

// Prune forgets clients not seen for longer than maxAge and returns how many
// were removed.
func (l *Limiter) Prune(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for id, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
			removed++
		}
	}
	return removed
}
