// Package ratelimit implements a per-client token bucket rate limiter.
// Thread-safe. No background goroutines: tokens are refilled lazily on each
// Allow call, and idle buckets are swept during the same calls.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// sweepEvery is how many Allow calls pass between idle-bucket sweeps.
const sweepEvery = 1024

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-client token bucket rate limiter.
// Each client gets an independent bucket; one client cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	calls   int
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow checks whether the client has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(clientID string) error {
	if l == nil || l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(now)
	}

	b := l.refill(clientID, now)
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// RetryAfter returns how long the client must wait for its next token.
// Zero means a request would be allowed now.
func (l *Limiter) RetryAfter(clientID string) time.Duration {
	if l == nil || l.rate <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(clientID, l.now())
	if b.tokens >= 1 {
		return 0
	}
	secs := (1 - b.tokens) / l.rate
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// refill returns the client's bucket topped up for the time elapsed since
// its last fill. Must be called with l.mu held.
func (l *Limiter) refill(clientID string, now time.Time) *bucket {
	b, ok := l.clients[clientID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[clientID] = b
		return b
	}
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rate)
	b.lastFill = now
	return b
}

// sweep drops buckets that would be full again, since a fresh bucket
// behaves identically. Must be called with l.mu held.
func (l *Limiter) sweep(now time.Time) {
	for id, b := range l.clients {
		if b.tokens+now.Sub(b.lastFill).Seconds()*l.rate >= l.burst {
			delete(l.clients, id)
		}
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
