// Package ratelimit provides a keyed in-memory token-bucket limiter used by
// the HTTP middleware. Each key (user id or client IP) gets its own bucket;
// idle buckets are evicted periodically so the map cannot grow without bound.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit describes one bucket shape: Requests per Window with bursts up to
// Requests.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Predefined limits for the server's endpoint classes.
var (
	// Auth covers login, signup, and password-reset completion.
	Auth = Limit{Requests: 5, Window: 15 * time.Minute}

	// MagicLink covers magic-link issuance, keyed by IP.
	MagicLink = Limit{Requests: 5, Window: time.Hour}

	// ApiKeys covers API-key create/list/delete.
	ApiKeys = Limit{Requests: 10, Window: time.Minute}

	// Default covers everything else.
	Default = Limit{Requests: 100, Window: time.Minute}
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a keyed rate limiter. One Limiter instance serves one endpoint
// class; keys are typically "user:<id>" or "ip:<addr>".
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   Limit
}

// New creates a keyed limiter with the given shape.
func New(limit Limit) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
	}
}

// Allow reports whether the request identified by key may proceed, consuming
// one token if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(
				rate.Limit(float64(l.limit.Requests)/l.limit.Window.Seconds()),
				l.limit.Requests),
		}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// Prune evicts buckets idle for longer than maxIdle and returns how many
// were removed. Called from the janitor.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
