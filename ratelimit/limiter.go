// Package ratelimit provides per-endpoint delivery rate limiting.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter applies per-endpoint token bucket rate limiting. Burst equals the
// configured per-second rate, so a quiet endpoint can absorb one second of
// deliveries at once.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rates   map[string]int
}

// New creates a new rate limiter.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rates:   make(map[string]int),
	}
}

// Allow reports whether a delivery to the endpoint may proceed now.
// A perSecond of 0 means unlimited.
func (l *Limiter) Allow(endpointID string, perSecond int) bool {
	if perSecond <= 0 {
		return true
	}
	return l.bucket(endpointID, perSecond).Allow()
}

// Wait blocks until the endpoint's rate limit admits a delivery or the
// context is cancelled. A perSecond of 0 means unlimited.
func (l *Limiter) Wait(ctx context.Context, endpointID string, perSecond int) error {
	if perSecond <= 0 {
		return nil
	}
	return l.bucket(endpointID, perSecond).Wait(ctx)
}

// Reset clears the rate limit state for an endpoint.
func (l *Limiter) Reset(endpointID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, endpointID)
	delete(l.rates, endpointID)
}

// bucket returns the endpoint's limiter, rebuilding it if the configured
// rate changed since the last delivery.
func (l *Limiter) bucket(endpointID string, perSecond int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[endpointID]
	if !ok || l.rates[endpointID] != perSecond {
		b = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		l.buckets[endpointID] = b
		l.rates[endpointID] = perSecond
	}
	return b
}
