package coinbase

import (
	"context"
	"sync"
	"time"
)

// Endpoint tiers with distinct rate budgets
type RequestTier int

const (
	TierPublic RequestTier = iota
	TierPrivate
	TierOrder
)

// String returns a human-readable tier name
func (t RequestTier) String() string {
	switch t {
	case TierPublic:
		return "PUBLIC"
	case TierPrivate:
		return "PRIVATE"
	case TierOrder:
		return "ORDER"
	default:
		return "UNKNOWN"
	}
}

// RateLimiter keeps one token bucket per tier. Buckets refill continuously
// at the configured per-second rate and never exceed one second of burst.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[RequestTier]*bucket
}

type bucket struct {
	rate     float64 // tokens per second
	tokens   float64
	capacity float64
	lastFill time.Time
}

// NewRateLimiter creates a limiter with per-second rates for each tier
func NewRateLimiter(publicRate, privateRate, orderRate int) *RateLimiter {
	now := time.Now()
	newBucket := func(rate int) *bucket {
		r := float64(rate)
		return &bucket{rate: r, tokens: r, capacity: r, lastFill: now}
	}
	return &RateLimiter{
		buckets: map[RequestTier]*bucket{
			TierPublic:  newBucket(publicRate),
			TierPrivate: newBucket(privateRate),
			TierOrder:   newBucket(orderRate),
		},
	}
}

// Wait blocks until a token is available for the tier or the context ends
func (r *RateLimiter) Wait(ctx context.Context, tier RequestTier) error {
	for {
		wait := r.tryTake(tier)
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryTake takes a token if available, otherwise returns how long to wait
func (r *RateLimiter) tryTake(tier RequestTier) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[tier]
	if !ok {
		return 0
	}

	now := time.Now()
	b.tokens += now.Sub(b.lastFill).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastFill = now

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}

	deficit := 1 - b.tokens
	return time.Duration(deficit / b.rate * float64(time.Second))
}
