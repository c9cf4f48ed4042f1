// Package ratelimit provides the token bucket used to bound per-connection
// signaling message rates.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so bucket behavior is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the Clock used in production.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Bucket is a token bucket refilling at an integer rate of tokens/sec.
//
// Refill is tracked in nanoseconds of accumulated credit rather than floats,
// so repeated small refills never lose tokens to rounding.
type Bucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	creditNanos int64 // accumulated credit, 1e9 per token
	last        time.Time
}

const nanosPerToken = int64(time.Second)

// NewBucket returns a bucket that starts full.
func NewBucket(clock Clock, capacity, rate int64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &Bucket{
		clock:       clock,
		capacity:    capacity,
		rate:        rate,
		creditNanos: capacity * nanosPerToken,
		last:        clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.creditNanos < nanosPerToken {
		return false
	}
	b.creditNanos -= nanosPerToken
	return true
}

func (b *Bucket) refillLocked() {
	now := b.clock.Now()
	if !now.After(b.last) {
		// Clock went backwards or stood still; move the reference point and
		// refill nothing.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	max := b.capacity * nanosPerToken
	if elapsed >= (max-b.creditNanos)/b.rate {
		b.creditNanos = max
		return
	}
	b.creditNanos += elapsed * b.rate
}
