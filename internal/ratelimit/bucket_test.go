package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBucketBurstThenRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBucket(clk, 3, 10)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("initial burst token %d denied", i)
		}
	}
	if b.Allow() {
		t.Fatalf("expected empty bucket")
	}

	clk.Advance(100 * time.Millisecond) // one token at 10/sec
	if !b.Allow() {
		t.Fatalf("expected one refilled token")
	}
	if b.Allow() {
		t.Fatalf("expected only one refilled token")
	}
}

func TestBucketClampsToCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBucket(clk, 2, 1)

	if !b.Allow() || !b.Allow() {
		t.Fatalf("expected initial capacity of 2")
	}

	clk.Advance(time.Hour)
	if !b.Allow() || !b.Allow() {
		t.Fatalf("expected refill to capacity")
	}
	if b.Allow() {
		t.Fatalf("expected clamp at capacity 2")
	}
}

func TestBucketToleratesClockGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewBucket(clk, 1, 1)

	if !b.Allow() {
		t.Fatalf("expected initial token")
	}

	clk.Advance(-time.Minute)
	if b.Allow() {
		t.Fatalf("expected no refill after clock regression")
	}

	clk.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected refill once clock moves forward again")
	}
}

func TestBucketZeroRateNeverRefills(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBucket(clk, 1, 0)

	if !b.Allow() {
		t.Fatalf("expected initial token")
	}
	clk.Advance(time.Hour)
	if b.Allow() {
		t.Fatalf("expected no refill at rate 0")
	}
}
