// Package budget implements a token bucket rate limiter protecting the
// upstream generation backend from bursts of Drafter calls.
//
// This is distinct from the per-utterance rewrite budget K the Spine
// enforces (internal/spine/budget.go): K bounds how many times one
// utterance may be rewritten before a fixed ceiling forces a BLOCK; this
// bucket bounds how many Drafter.Generate calls the whole process may
// issue per refill window, independent of which utterance or island they
// belong to.
//
// Cost model:
//   - Every Drafter.Generate call costs 1 token, flat.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Consume() is atomic under mutex.
//   - Refill goroutine runs for the lifetime of the Bucket.
package budget

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a thread-safe token bucket for rate-limiting Drafter calls.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity and refillPeriod must both be > 0. Call Close() to
// stop the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("budget.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("budget.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

// refillLoop refills the bucket to full capacity every refillPeriod.
// Exits when Close() is called.
func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Allow consumes one token if available. Returns false when the bucket is
// empty, meaning the caller should reject the Drafter call rather than
// issue it.
func (b *Bucket) Allow() bool {
	return b.Consume(1)
}

// Consume attempts to consume cost tokens from the bucket. Returns true
// if the tokens were available and consumed.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 {
	return b.consumedTotal.Load()
}

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 {
	return b.refillCount.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}
