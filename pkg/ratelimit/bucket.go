package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Bucket is a token-bucket rate limiter for outbound work. Waiting
// callers compute their wait under the lock, release it, sleep, and
// retry, so one sleeping caller never serializes the others behind the
// lock.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	last       time.Time
	clock      clockwork.Clock
}

// NewBucket creates a full bucket holding capacity tokens, refilled at
// refillPerSecond. A nil clock uses real time.
func NewBucket(capacity int, refillPerSecond float64, clock clockwork.Clock) (*Bucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("bucket capacity must be positive, got %d", capacity)
	}
	if refillPerSecond <= 0 {
		return nil, fmt.Errorf("refill rate must be positive, got %f", refillPerSecond)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillPerSecond,
		last:       clock.Now(),
		clock:      clock,
	}, nil
}

// TryAcquire takes one token without waiting. Returns false when the
// bucket is empty.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Acquire blocks until a token is available or the context is done.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := b.waitForNextTokenLocked()
		b.mu.Unlock()

		// Sleep outside the lock, then re-contend: another caller may
		// take the token that becomes available first.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(wait):
		}
	}
}

// refillLocked credits tokens for elapsed time. Caller holds mu.
func (b *Bucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// waitForNextTokenLocked returns the time until one token accrues.
// Caller holds mu.
func (b *Bucket) waitForNextTokenLocked() time.Duration {
	deficit := 1 - b.tokens
	seconds := deficit / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}
