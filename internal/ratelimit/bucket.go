// Package ratelimit provides an in-process token bucket shared by key, used to throttle
// outbound calls to a transport credential.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// Bucket is a lazily refilled token bucket. It is safe for concurrent use.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	tokens   float64
	last     time.Time

	now func() time.Time
}

// NewBucket creates a full bucket. The rate must be positive and the capacity must hold at
// least one token, the cost of a single send.
func NewBucket(ratePerSec, capacity float64) (*Bucket, error) {
	if err := validate(ratePerSec, capacity); err != nil {
		return nil, err
	}
	return newBucket(ratePerSec, capacity, time.Now), nil
}

func validate(ratePerSec, capacity float64) error {
	if !(ratePerSec > 0) || math.IsInf(ratePerSec, 0) {
		return fmt.Errorf("%w: rate %g must be positive", dispatch.ErrInvalidLimit, ratePerSec)
	}
	if !(capacity >= 1) || math.IsInf(capacity, 0) {
		return fmt.Errorf("%w: capacity %g must be at least 1", dispatch.ErrInvalidLimit, capacity)
	}
	return nil
}

func newBucket(ratePerSec, capacity float64, now func() time.Time) *Bucket {
	return &Bucket{
		capacity: capacity,
		rate:     ratePerSec,
		tokens:   capacity,
		last:     now(),
		now:      now,
	}
}

// Capacity returns the maximum number of tokens the bucket holds.
func (b *Bucket) Capacity() float64 { return b.capacity }

// Rate returns the refill rate in tokens per second.
func (b *Bucket) Rate() float64 { return b.rate }

// Tokens returns the current token count after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Acquire blocks until cost tokens are available, then deducts them.
// Waiters are not queued: after sleeping they race for the refilled tokens again.
func (b *Bucket) Acquire(ctx context.Context, cost int) error {
	if cost <= 0 {
		return nil
	}
	need := float64(cost)
	if need > b.capacity {
		return fmt.Errorf("%w: cost %d, capacity %g", dispatch.ErrCostExceedsCapacity, cost, b.capacity)
	}

	for {
		wait, ok := b.tryTake(need)
		if ok {
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

// tryTake refills and deducts need if available; otherwise it returns how long the
// deficit takes to refill.
func (b *Bucket) tryTake(need float64) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= need {
		b.tokens -= need
		return 0, true
	}

	deficit := need - b.tokens
	secs := deficit / b.rate
	wait := time.Duration(math.Ceil(secs * float64(time.Second)))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// refill must be called with mu held. time.Time carries a monotonic reading, so
// elapsed is never negative across wall-clock adjustments.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now
}
