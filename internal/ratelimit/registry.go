package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

// Registry owns one Bucket per key for the lifetime of the process.
// Buckets are never evicted; keys are per external credential so cardinality stays small.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		buckets: make(map[string]*Bucket),
		logger:  logger.With("component", "RateLimitRegistry"),
	}
}

// GetOrCreate returns the bucket for key, creating it on first use.
// The first registration wins: later calls with different parameters get the existing bucket.
// Invalid parameters are rejected before anything is registered.
func (r *Registry) GetOrCreate(key string, ratePerSec, capacity float64) (*Bucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[key]; ok {
		if b.rate != ratePerSec || b.capacity != capacity {
			r.logger.Debug("Ignoring new parameters for existing bucket",
				"key", key,
				"rate", b.rate, "capacity", b.capacity,
				"requested_rate", ratePerSec, "requested_capacity", capacity,
			)
		}
		return b, nil
	}

	b, err := NewBucket(ratePerSec, capacity)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", key, err)
	}
	r.buckets[key] = b
	r.logger.Debug("Bucket created", "key", key, "rate", ratePerSec, "capacity", capacity)
	return b, nil
}

// Acquire takes cost tokens from the bucket registered under key.
func (r *Registry) Acquire(ctx context.Context, key string, cost int) error {
	r.mu.Lock()
	b, ok := r.buckets[key]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownBucket, key)
	}
	return b.Acquire(ctx, cost)
}

// Len returns the number of registered buckets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
