package ratelimit

import (
	"context"
	"time"
)

// Store persists token buckets. Take is the only mutating path used on the
// request path and must run as one atomic critical section per key:
// concurrent callers may never both observe the same pre-decrement count.
type Store interface {
	// Get returns the bucket for key, or false when none exists.
	Get(ctx context.Context, key string) (Bucket, bool, error)
	// Set stores a bucket with an idle TTL.
	Set(ctx context.Context, key string, b Bucket, ttl time.Duration) error
	// Take refills and decrements the bucket for key atomically.
	Take(ctx context.Context, key string, p Params, now time.Time) (Decision, error)
	// Delete removes the bucket for key.
	Delete(ctx context.Context, key string) error
	// Close releases background resources.
	Close() error
}

// bucketTTL is how long an idle bucket is kept: one full refill, at least a second.
func bucketTTL(p Params) time.Duration {
	if ttl := p.FillTime(); ttl > time.Second {
		return ttl
	}
	return time.Second
}
