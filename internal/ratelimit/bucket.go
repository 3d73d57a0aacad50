// Package ratelimit implements token bucket admission control over a
// pluggable bucket store.
package ratelimit

import (
	"math"
	"time"
)

// Bucket is the per-key token bucket state.
type Bucket struct {
	Tokens     int64     `json:"tokens"`
	LastRefill time.Time `json:"lastRefill"`
	Capacity   int64     `json:"capacity"`
	RefillRate float64   `json:"refillRate"` // tokens per second
}

// Params describes the bucket shape shared by all keys of a limiter.
type Params struct {
	Capacity   int64
	RefillRate float64       // tokens per second
	Window     time.Duration // time to refill Capacity tokens, when known
}

// NewParams derives bucket parameters from a request budget per window:
// capacity is maxRequests and the bucket refills completely once per window.
func NewParams(maxRequests int, window time.Duration) Params {
	p := Params{Capacity: int64(maxRequests), Window: window}
	if window > 0 {
		p.RefillRate = float64(maxRequests) / window.Seconds()
	}
	return p
}

// TokenInterval is the time needed to earn one token.
func (p Params) TokenInterval() time.Duration {
	if p.Window > 0 && p.Capacity > 0 {
		n := time.Duration(p.Capacity)
		return (p.Window + n - 1) / n
	}
	if p.RefillRate <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(float64(time.Second) / p.RefillRate))
}

// FillTime is the time needed to refill an empty bucket. Stores use it as the
// idle TTL, since a bucket untouched that long is indistinguishable from a new one.
func (p Params) FillTime() time.Duration {
	return time.Duration(p.Capacity) * p.TokenInterval()
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration // zero unless denied
	FailOpen   bool          // admitted because the store failed
}

// refillEpsilon absorbs float rounding in rates such as 5/60 tokens per second,
// so a full window always yields a full bucket.
const refillEpsilon = 1e-9

// refill adds floor(elapsed_ms * rate / 1000) tokens, capped at capacity.
func refill(tokens int64, lastRefill, now time.Time, p Params) int64 {
	elapsedMS := now.Sub(lastRefill).Milliseconds()
	if elapsedMS <= 0 {
		return tokens
	}
	added := int64(math.Floor(float64(elapsedMS)*p.RefillRate/1000 + refillEpsilon))
	if added <= 0 {
		return tokens
	}
	if tokens+added > p.Capacity || tokens+added < tokens {
		return p.Capacity
	}
	return tokens + added
}

// take performs one check-and-decrement on b. A nil bucket is created with
// capacity-1 tokens, admitting the current call. The returned bucket is the
// new state to persist.
func take(b *Bucket, p Params, now time.Time) (Bucket, Decision) {
	var next Bucket
	allowed := false

	if b == nil {
		next = Bucket{
			Tokens:     p.Capacity - 1,
			LastRefill: now,
			Capacity:   p.Capacity,
			RefillRate: p.RefillRate,
		}
		allowed = p.Capacity > 0
		if next.Tokens < 0 {
			next.Tokens = 0
		}
	} else {
		next = *b
		next.Capacity = p.Capacity
		next.RefillRate = p.RefillRate
		next.Tokens = refill(clampTokens(b.Tokens, p.Capacity), b.LastRefill, now, p)
		if now.After(next.LastRefill) {
			next.LastRefill = now
		}
		if next.Tokens > 0 {
			next.Tokens--
			allowed = true
		}
	}

	return next, decide(allowed, next.Tokens, now, p)
}

func decide(allowed bool, tokens int64, now time.Time, p Params) Decision {
	d := Decision{
		Allowed:   allowed,
		Limit:     p.Capacity,
		Remaining: tokens,
		ResetAt:   now.Add(time.Duration(p.Capacity-tokens) * p.TokenInterval()),
	}
	if !allowed {
		d.RetryAfter = p.TokenInterval()
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
	}
	return d
}

func clampTokens(tokens, capacity int64) int64 {
	if tokens < 0 {
		return 0
	}
	if tokens > capacity {
		return capacity
	}
	return tokens
}
