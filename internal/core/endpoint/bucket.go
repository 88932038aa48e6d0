package endpoint

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket bounds the request rate for one endpoint. It refills
// continuously at RefillRate tokens per second, capped at Capacity, and
// never blocks: a call either gets its tokens in one atomic step or is
// turned away.
type TokenBucket struct {
	limiter  *rate.Limiter
	capacity int
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(refillRate float64, capacity int) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = float64(capacity)
	}
	return &TokenBucket{
		limiter:  rate.NewLimiter(rate.Limit(refillRate), capacity),
		capacity: capacity,
	}
}

// Consume atomically takes n tokens if available. Concurrent consumers
// cannot double-spend: the check and the decrement are one operation.
func (b *TokenBucket) Consume(n int) bool {
	return b.limiter.AllowN(time.Now(), n)
}

// CanConsume reports whether n tokens are currently available without
// taking them. Advisory only; admission must go through Consume.
func (b *TokenBucket) CanConsume(n int) bool {
	return b.limiter.TokensAt(time.Now()) >= float64(n)
}

// Tokens returns the current token count, clamped to [0, capacity].
func (b *TokenBucket) Tokens() float64 {
	t := b.limiter.TokensAt(time.Now())
	if t < 0 {
		return 0
	}
	if t > float64(b.capacity) {
		return float64(b.capacity)
	}
	return t
}

// Capacity returns the bucket's maximum token count.
func (b *TokenBucket) Capacity() int { return b.capacity }
