// ratelimit.go implements weight-based token-bucket rate limiting for the
// venue REST API.
//
// The venue meters requests in weight units per minute (2400 for the
// futures API). Each endpoint consumes a documented weight: most reads
// cost 1-5, exchangeInfo and positionRisk cost more. The bucket refills
// continuously rather than in minute bursts so sustained traffic stays
// smooth and never trips the hard limit.
package exchange

import (
	"context"
	"sync"
	"time"
)

// Endpoint weights charged against the per-minute budget.
const (
	weightLight     = 1  // order place/cancel, listen key, mark price
	weightDepth     = 5  // depth at 100 levels
	weightKlines    = 5  // klines at limit <= 500
	weightPositions = 5  // positionRisk
	weightInfo      = 10 // exchangeInfo
	weightIncome    = 30 // income history
	weightOpenAll   = 40 // openOrders without a symbol
)

// WeightBucket is a token bucket denominated in request-weight units.
// Callers block in Wait until the weight is available or ctx is cancelled.
type WeightBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // weight refilled per second
	lastTime time.Time
}

// NewWeightBucket creates a bucket with the given capacity and per-second
// refill rate.
func NewWeightBucket(capacity, ratePerSecond float64) *WeightBucket {
	return &WeightBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// NewVenueBucket creates a bucket tuned to the venue's published
// 2400 weight/min budget, kept slightly under to leave room for the
// occasional manual request against the same account.
func NewVenueBucket() *WeightBucket {
	return NewWeightBucket(2200, 2200.0/60.0)
}

// Wait blocks until weight tokens are available or ctx is cancelled.
func (b *WeightBucket) Wait(ctx context.Context, weight int) error {
	need := float64(weight)
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.lastTime).Seconds()
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastTime = now

		if b.tokens >= need {
			b.tokens -= need
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((need - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
