// ratelimit.go implements token-bucket rate limiting for the broker API.
//
// The broker enforces a 200 requests-per-minute account limit on the trading
// API and a separate, higher limit on the market data API. Rather than burn
// the whole allowance in bursts, each endpoint category gets a smooth
// token bucket that refills continuously:
//
//   - Trading: 60 burst / 3 per sec  (order submit, cancel, replace)
//   - Account: 30 burst / 1 per sec  (account, clock, positions, order reads)
//   - Data:    120 burst / 10 per sec (bars, quotes, trades)
//
// Trading gets the largest share of the 200/min budget because fill
// verification polls order status aggressively during entries.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by broker API endpoint category.
// Each request must call the appropriate bucket's Wait() before going
// out on the wire.
type RateLimiter struct {
	Trading *TokenBucket // POST/DELETE/PATCH /v2/orders, DELETE /v2/positions
	Account *TokenBucket // GET /v2/account, /v2/clock, /v2/positions, /v2/orders
	Data    *TokenBucket // GET bars / quotes / trades on the data host
}

// NewRateLimiter creates rate limiters tuned to the broker's published
// per-minute limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Trading: NewTokenBucket(60, 3),
		Account: NewTokenBucket(30, 1),
		Data:    NewTokenBucket(120, 10),
	}
}
