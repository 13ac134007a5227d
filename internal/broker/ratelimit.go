// ratelimit.go implements token-bucket rate limiting for the broker HTTP
// surfaces.
//
// Alpaca enforces 200 requests per minute per key; the IBKR Client Portal
// gateway throttles at roughly 10 requests per second globally with tighter
// budgets on the order routes. Buckets refill continuously so the engine's
// burst at tick time (clock, account, positions, prices) smooths out instead
// of tripping a hard limit.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
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

		// Calculate wait time for next token
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

// RateLimiter groups buckets by operation class. Every adapter call waits on
// the matching bucket before touching the wire.
type RateLimiter struct {
	Order *TokenBucket // placement, cancellation, closes
	Data  *TokenBucket // clock, account, positions, prices
}

// newAlpacaLimiter splits Alpaca's 200/minute budget so data polling cannot
// starve order flow.
func newAlpacaLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(10, 1),
		Data:  NewTokenBucket(30, 2),
	}
}

// newGatewayLimiter stays under the Client Portal gateway's global cap, with
// order routes held near one per second.
func newGatewayLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(5, 1),
		Data:  NewTokenBucket(10, 5),
	}
}
