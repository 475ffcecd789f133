package enrich

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out calls to the historical API. Wait blocks until the next call may
// be issued or ctx is done.
type Pacer interface {
	Wait(ctx context.Context) error
}

// FixedDelay waits a constant delay before every call.
type FixedDelay struct {
	delay time.Duration
	after func(time.Duration) <-chan time.Time
}

// NewFixedDelay returns a pacer that sleeps d per Wait. A non-positive d never blocks.
func NewFixedDelay(d time.Duration) *FixedDelay {
	return &FixedDelay{delay: d, after: time.After}
}

func (p *FixedDelay) Wait(ctx context.Context) error {
	if p.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.after(p.delay):
		return nil
	}
}

// TokenBucket paces calls with a token bucket: bursts up to burst calls, then one
// call per interval.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket returns a token bucket pacer allowing one call per interval.
func NewTokenBucket(interval time.Duration, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

func (p *TokenBucket) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
