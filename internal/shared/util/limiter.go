package util

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces history writes. A nil Limiter never blocks.
type Limiter struct {
	inner *rate.Limiter
}

// NewLimiter returns nil when perSecond <= 0, meaning unlimited.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{inner: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a write may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	return l.inner.Wait(ctx)
}
