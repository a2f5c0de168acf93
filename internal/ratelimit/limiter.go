package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"hermes/pkg/errors"
)

// Limiter throttles outbound calls against one exchange venue. The full
// per-minute budget is available as burst, so a quiet venue absorbs a
// spike of up to requestsPerMinute calls at once and the excess is
// delayed until tokens refill, never rejected.
type Limiter struct {
	limiter *rate.Limiter
	name    string
}

// NewLimiter creates a blocking rate limiter
// requestsPerMinute: maximum number of requests allowed per minute
func NewLimiter(name string, requestsPerMinute int) *Limiter {
	rps := float64(requestsPerMinute) / 60.0

	burst := requestsPerMinute
	if burst < 1 {
		burst = 1
	}

	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		name:    name,
	}
}

// Wait blocks until the limiter allows the request or ctx is done
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "rate limiter %s", l.name)
	}
	return nil
}

// Allow checks if a request is allowed without blocking
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// ExchangeLimiters holds one blocking limiter per exchange venue
type ExchangeLimiters struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewExchangeLimiters creates an empty registry
func NewExchangeLimiters() *ExchangeLimiters {
	return &ExchangeLimiters{
		limiters: make(map[string]*Limiter),
	}
}

// Add registers a limiter for an exchange
func (e *ExchangeLimiters) Add(exchange string, requestsPerMinute int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limiters[exchange] = NewLimiter(exchange, requestsPerMinute)
}

// Wait blocks on the limiter registered for exchange; unregistered
// exchanges pass through unthrottled
func (e *ExchangeLimiters) Wait(ctx context.Context, exchange string) error {
	e.mu.RLock()
	limiter, ok := e.limiters[exchange]
	e.mu.RUnlock()

	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}
