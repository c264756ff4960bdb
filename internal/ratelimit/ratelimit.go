// Package ratelimit provides per-broker admission control for API calls.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Budget is one broker's request allowance.
type Budget struct {
	RequestsPerSecond float64
	Burst             int
}

// Registry holds one independent token bucket per broker. Exhausting one
// broker's budget never delays another broker's callers.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	fallback Budget
}

// NewRegistry creates a registry. fallback is applied to brokers that were
// never explicitly configured.
func NewRegistry(fallback Budget) *Registry {
	if fallback.RequestsPerSecond <= 0 {
		fallback.RequestsPerSecond = 1
	}
	if fallback.Burst <= 0 {
		fallback.Burst = 1
	}
	return &Registry{
		limiters: make(map[string]*rate.Limiter),
		fallback: fallback,
	}
}

// Configure sets a broker's budget, replacing any previous one.
func (r *Registry) Configure(broker string, b Budget) {
	if b.RequestsPerSecond <= 0 {
		b.RequestsPerSecond = r.fallback.RequestsPerSecond
	}
	if b.Burst <= 0 {
		b.Burst = r.fallback.Burst
	}
	r.mu.Lock()
	r.limiters[broker] = rate.NewLimiter(rate.Limit(b.RequestsPerSecond), b.Burst)
	r.mu.Unlock()
}

// Acquire blocks until a token is available under the broker's budget or the
// context ends. Waiters are admitted in FIFO order.
func (r *Registry) Acquire(ctx context.Context, broker string) error {
	if err := r.limiter(broker).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", broker, err)
	}
	return nil
}

// TryAcquire consumes a token if one is available right now.
func (r *Registry) TryAcquire(broker string) bool {
	return r.limiter(broker).Allow()
}

func (r *Registry) limiter(broker string) *rate.Limiter {
	r.mu.RLock()
	lim, ok := r.limiters[broker]
	r.mu.RUnlock()
	if ok {
		return lim
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok = r.limiters[broker]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(r.fallback.RequestsPerSecond), r.fallback.Burst)
	r.limiters[broker] = lim
	return lim
}
