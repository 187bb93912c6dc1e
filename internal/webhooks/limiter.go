package webhooks

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles outbound attempts per subscription. When an attempt is
// not allowed, retryAfter says when to try again; the deferred attempt does
// not consume the delivery's retry budget.
type Limiter interface {
	Allow(ctx context.Context, subscriptionID string) (allowed bool, retryAfter time.Duration, err error)
}

// MemoryLimiter is a per-subscription token bucket held in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewMemoryLimiter allows perMinute attempts per subscription, with bursts
// up to the same size. perMinute below 1 is treated as 1.
func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	perMinute = max(perMinute, 1)
	return &MemoryLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, subscriptionID string) (bool, time.Duration, error) {
	l.mu.Lock()
	b, ok := l.buckets[subscriptionID]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[subscriptionID] = b
	}
	l.mu.Unlock()

	r := b.Reserve()
	if !r.OK() {
		return false, time.Minute, nil
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d, nil
	}
	return true, 0, nil
}

// Forget drops the bucket of a removed subscription.
func (l *MemoryLimiter) Forget(subscriptionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, subscriptionID)
}
