// Package ratelimit bounds export requests per credential over a fixed window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dataexport/pkg/apierr"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// InMemoryLimiter is a fixed-window counter per key.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]window
	now    func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemory(d time.Duration) *InMemoryLimiter {
	if d <= 0 {
		d = time.Minute
	}
	return &InMemoryLimiter{window: d, items: make(map[string]window), now: func() time.Time { return time.Now().UTC() }}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.items {
		if now.After(w.resetAt) {
			delete(l.items, k)
		}
	}
	w, ok := l.items[key]
	if !ok {
		w = window{resetAt: now.Add(l.window)}
	}
	w.count++
	l.items[key] = w
	return decide(w.count, limit, w.resetAt)
}

func decide(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}

// Guard applies one limit to every export credential. A disabled or
// unconfigured guard admits everything.
type Guard struct {
	Limiter Limiter
	Limit   int
	Enabled bool
}

// Check returns a RateLimited error once key exceeds the limit in the current window.
func (g *Guard) Check(ctx context.Context, key string) error {
	if g == nil || !g.Enabled || g.Limiter == nil {
		return nil
	}
	d := g.Limiter.Allow(ctx, key, g.Limit)
	if d.Allowed {
		return nil
	}
	wait := d.RetryAfter(time.Now().UTC()).Round(time.Second)
	return apierr.New(apierr.RateLimited, fmt.Sprintf("rate limit exceeded, retry in %s", wait))
}
