package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"dataexport/pkg/apierr"
)

func TestInMemoryLimiterWindow(t *testing.T) {
	l := NewInMemory(time.Minute)
	now := time.Unix(1_700_000_000, 0).UTC()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		d := l.Allow(ctx, "key-a", 2)
		if d.Allowed != want || d.Count != i+1 {
			t.Fatalf("call %d: unexpected decision %+v", i, d)
		}
	}
	if d := l.Allow(ctx, "key-b", 2); !d.Allowed || d.Remaining != 1 {
		t.Fatalf("keys must not share windows: %+v", d)
	}
	now = now.Add(61 * time.Second)
	if d := l.Allow(ctx, "key-a", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected reset after window, got %+v", d)
	}
	if d := l.Allow(ctx, "key-c", 0); !d.Allowed || d.Limit != 1 {
		t.Fatalf("limit floor: %+v", d)
	}
}

func TestDecisionRetryAfter(t *testing.T) {
	now := time.Unix(100, 0)
	d := Decision{Allowed: false, ResetAt: now.Add(5 * time.Second)}
	if got := d.RetryAfter(now); got != 5*time.Second {
		t.Fatalf("retry after = %v", got)
	}
	if got := (Decision{Allowed: true, ResetAt: now.Add(time.Hour)}).RetryAfter(now); got != 0 {
		t.Fatalf("allowed decisions never wait, got %v", got)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewRedis(client, time.Minute)
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		d := l.Allow(ctx, "hash1", 2)
		if d.Allowed != want || d.Count != i+1 {
			t.Fatalf("call %d: unexpected decision %+v", i, d)
		}
	}
	if !mr.Exists("dataexport:rl:hash1") {
		t.Fatalf("expected prefixed key, have %v", mr.Keys())
	}
	mr.FastForward(2 * time.Minute)
	if d := l.Allow(ctx, "hash1", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fresh window, got %+v", d)
	}
}

func TestRedisLimiterFallsBackWhenUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewRedis(client, time.Minute)
	mr.Close()

	ctx := context.Background()
	first := l.Allow(ctx, "k", 1)
	second := l.Allow(ctx, "k", 1)
	if !first.Allowed || second.Allowed {
		t.Fatalf("fallback must still enforce the limit: %+v %+v", first, second)
	}
	if d := NewRedis(nil, 0).Allow(ctx, "k", 1); !d.Allowed {
		t.Fatalf("nil client uses local window: %+v", d)
	}
}

func TestGuardCheck(t *testing.T) {
	ctx := context.Background()
	g := &Guard{Limiter: NewInMemory(time.Minute), Limit: 1, Enabled: true}
	if err := g.Check(ctx, "k"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	err := g.Check(ctx, "k")
	if !errors.Is(err, apierr.ErrRateLimited) || apierr.StatusOf(apierr.KindOf(err)) != 429 {
		t.Fatalf("expected rate limited, got %v", err)
	}
	var nilGuard *Guard
	if err := nilGuard.Check(ctx, "k"); err != nil {
		t.Fatalf("nil guard admits: %v", err)
	}
	if err := (&Guard{Limiter: g.Limiter, Limit: 1}).Check(ctx, "k"); err != nil {
		t.Fatalf("disabled guard admits: %v", err)
	}
}
