package store

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeLookup struct {
	existing map[string]bool
	asked    [][]string
	err      error
}

func (f *fakeLookup) ExistingParticipants(_ context.Context, ids []string) ([]string, error) {
	f.asked = append(f.asked, slices.Clone(ids))
	if f.err != nil {
		return nil, f.err
	}
	var out []string
	for _, id := range ids {
		if f.existing[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func TestCachedParticipantCounterCachesPositives(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lookup := &fakeLookup{existing: map[string]bool{"a1": true, "b2": true}}
	c := &CachedParticipantCounter{Lookup: lookup, Cache: NewRedisCache(client), TTL: time.Minute}

	n, err := c.CountParticipants(context.Background(), []string{"a1", "b2", "a1", "zz"})
	if err != nil || n != 2 {
		t.Fatalf("first count=%d err=%v", n, err)
	}
	if !mr.Exists(participantKeyPrefix+"a1") || mr.Exists(participantKeyPrefix+"zz") {
		t.Fatalf("unexpected cache contents: %v", mr.Keys())
	}

	n, err = c.CountParticipants(context.Background(), []string{"a1", "b2", "zz"})
	if err != nil || n != 2 {
		t.Fatalf("second count=%d err=%v", n, err)
	}
	if got := lookup.asked[len(lookup.asked)-1]; !slices.Equal(got, []string{"zz"}) {
		t.Fatalf("only the uncached id should be looked up, got %v", got)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := c.CountParticipants(context.Background(), []string{"a1"}); err != nil {
		t.Fatalf("after expiry: %v", err)
	}
	if got := lookup.asked[len(lookup.asked)-1]; !slices.Equal(got, []string{"a1"}) {
		t.Fatalf("expired entry should be looked up again, got %v", got)
	}
}

func TestCachedParticipantCounterWithoutCacheAndErrors(t *testing.T) {
	lookup := &fakeLookup{existing: map[string]bool{"a1": true}}
	c := &CachedParticipantCounter{Lookup: lookup}
	if n, err := c.CountParticipants(context.Background(), []string{"a1", "x"}); err != nil || n != 1 {
		t.Fatalf("count=%d err=%v", n, err)
	}
	lookup.err = errors.New("db down")
	if _, err := c.CountParticipants(context.Background(), []string{"a1"}); err == nil {
		t.Fatal("expected lookup error")
	}
}
