package store

import (
	"context"
	"log"
	"time"

	"dataexport/pkg/filter"
)

const participantKeyPrefix = "dataexport:participant:"

type participantLookup interface {
	ExistingParticipants(ctx context.Context, patientIDs []string) ([]string, error)
}

// CachedParticipantCounter remembers patient ids that were seen to exist.
// Only positive answers are cached; a missing id is always re-checked.
type CachedParticipantCounter struct {
	Lookup participantLookup
	Cache  Cache
	TTL    time.Duration
}

var _ filter.ParticipantCounter = (*CachedParticipantCounter)(nil)

func (c *CachedParticipantCounter) CountParticipants(ctx context.Context, patientIDs []string) (int, error) {
	seen := make(map[string]struct{}, len(patientIDs))
	var count int
	var misses []string
	for _, id := range patientIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if c.Cache != nil {
			if _, err := c.Cache.Get(ctx, participantKeyPrefix+id); err == nil {
				count++
				continue
			}
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return count, nil
	}
	found, err := c.Lookup.ExistingParticipants(ctx, misses)
	if err != nil {
		return 0, err
	}
	count += len(found)
	if c.Cache != nil {
		ttl := c.TTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		for _, id := range found {
			if err := c.Cache.Set(ctx, participantKeyPrefix+id, "1", ttl); err != nil {
				log.Printf("participant cache: set %s: %v", id, err)
				break
			}
		}
	}
	return count, nil
}
