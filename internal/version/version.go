// Package version tracks monotonically increasing entity versions in the
// fast store. Caches compare their stored version against these counters to
// detect staleness without waiting for TTL expiry.
package version

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/soulsense/sentinel/internal/faststore"
)

// observeScript raises the stored version to ARGV[1] and never lowers it.
var observeScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local v = tonumber(ARGV[1])
if v > cur then
	redis.call('SET', KEYS[1], ARGV[1])
	return v
end
return cur
`)

// Store reads and advances versions for (entity type, id) pairs.
type Store struct {
	client redis.UniversalClient
}

// NewStore creates a Store.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Key returns the fast-store key holding the version of an entity.
func Key(entityType, entityID string) string {
	return "ver:" + entityType + ":" + entityID
}

// Current returns the version of an entity. An entity that was never bumped
// is at version 0.
func (s *Store) Current(ctx context.Context, entityType, entityID string) (int64, error) {
	raw, err := s.client.Get(ctx, Key(entityType, entityID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("version.Current: %w", faststore.Classify(err))
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("version.Current: parse %q: %w", raw, err)
	}
	return v, nil
}

// Bump increments the version and returns the new value.
func (s *Store) Bump(ctx context.Context, entityType, entityID string) (int64, error) {
	v, err := s.client.Incr(ctx, Key(entityType, entityID)).Result()
	if err != nil {
		return 0, fmt.Errorf("version.Bump: %w", faststore.Classify(err))
	}
	return v, nil
}

// Observe raises the version to at least v, typically the version read from
// the relational store. It returns the resulting version.
func (s *Store) Observe(ctx context.Context, entityType, entityID string, v int64) (int64, error) {
	cur, err := observeScript.Run(ctx, s.client, []string{Key(entityType, entityID)}, v).Int64()
	if err != nil {
		return 0, fmt.Errorf("version.Observe: %w", faststore.Classify(err))
	}
	return cur, nil
}
