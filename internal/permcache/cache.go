// Package permcache caches authorization flags in the fast store and
// invalidates them by comparing the cached version against the version store.
package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/soulsense/sentinel/internal/faststore"
	"github.com/soulsense/sentinel/internal/metrics"
	"github.com/soulsense/sentinel/internal/version"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a flag may be served without a version bump.
const DefaultTTL = 60 * time.Second

// EntityType is the version-store namespace for principals.
const EntityType = "user"

// errStale marks an entry whose version is behind the version store. It is
// converted into a miss and never returned to callers.
var errStale = errors.New("stale permission entry")

// Lookup is the result of a cache read.
type Lookup struct {
	IsAdmin bool
	Hit     bool
}

type entry struct {
	IsAdmin bool  `json:"is_admin"`
	Version int64 `json:"version"`
}

// Cache is the fast-store permission cache.
type Cache struct {
	client   redis.UniversalClient
	versions *version.Store
	ttl      time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	Client   redis.UniversalClient
	Versions *version.Store
	TTL      time.Duration // Default: 60s
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// NewCache creates a Cache.
func NewCache(cfg CacheConfig) *Cache {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:   cfg.Client,
		versions: cfg.Versions,
		ttl:      ttl,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
}

func key(principal string) string {
	return "perm:" + principal
}

// Get returns the cached flag for principal if its version is current.
//
// Stale or undecodable entries are deleted and reported as misses. When the
// fast store fails the result is a miss together with the classified error,
// so the caller falls through to the authoritative store.
func (c *Cache) Get(ctx context.Context, principal string, entityID int64) (Lookup, error) {
	raw, err := c.client.Get(ctx, key(principal)).Result()
	if errors.Is(err, redis.Nil) {
		c.metrics.PermissionLookup("miss")
		return Lookup{}, nil
	}
	if err != nil {
		c.metrics.PermissionLookup("error")
		return Lookup{}, fmt.Errorf("Cache.Get: %w", faststore.Classify(err))
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.logger.Debug("purging undecodable permission entry", zap.String("principal", principal))
		c.purge(ctx, principal)
		c.metrics.PermissionLookup("miss")
		return Lookup{}, nil
	}

	current, err := c.versions.Current(ctx, EntityType, strconv.FormatInt(entityID, 10))
	if err != nil {
		c.metrics.PermissionLookup("error")
		return Lookup{}, fmt.Errorf("Cache.Get: %w", err)
	}

	if err := checkFresh(e, current); err != nil {
		c.logger.Info("stale permission entry",
			zap.String("principal", principal),
			zap.Int64("cached_version", e.Version),
			zap.Int64("current_version", current),
		)
		c.purge(ctx, principal)
		c.metrics.PermissionLookup("stale")
		return Lookup{}, nil
	}

	c.metrics.PermissionLookup("hit")
	return Lookup{IsAdmin: e.IsAdmin, Hit: true}, nil
}

func checkFresh(e entry, current int64) error {
	if e.Version < current {
		return errStale
	}
	return nil
}

// Set stores the flag at the given version and raises the version store to at
// least that version.
func (c *Cache) Set(ctx context.Context, principal string, entityID int64, isAdmin bool, v int64) error {
	data, err := json.Marshal(entry{IsAdmin: isAdmin, Version: v})
	if err != nil {
		return fmt.Errorf("Cache.Set: %w", err)
	}
	if _, err := c.versions.Observe(ctx, EntityType, strconv.FormatInt(entityID, 10), v); err != nil {
		return fmt.Errorf("Cache.Set: %w", err)
	}
	if err := c.client.Set(ctx, key(principal), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("Cache.Set: %w", faststore.Classify(err))
	}
	return nil
}

// Invalidate removes the entry for principal.
func (c *Cache) Invalidate(ctx context.Context, principal string) error {
	if err := c.client.Del(ctx, key(principal)).Err(); err != nil {
		return fmt.Errorf("Cache.Invalidate: %w", faststore.Classify(err))
	}
	return nil
}

func (c *Cache) purge(ctx context.Context, principal string) {
	if err := c.Invalidate(ctx, principal); err != nil {
		c.logger.Debug("permission purge failed", zap.String("principal", principal), zap.Error(err))
	}
}
