// Package cache holds the Redis-backed model-list cache. Entries are keyed
// by provider and the digest of its base URL, so switching an upstream
// endpoint never serves a stale list.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ModelsCache caches provider model lists. A zero TTL disables caching.
type ModelsCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewModelsCache(rdb *redis.Client, ttl time.Duration) *ModelsCache {
	return &ModelsCache{rdb: rdb, ttl: ttl}
}

// Key builds the cache key for a provider and its base URL. Providers with
// no base URL (the mock) hash to "-".
func Key(provider, baseURL string) string {
	digest := "-"
	if baseURL != "" {
		sum := sha256.Sum256([]byte(baseURL))
		digest = hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("models:%s:%s", provider, digest)
}

// Get returns the cached model list, or (nil, false) on miss. Redis
// failures degrade to a miss: the caller falls through to the provider.
func (c *ModelsCache) Get(ctx context.Context, key string) (map[string]any, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		// Misses and Redis failures look the same to the caller; the
		// list is re-fetchable from the provider either way.
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

// Put stores a model list under the key for the configured TTL.
func (c *ModelsCache) Put(ctx context.Context, key string, value map[string]any) error {
	if c == nil || c.ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal models payload: %w", err)
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache models: %w", err)
	}
	return nil
}
