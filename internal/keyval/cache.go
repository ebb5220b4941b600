package keyval

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// Cache is a namespaced, failure-absorbing view over a Store. Store
// unavailability degrades to "always miss": no operation ever surfaces an
// error to the caller, so the request path never depends on cache health.
type Cache struct {
	store Store
	name  string
}

// NewCache creates a cache view with the given namespace. Keys from distinct
// namespaces never collide even though they share one store.
func NewCache(store Store, name string) *Cache {
	return &Cache{store: store, name: name}
}

// Get retrieves and deserializes a value into dest. A store failure or a
// value that fails to deserialize is reported as a miss.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	value, found, err := c.store.Get(ctx, c.buildKey(key))
	if err != nil {
		log.Warn().Err(err).Str("cache", c.name).Str("key", key).Msg("cache get failed")
		return false
	}
	if !found {
		return false
	}

	if err := json.Unmarshal([]byte(value), dest); err != nil {
		log.Warn().Err(err).Str("cache", c.name).Str("key", key).Msg("cache entry corrupt, treating as miss")
		// Best-effort removal of the corrupted entry.
		_ = c.store.Delete(ctx, c.buildKey(key))
		return false
	}

	return true
}

// Set serializes and stores a value. A non-positive ttl stores without
// expiry. Failures are logged and absorbed.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("cache", c.name).Str("key", key).Msg("cache set failed to serialize")
		return
	}

	if err := c.store.Set(ctx, c.buildKey(key), string(data), ttl); err != nil {
		log.Warn().Err(err).Str("cache", c.name).Str("key", key).Msg("cache set failed")
	}
}

// Delete removes a key. Failures are logged and absorbed.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, c.buildKey(key)); err != nil {
		log.Warn().Err(err).Str("cache", c.name).Str("key", key).Msg("cache delete failed")
	}
}

// DeletePattern removes all keys in this namespace matching the glob
// pattern. Failures are logged and absorbed.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) {
	keys, err := c.store.Keys(ctx, c.buildKey(pattern))
	if err != nil {
		log.Warn().Err(err).Str("cache", c.name).Str("pattern", pattern).Msg("cache pattern scan failed")
		return
	}
	if len(keys) == 0 {
		return
	}

	if err := c.store.Delete(ctx, keys...); err != nil {
		log.Warn().Err(err).Str("cache", c.name).Str("pattern", pattern).Msg("cache pattern delete failed")
	}
}

// Exists reports whether the key is present. A store failure reports false.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	found, err := c.store.Exists(ctx, c.buildKey(key))
	if err != nil {
		log.Warn().Err(err).Str("cache", c.name).Str("key", key).Msg("cache exists failed")
		return false
	}
	return found
}

func (c *Cache) buildKey(key string) string {
	return c.name + ":" + key
}
