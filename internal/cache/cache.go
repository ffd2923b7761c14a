// Package cache stores on-demand search results in Redis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "klwatch:search"

// kv is the part of *redis.Client the cache needs.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Cache keeps JSON-encoded values for a fixed TTL.
type Cache struct {
	client kv
	ttl    time.Duration
}

// New returns a Cache on an already connected client.
func New(client kv, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get decodes the value stored under the key built from parts into dst.
// It reports false on a miss, an expired entry or an undecodable value.
func (c *Cache) Get(ctx context.Context, dst any, parts ...string) bool {
	data, err := c.client.Get(ctx, Key(parts...)).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// Set stores v under the key built from parts.
func (c *Cache) Set(ctx context.Context, v any, parts ...string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal error: %w", err)
	}
	return c.client.Set(ctx, Key(parts...), data, c.ttl).Err()
}

// Key hashes parts into a namespaced cache key. The first part names the
// kind of entry and stays readable.
func Key(parts ...string) string {
	if len(parts) == 0 {
		return keyPrefix
	}
	raw := strings.ToLower(strings.Join(parts, "\x00"))
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s:%s:%x", keyPrefix, strings.ToLower(parts[0]), hash[:8])
}
