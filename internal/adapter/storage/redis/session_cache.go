package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	sessionCachePrefix     = "hpb:"
	defaultSessionCacheTTL = 30 * time.Minute
)

// IdempotencyCache implements ports.IdempotencyCache. It holds the rendered
// payment-session response per (shop, attempt) so identical repeats return
// the first redirect URL instead of a re-signed one.
type IdempotencyCache struct {
	client *goredis.Client
}

// NewIdempotencyCache creates a Redis-backed session response cache.
func NewIdempotencyCache(client *goredis.Client) *IdempotencyCache {
	return &IdempotencyCache{client: client}
}

// Get returns the cached response, or nil on a miss.
func (c *IdempotencyCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, sessionCachePrefix+key).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("session cache get %s: %w", key, err)
	case len(val) == 0:
		return nil, nil
	}
	return val, nil
}

// Set stores value with SET NX so a concurrent duplicate cannot replace the
// response already handed to the platform.
func (c *IdempotencyCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if len(value) == 0 {
		return fmt.Errorf("session cache set %s: empty value", key)
	}
	if ttl <= 0 {
		ttl = defaultSessionCacheTTL
	}
	err := c.client.SetArgs(ctx, sessionCachePrefix+key, value, goredis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("session cache set %s: %w", key, err)
	}
	return nil
}
