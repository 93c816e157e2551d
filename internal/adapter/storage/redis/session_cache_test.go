package redis

import (
	"context"
	"testing"
	"time"

	"hosted-payment-bridge/internal/core/domain"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionCache(t *testing.T) (*IdempotencyCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewIdempotencyCache(client), s
}

func TestSessionCache_MissThenHit(t *testing.T) {
	cache, s := newSessionCache(t)
	ctx := context.Background()
	key := domain.BuildSessionCacheKey("demo.myshoplaza.com", "att-1")
	value := []byte(`{"fingerprint":"f","redirect_url":"https://dev-secure.rocketgate.com/hostedpage/servlet/HostedPagePurchase?id=C1"}`)

	got, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.Set(ctx, key, value, time.Hour))
	got, err = cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	assert.True(t, s.Exists("hpb:"+key), "keys live under the service prefix")
}

func TestSessionCache_FirstWriterWins(t *testing.T) {
	cache, _ := newSessionCache(t)
	ctx := context.Background()
	key := domain.BuildSessionCacheKey("demo.myshoplaza.com", "att-2")

	require.NoError(t, cache.Set(ctx, key, []byte("first"), time.Hour))
	require.NoError(t, cache.Set(ctx, key, []byte("second"), time.Hour))

	got, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestSessionCache_Expiry(t *testing.T) {
	cache, s := newSessionCache(t)
	ctx := context.Background()
	key := domain.BuildSessionCacheKey("demo.myshoplaza.com", "att-3")

	require.NoError(t, cache.Set(ctx, key, []byte("v"), time.Second))
	s.FastForward(2 * time.Second)

	got, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Once expired the slot can be filled again.
	require.NoError(t, cache.Set(ctx, key, []byte("v2"), time.Second))
	got, _ = cache.Get(ctx, key)
	assert.Equal(t, []byte("v2"), got)
}

func TestSessionCache_DefaultTTLAndEmptyValue(t *testing.T) {
	cache, s := newSessionCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), 0))
	assert.Equal(t, defaultSessionCacheTTL, s.TTL("hpb:k"))

	assert.Error(t, cache.Set(ctx, "empty", nil, time.Minute))
}

func TestSessionCache_Unavailable(t *testing.T) {
	cache, s := newSessionCache(t)
	s.Close()

	_, err := cache.Get(context.Background(), "k")
	assert.Error(t, err)
}
