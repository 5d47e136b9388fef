package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/store"
	"github.com/manenim/coordkit/pkg/store/storetest"
)

func newRedisStore(t *testing.T) (*store.RedisStore, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}

	s, err := store.NewRedisStore(client)
	require.NoError(t, err)
	return s, client
}

func TestRedisStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (store.Store, string) {
		s, _ := newRedisStore(t)
		return s, fmt.Sprintf("it_test_%d:", time.Now().UnixNano())
	})
}

func TestRedisStore_ConsumeQuota(t *testing.T) {
	s, client := newRedisStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("quota_test_%d", time.Now().UnixNano())

	for i := 1; i <= 3; i++ {
		res, err := s.ConsumeQuota(ctx, key, 2, 6, time.Second)
		require.NoError(t, err)
		assert.True(t, res.Admitted, "call %d", i)
		assert.Equal(t, int64(2*i), res.Used)
	}

	res, err := s.ConsumeQuota(ctx, key, 2, 6, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, int64(6), res.Used)
	assert.Greater(t, res.TTL, time.Duration(0))
	assert.LessOrEqual(t, res.TTL, time.Second)

	raw, err := client.Get(ctx, key).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(6), raw, "rejected call must not consume quota")
}

func TestRedisStore_BlockingPopFractionalTimeout(t *testing.T) {
	s, _ := newRedisStore(t)
	q := fmt.Sprintf("blpop_test_%d", time.Now().UnixNano())

	start := time.Now()
	_, ok, err := s.BlockingPop(context.Background(), q, 1300*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 1200*time.Millisecond)
	assert.Less(t, elapsed, 1800*time.Millisecond, "the fraction must not round up to another second")
}

func TestRedisStore_ContextCancellation(t *testing.T) {
	s, _ := newRedisStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SetIfAbsent(ctx, "cancelled", "v", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.False(t, errors.Is(err, coord.ErrStoreUnavailable))
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	_, err := store.NewRedisStore(client, store.WithTimeout(200*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, coord.ErrStoreUnavailable)
}
