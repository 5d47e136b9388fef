// Package storetest provides a behavioural test suite every store.Store
// implementation must pass, plus a store double that simulates outages.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/store"
)

// Factory returns a fresh store and a key prefix unique to the test.
type Factory func(t *testing.T) (store.Store, string)

// Run exercises the atomicity and expiry contract of store.Store.
func Run(t *testing.T, newStore Factory) {
	t.Run("SetIfAbsentSingleWinner", func(t *testing.T) {
		s, prefix := newStore(t)
		ctx := context.Background()
		key := prefix + "nx"

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.SetIfAbsent(ctx, key, fmt.Sprint(i), time.Minute)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("SetIfAbsentExpires", func(t *testing.T) {
		s, prefix := newStore(t)
		ctx := context.Background()
		key := prefix + "nx-ttl"

		ok, err := s.SetIfAbsent(ctx, key, "a", 50*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		require.Eventually(t, func() bool {
			ok, err := s.SetIfAbsent(ctx, key, "b", time.Minute)
			return err == nil && ok
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("IncrementAttachesTTL", func(t *testing.T) {
		s, prefix := newStore(t)
		ctx := context.Background()
		key := prefix + "counter"

		v, err := s.IncrementBy(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)

		v, err = s.IncrementBy(ctx, key, -1, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)

		ttl, err := s.TTL(ctx, key)
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("AddIfExistsSkipsMissingKey", func(t *testing.T) {
		s, prefix := newStore(t)
		ctx := context.Background()
		key := prefix + "gone"

		v, found, err := s.AddIfExists(ctx, key, -1)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Equal(t, int64(0), v)

		_, found, err = s.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found, "AddIfExists must not create the key")
	})

	t.Run("AddIfExistsKeepsExpiry", func(t *testing.T) {
		s, prefix := newStore(t)
		ctx := context.Background()
		key := prefix + "live"

		_, err := s.IncrementBy(ctx, key, 5, time.Minute)
		require.NoError(t, err)

		v, found, err := s.AddIfExists(ctx, key, -2)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(3), v)

		ttl, err := s.TTL(ctx, key)
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, time.Minute)
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		s, prefix := newStore(t)
		ctx := context.Background()
		key := prefix + "cad"

		_, err := s.SetIfAbsent(ctx, key, "owner-1", time.Minute)
		require.NoError(t, err)

		ok, err := s.CompareAndDelete(ctx, key, "owner-2")
		require.NoError(t, err)
		assert.False(t, ok)

		v, found, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "owner-1", v)

		ok, err = s.CompareAndDelete(ctx, key, "owner-1")
		require.NoError(t, err)
		assert.True(t, ok)

		_, found, err = s.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("CompareAndExpire", func(t *testing.T) {
		s, prefix := newStore(t)
		ctx := context.Background()
		key := prefix + "cae"

		_, err := s.SetIfAbsent(ctx, key, "owner-1", time.Second)
		require.NoError(t, err)

		ok, err := s.CompareAndExpire(ctx, key, "owner-2", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndExpire(ctx, key, "owner-1", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ttl, err := s.TTL(ctx, key)
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Minute)
	})

	t.Run("TTLOfMissingKey", func(t *testing.T) {
		s, prefix := newStore(t)
		ttl, err := s.TTL(context.Background(), prefix+"missing")
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), ttl)
	})

	t.Run("QueueFIFO", func(t *testing.T) {
		s, prefix := newStore(t)
		ctx := context.Background()
		q := prefix + "fifo"

		for _, v := range []string{"a", "b", "c"} {
			require.NoError(t, s.Push(ctx, q, v))
		}
		n, err := s.Len(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		head, ok, err := s.Peek(ctx, q)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a", head)

		var got []string
		for i := 0; i < 3; i++ {
			v, ok, err := s.BlockingPop(ctx, q, time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			got = append(got, v)
		}
		assert.Equal(t, []string{"a", "b", "c"}, got)

		_, ok, err = s.Pop(ctx, q)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("BlockingPopTimesOut", func(t *testing.T) {
		s, prefix := newStore(t)
		start := time.Now()
		_, ok, err := s.BlockingPop(context.Background(), prefix+"empty", time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("BlockingPopHonoursSubSecondTimeout", func(t *testing.T) {
		s, prefix := newStore(t)
		start := time.Now()
		_, ok, err := s.BlockingPop(context.Background(), prefix+"short", 200*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok)
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
		assert.Less(t, elapsed, 600*time.Millisecond)
	})

	t.Run("BlockingPopSubSecondSeesPush", func(t *testing.T) {
		s, prefix := newStore(t)
		ctx := context.Background()
		q := prefix + "short-wake"

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = s.Push(ctx, q, "soon")
		}()
		v, ok, err := s.BlockingPop(ctx, q, 500*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "soon", v)
	})

	t.Run("BlockingPopWakesOnPush", func(t *testing.T) {
		s, prefix := newStore(t)
		ctx := context.Background()
		q := prefix + "wake"

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = s.Push(ctx, q, "late")
		}()
		v, ok, err := s.BlockingPop(ctx, q, 2*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "late", v)
	})
}

// ErrInjected is the cause carried by every error FlakyStore returns.
var ErrInjected = errors.New("injected store failure")

// FlakyStore wraps a store and fails every call while Down is set, the way an
// unreachable server would.
type FlakyStore struct {
	store.Store
	down atomic.Bool
}

// NewFlakyStore wraps s. It starts healthy.
func NewFlakyStore(s store.Store) *FlakyStore {
	return &FlakyStore{Store: s}
}

// SetDown toggles the simulated outage.
func (f *FlakyStore) SetDown(down bool) { f.down.Store(down) }

func (f *FlakyStore) fail(op string) error {
	if f.down.Load() {
		return coord.Unavailable(op, ErrInjected)
	}
	return nil
}

func (f *FlakyStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := f.fail("setnx"); err != nil {
		return false, err
	}
	return f.Store.SetIfAbsent(ctx, key, value, ttl)
}

func (f *FlakyStore) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := f.fail("incrby"); err != nil {
		return 0, err
	}
	return f.Store.IncrementBy(ctx, key, delta, ttl)
}

func (f *FlakyStore) AddIfExists(ctx context.Context, key string, delta int64) (int64, bool, error) {
	if err := f.fail("incrby-if-exists"); err != nil {
		return 0, false, err
	}
	return f.Store.AddIfExists(ctx, key, delta)
}

func (f *FlakyStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := f.fail("compare-and-delete"); err != nil {
		return false, err
	}
	return f.Store.CompareAndDelete(ctx, key, expected)
}

func (f *FlakyStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if err := f.fail("compare-and-expire"); err != nil {
		return false, err
	}
	return f.Store.CompareAndExpire(ctx, key, expected, ttl)
}

func (f *FlakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := f.fail("get"); err != nil {
		return "", false, err
	}
	return f.Store.Get(ctx, key)
}

func (f *FlakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.fail("set"); err != nil {
		return err
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *FlakyStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := f.fail("pttl"); err != nil {
		return 0, err
	}
	return f.Store.TTL(ctx, key)
}

func (f *FlakyStore) Push(ctx context.Context, queue, value string) error {
	if err := f.fail("rpush"); err != nil {
		return err
	}
	return f.Store.Push(ctx, queue, value)
}

func (f *FlakyStore) Pop(ctx context.Context, queue string) (string, bool, error) {
	if err := f.fail("lpop"); err != nil {
		return "", false, err
	}
	return f.Store.Pop(ctx, queue)
}

func (f *FlakyStore) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	if err := f.fail("blpop"); err != nil {
		return "", false, err
	}
	return f.Store.BlockingPop(ctx, queue, timeout)
}

func (f *FlakyStore) Peek(ctx context.Context, queue string) (string, bool, error) {
	if err := f.fail("lindex"); err != nil {
		return "", false, err
	}
	return f.Store.Peek(ctx, queue)
}

func (f *FlakyStore) Len(ctx context.Context, queue string) (int64, error) {
	if err := f.fail("llen"); err != nil {
		return 0, err
	}
	return f.Store.Len(ctx, queue)
}
