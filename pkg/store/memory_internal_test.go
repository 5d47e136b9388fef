package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReadsDoNotCreateQueues(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("q-%d", i)
		_, _, err := m.Peek(ctx, name)
		require.NoError(t, err)
		_, err = m.Len(ctx, name)
		require.NoError(t, err)
		_, _, err = m.Pop(ctx, name)
		require.NoError(t, err)
	}
	assert.Empty(t, m.queues)
}

func TestMemoryStore_DrainedQueueIsDropped(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.Push(ctx, "jobs", "a"))
	_, ok, err := m.Pop(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, m.queues)

	_, ok, err = m.BlockingPop(ctx, "idle", 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Empty(t, m.queues)
}

func TestMemoryStore_WaitingQueueSurvivesSweep(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	var got string
	go func() {
		defer wg.Done()
		got, _, _ = m.BlockingPop(ctx, "jobs", 2*time.Second)
	}()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		q, ok := m.queues["jobs"]
		return ok && q.waiters == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, m.Sweep())
	require.NoError(t, m.Push(ctx, "jobs", "x"))
	wg.Wait()
	assert.Equal(t, "x", got)
	assert.Empty(t, m.queues)
}

func TestMemoryStore_SweepDropsExpiredKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := NewMemoryStore(WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := m.IncrementBy(ctx, fmt.Sprintf("bucket-%d", i), 1, time.Second)
		require.NoError(t, err)
	}
	require.NoError(t, m.Set(ctx, "forever", "v", 0))

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	assert.Equal(t, 10, m.Sweep())
	assert.Len(t, m.keys, 1)
}

func TestMemoryStore_WritesSweepExpiredKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := NewMemoryStore(WithClock(clock))
	ctx := context.Background()

	// Keys that are written once and never read again.
	for i := 0; i < sweepEvery; i++ {
		_, err := m.SetIfAbsent(ctx, fmt.Sprintf("once-%d", i), "v", time.Second)
		require.NoError(t, err)
	}
	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	for i := 0; i < sweepEvery; i++ {
		require.NoError(t, m.Set(ctx, "hot", "v", time.Minute))
	}
	assert.Len(t, m.keys, 1)
}
