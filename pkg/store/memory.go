package store

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

type memQueue struct {
	items *list.List
	// ready is closed and replaced whenever an item is pushed.
	ready chan struct{}
	// waiters counts BlockingPop calls parked on ready.
	waiters int
}

// sweepEvery is the number of key writes between full expiry sweeps.
const sweepEvery = 1024

// MemoryStore is an in-process Store.
//
// It is safe for concurrent use by multiple goroutines, but its state is local
// to the process and is not shared across replicas. Use RedisStore when
// several instances must coordinate; MemoryStore exists for tests and
// single-instance deployments.
//
// Expired keys are dropped when read and by a full sweep every sweepEvery
// writes, so keys that are never read again do not accumulate. A queue is
// dropped as soon as it is empty and nobody is waiting on it.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	keys   map[string]*entry
	queues map[string]*memQueue
	writes int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore constructs a MemoryStore with empty state.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		now:    time.Now,
		keys:   make(map[string]*entry),
		queues: make(map[string]*memQueue),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns the live entry for key, dropping it if it has expired.
// Callers hold m.mu.
func (m *MemoryStore) lookup(key string) (*entry, bool) {
	e, ok := m.keys[key]
	if !ok {
		return nil, false
	}
	if !e.expireAt.IsZero() && !m.now().Before(e.expireAt) {
		delete(m.keys, key)
		return nil, false
	}
	return e, true
}

// wrote counts a key write and sweeps expired keys every sweepEvery calls.
// Callers hold m.mu.
func (m *MemoryStore) wrote() {
	m.writes++
	if m.writes >= sweepEvery {
		m.writes = 0
		m.sweepLocked()
	}
}

func (m *MemoryStore) sweepLocked() int {
	now := m.now()
	removed := 0
	for key, e := range m.keys {
		if !e.expireAt.IsZero() && !now.Before(e.expireAt) {
			delete(m.keys, key)
			removed++
		}
	}
	for name, q := range m.queues {
		if q.items.Len() == 0 && q.waiters == 0 {
			delete(m.queues, name)
			removed++
		}
	}
	return removed
}

// Sweep drops every expired key and idle empty queue and returns how many
// it removed. Writes trigger it on their own; calling it is only needed to
// reclaim memory sooner.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked()
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.keys[key] = &entry{value: value, expireAt: m.expiry(ttl)}
	m.wrote()
	return true, nil
}

func (m *MemoryStore) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		e = &entry{value: "0"}
		m.keys[key] = e
	}
	current, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store incrby %s: value is not an integer", key)
	}
	current += delta
	e.value = strconv.FormatInt(current, 10)
	if e.expireAt.IsZero() {
		e.expireAt = m.expiry(ttl)
	}
	m.wrote()
	return current, nil
}

func (m *MemoryStore) AddIfExists(ctx context.Context, key string, delta int64) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return 0, false, nil
	}
	current, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("store incrby %s: value is not an integer", key)
	}
	current += delta
	e.value = strconv.FormatInt(current, 10)
	return current, true, nil
}

func (m *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(m.keys, key)
	return true, nil
}

func (m *MemoryStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	e.expireAt = m.expiry(ttl)
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys[key] = &entry{value: value, expireAt: m.expiry(ttl)}
	m.wrote()
	return nil
}

func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || e.expireAt.IsZero() {
		return 0, nil
	}
	return e.expireAt.Sub(m.now()), nil
}

// queue returns the named queue, creating it on first use. Callers hold m.mu.
func (m *MemoryStore) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{items: list.New(), ready: make(chan struct{})}
		m.queues[name] = q
	}
	return q
}

func (m *MemoryStore) Push(ctx context.Context, queue, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(queue)
	q.items.PushBack(value)
	close(q.ready)
	q.ready = make(chan struct{})
	return nil
}

func (m *MemoryStore) Pop(ctx context.Context, queue string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queue]
	if !ok {
		return "", false, nil
	}
	v, ok := m.popLocked(queue, q)
	return v, ok, nil
}

// popLocked removes the head of q and drops q once it is empty and idle.
// Callers hold m.mu.
func (m *MemoryStore) popLocked(name string, q *memQueue) (string, bool) {
	front := q.items.Front()
	if front == nil {
		m.releaseLocked(name, q)
		return "", false
	}
	q.items.Remove(front)
	m.releaseLocked(name, q)
	return front.Value.(string), true
}

// releaseLocked drops q from the queue map when it holds nothing and has no
// waiters. Callers hold m.mu.
func (m *MemoryStore) releaseLocked(name string, q *memQueue) {
	if q.items.Len() == 0 && q.waiters == 0 && m.queues[name] == q {
		delete(m.queues, name)
	}
}

func (m *MemoryStore) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	if timeout <= 0 {
		return m.Pop(ctx, queue)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		m.mu.Lock()
		q := m.queue(queue)
		if v, ok := m.popLocked(queue, q); ok {
			m.mu.Unlock()
			return v, true, nil
		}
		// popLocked may have dropped the empty queue; register on a live one.
		q = m.queue(queue)
		q.waiters++
		ready := q.ready
		m.mu.Unlock()

		var (
			timedOut bool
			err      error
		)
		select {
		case <-ready:
			// Another consumer may win the item; loop and try again.
		case <-timer.C:
			timedOut = true
		case <-ctx.Done():
			err = ctx.Err()
		}

		m.mu.Lock()
		q.waiters--
		m.releaseLocked(queue, q)
		m.mu.Unlock()

		if err != nil {
			return "", false, err
		}
		if timedOut {
			return "", false, nil
		}
	}
}

func (m *MemoryStore) Peek(ctx context.Context, queue string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queue]
	if !ok {
		return "", false, nil
	}
	front := q.items.Front()
	if front == nil {
		return "", false, nil
	}
	return front.Value.(string), true, nil
}

func (m *MemoryStore) Len(ctx context.Context, queue string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queue]
	if !ok {
		return 0, nil
	}
	return int64(q.items.Len()), nil
}

var _ Store = (*MemoryStore)(nil)
