package store

import (
	"context"
	"time"
)

// Store is the contract the coordination primitives need from the shared
// key-value store. Every method is a single atomic operation on the store;
// callers never combine two of them into a check-then-act sequence.
//
// Transport failures are reported as errors matching coord.ErrStoreUnavailable.
// Context cancellation is reported as the context's error.
type Store interface {
	// SetIfAbsent stores value at key with ttl only if key does not exist.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// IncrementBy adds delta to the integer at key and returns the new value.
	// A key created by the increment, or one left without expiry, gets ttl.
	IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// AddIfExists adds delta to the integer at key only when key exists. It
	// never creates key and leaves its expiry untouched.
	AddIfExists(ctx context.Context, key string, delta int64) (int64, bool, error)
	// CompareAndDelete deletes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndExpire resets the ttl of key only if it currently holds expected.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value at key unconditionally with ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// TTL returns the time left before key expires, or 0 when key is missing
	// or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Push appends value to the tail of queue.
	Push(ctx context.Context, queue, value string) error
	// Pop removes and returns the head of queue without waiting.
	Pop(ctx context.Context, queue string) (string, bool, error)
	// BlockingPop waits up to timeout for an item at the head of queue.
	BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error)
	// Peek returns the head of queue without removing it.
	Peek(ctx context.Context, queue string) (string, bool, error)
	// Len returns the number of items in queue.
	Len(ctx context.Context, queue string) (int64, error)
}

// QuotaResult is the outcome of ConsumeQuota.
type QuotaResult struct {
	Admitted bool
	// Used is the number of cost units consumed in the current window after
	// the call. A rejected call leaves it unchanged.
	Used int64
	// TTL is the time left in the current window.
	TTL time.Duration
}

// QuotaConsumer is implemented by stores that can run the whole rate limit
// decision in one round trip. Rejected calls consume nothing.
type QuotaConsumer interface {
	ConsumeQuota(ctx context.Context, key string, cost, quota int64, window time.Duration) (QuotaResult, error)
}
