// Package store defines the contract between the coordination primitives and
// the shared key-value store, and ships two implementations.
//
// RedisStore backs the primitives with Redis through go-redis. Compound
// operations (compare-and-delete, compare-and-expire, increment with expiry,
// quota consumption) are Lua scripts embedded in the binary and executed with
// EVALSHA, so each is a single atomic step on the server.
//
// MemoryStore keeps the same state in a Go map guarded by a mutex. It gives
// the same atomicity inside one process and is what the package tests of the
// primitives run against.
//
// # Keys and queues
//
// The store treats keys and queue names as opaque strings. Namespacing
// ({kind}:{operation}[:{scope}]) is applied by the primitives before calling
// the store.
//
// # Errors
//
// Failures to reach the server match coord.ErrStoreUnavailable. A cancelled or
// expired caller context is returned as the context error instead, so callers
// can tell "I gave up" from "the store is down".
package store
