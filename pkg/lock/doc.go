// Package lock implements leased mutual exclusion over a shared store.
//
// Acquiring is a set-if-absent of a random owner token with the lease as TTL.
// Releasing and renewing compare that token in the same atomic step, so a
// holder whose lease already lapsed cannot disturb the next owner; it gets
// coord.ErrLockLost instead and must stop relying on exclusivity.
//
// Long critical sections keep the lease alive with KeepAlive, or use WithLock,
// which also cancels the work's context the moment the lease is lost.
package lock
