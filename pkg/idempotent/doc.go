// Package idempotent suppresses duplicate execution of logical operations
// across service instances.
//
// Guard.TryAdmitOnce performs one set-if-absent: the caller that creates the
// record wins and runs the operation, every other caller inside the TTL window
// is told AlreadyInFlightOrDone. The record expires on its own; a new window
// starts with the next call after expiry. Guard.Do adds result replay for
// callers that want the winner's response instead of a rejection.
//
// RepeatGuard is the debounce form used against double submits and builds
// its key from a coord.Scope. Codes handles one-shot verification codes that
// are deleted on their first successful use.
package idempotent
