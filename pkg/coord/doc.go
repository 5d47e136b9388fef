// Package coord holds the vocabulary shared by the coordination primitives:
// guard kinds, scopes, keys, decisions, failure policies, the error taxonomy
// and the metrics recorder abstraction.
//
// # Keys
//
// Every unit of coordination lives at one key in the shared store:
//
//	{kind}:{operation}[:{scopeID}]
//
// kind is one of ratelimit, idempotent, lock or queue, so a lock and a rate
// limit for the same operation never collide. For ScopePersonal the scope
// component is the caller identity, escaped with EscapeID when it comes from
// untrusted input. ScopeAll keys have no scope component at all.
//
// # Decisions and errors
//
// Primitives answer with a Decision value. Rejections are expected outcomes
// and are not returned as errors; errors are reserved for faults such as
// ErrStoreUnavailable and ErrInvalidPolicy. DecisionError converts a rejection
// into the matching sentinel when a boundary layer wants an error.
package coord
