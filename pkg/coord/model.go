package coord

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Kind names the primitive that owns a key. It is the first component of every
// key so two primitives can never collide in the shared keyspace.
type Kind string

const (
	KindRateLimit  Kind = "ratelimit"
	KindIdempotent Kind = "idempotent"
	KindLock       Kind = "lock"
	KindQueue      Kind = "queue"
)

// Valid reports whether k is one of the known guard kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRateLimit, KindIdempotent, KindLock, KindQueue:
		return true
	}
	return false
}

// Scope selects whether a key is private to one caller or shared by everyone.
type Scope int

const (
	// ScopePersonal folds the caller identity into the key.
	ScopePersonal Scope = iota
	// ScopeAll uses one key for every caller.
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopePersonal:
		return "personal"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseScope maps "personal" and "all" (case-insensitive) to a Scope.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "personal", "":
		return ScopePersonal, nil
	case "all", "global":
		return ScopeAll, nil
	}
	return 0, fmt.Errorf("%w: unknown scope %q", ErrInvalidPolicy, s)
}

// Key identifies one coordination unit: {kind}:{operation}[:{scopeID}].
// All-scoped keys have no scope component, so no caller id can reach them.
type Key struct {
	Kind      Kind
	Operation string
	ScopeID   string
}

// NewKey builds a key for operation under the given scope. callerID is
// required for ScopePersonal and ignored for ScopeAll.
func NewKey(kind Kind, operation string, scope Scope, callerID string) (Key, error) {
	k := Key{Kind: kind, Operation: operation}
	switch scope {
	case ScopePersonal:
		if callerID == "" {
			return Key{}, fmt.Errorf("%w: personal scope requires a caller id", ErrInvalidKey)
		}
		k.ScopeID = callerID
	case ScopeAll:
	default:
		return Key{}, fmt.Errorf("%w: unknown scope %d", ErrInvalidKey, int(scope))
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// MustKey is NewKey for static keys; it panics on an invalid key.
func MustKey(kind Kind, operation string, scope Scope, callerID string) Key {
	k, err := NewKey(kind, operation, scope, callerID)
	if err != nil {
		panic(err)
	}
	return k
}

// Validate rejects keys that could collide with another key: unknown kinds,
// an empty operation, and separators inside a component.
func (k Key) Validate() error {
	if !k.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, k.Kind)
	}
	if k.Operation == "" {
		return fmt.Errorf("%w: empty operation", ErrInvalidKey)
	}
	if strings.Contains(k.Operation, ":") {
		return fmt.Errorf("%w: operation %q contains ':'", ErrInvalidKey, k.Operation)
	}
	if strings.Contains(k.ScopeID, ":") {
		return fmt.Errorf("%w: scope id %q contains ':'", ErrInvalidKey, k.ScopeID)
	}
	return nil
}

// EscapeID makes an arbitrary caller identity safe for use as a scope id.
// The encoding is reversible, so distinct identities stay distinct keys.
func EscapeID(id string) string {
	return url.QueryEscape(id)
}

func (k Key) String() string {
	if k.ScopeID == "" {
		return string(k.Kind) + ":" + k.Operation
	}
	return string(k.Kind) + ":" + k.Operation + ":" + k.ScopeID
}

// Decision is the admit/deny answer every primitive returns to its caller.
type Decision struct {
	Admitted   bool
	Remaining  int64
	RetryAfter time.Duration
	Reason     string
}

// Admit returns an admitted decision with the given remaining budget.
func Admit(remaining int64) Decision {
	return Decision{Admitted: true, Remaining: remaining}
}

// Deny returns a rejected decision.
func Deny(reason string, retryAfter time.Duration) Decision {
	return Decision{Admitted: false, RetryAfter: retryAfter, Reason: reason}
}

// FailurePolicy decides what a guard reports when the store cannot be reached.
type FailurePolicy int

const (
	// FailClosed denies the call when the store is unavailable.
	FailClosed FailurePolicy = iota
	// FailOpen admits the call when the store is unavailable.
	FailOpen
)

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "fail-open"
	}
	return "fail-closed"
}

// DefaultFailurePolicy returns the failure policy a kind uses unless configured
// otherwise. Rate limiting fails open; everything guarding side effects fails
// closed.
func DefaultFailurePolicy(k Kind) FailurePolicy {
	if k == KindRateLimit {
		return FailOpen
	}
	return FailClosed
}
