package coord

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrLockTimeout       = errors.New("lock acquire timed out")
	ErrLockLost          = errors.New("lock lease expired or stolen")
	ErrQueueTimedOut     = errors.New("queue take timed out")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrInvalidPolicy     = errors.New("invalid policy")
	ErrInvalidKey        = errors.New("invalid key")
)

// RateLimitError carries the wait hint of a rate limit rejection.
// It matches ErrRateLimitExceeded with errors.Is.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: key=%s retry_after=%s", e.Key, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// Unavailable wraps err so that it matches ErrStoreUnavailable while keeping
// the original cause reachable through errors.Unwrap.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storeError{op: op, err: err}
}

type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string {
	return fmt.Sprintf("store %s: %v", e.op, e.err)
}

func (e *storeError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.err}
}

// DecisionError translates a rejected decision of the given kind into the
// error a boundary layer would surface. Admitted decisions yield nil.
func DecisionError(kind Kind, key string, d Decision) error {
	if d.Admitted {
		return nil
	}
	switch kind {
	case KindRateLimit:
		return &RateLimitError{Key: key, RetryAfter: d.RetryAfter}
	case KindIdempotent:
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
	case KindLock:
		return fmt.Errorf("%w: %s", ErrLockTimeout, key)
	case KindQueue:
		return fmt.Errorf("%w: %s", ErrQueueTimedOut, key)
	}
	return fmt.Errorf("rejected: %s: %s", key, d.Reason)
}
