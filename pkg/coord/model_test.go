package coord

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	k, err := NewKey(KindRateLimit, "send-sms", ScopePersonal, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ratelimit:send-sms:user-1", k.String())

	k, err = NewKey(KindLock, "issue-captcha", ScopeAll, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "lock:issue-captcha", k.String())

	assert.Equal(t, "queue:jobs", Key{Kind: KindQueue, Operation: "jobs"}.String())
}

func TestNewKey_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		op     string
		scope  Scope
		caller string
	}{
		{"unknown kind", Kind("cache"), "op", ScopeAll, ""},
		{"empty operation", KindLock, "", ScopeAll, ""},
		{"separator in operation", KindLock, "a:b", ScopeAll, ""},
		{"separator in caller", KindRateLimit, "op", ScopePersonal, "a:b"},
		{"personal without caller", KindIdempotent, "op", ScopePersonal, ""},
		{"unknown scope", KindIdempotent, "op", Scope(9), "u"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKey(tt.kind, tt.op, tt.scope, tt.caller)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
	assert.Panics(t, func() { MustKey(KindLock, "", ScopeAll, "") })
}

func TestKindsNeverCollide(t *testing.T) {
	seen := make(map[string]Kind)
	for _, kind := range []Kind{KindRateLimit, KindIdempotent, KindLock, KindQueue} {
		k := MustKey(kind, "same-op", ScopePersonal, "same-caller")
		_, dup := seen[k.String()]
		assert.False(t, dup, k.String())
		seen[k.String()] = kind
	}
}

func TestScopesNeverCollide(t *testing.T) {
	shared := MustKey(KindRateLimit, "api", ScopeAll, "")
	for _, caller := range []string{"all", "global", "api", "_"} {
		personal := MustKey(KindRateLimit, "api", ScopePersonal, caller)
		assert.NotEqual(t, shared.String(), personal.String(), caller)
	}
}

func TestEscapeID(t *testing.T) {
	ids := []string{"order:42", "order_42", "order%3A42", "order 42", "order+42", "::1", "__1"}
	seen := make(map[string]string)
	for _, id := range ids {
		k, err := NewKey(KindIdempotent, "place", ScopePersonal, EscapeID(id))
		require.NoError(t, err, id)
		prev, dup := seen[k.String()]
		assert.False(t, dup, "%q and %q share key %s", id, prev, k)
		seen[k.String()] = id
	}
	assert.Equal(t, "order_42", EscapeID("order_42"))
}

func TestParseScope(t *testing.T) {
	for in, want := range map[string]Scope{"personal": ScopePersonal, "": ScopePersonal, "ALL": ScopeAll, "global": ScopeAll} {
		got, err := ParseScope(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseScope("team")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestDefaultFailurePolicy(t *testing.T) {
	assert.Equal(t, FailOpen, DefaultFailurePolicy(KindRateLimit))
	assert.Equal(t, FailClosed, DefaultFailurePolicy(KindIdempotent))
	assert.Equal(t, FailClosed, DefaultFailurePolicy(KindLock))
	assert.Equal(t, FailClosed, DefaultFailurePolicy(KindQueue))
}

func TestDecisionError(t *testing.T) {
	assert.NoError(t, DecisionError(KindRateLimit, "k", Admit(3)))

	err := DecisionError(KindRateLimit, "ratelimit:ping", Deny("rate limit exceeded", 2*time.Second))
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 2*time.Second, rle.RetryAfter)

	assert.ErrorIs(t, DecisionError(KindIdempotent, "k", Deny("dup", 0)), ErrDuplicateRequest)
	assert.ErrorIs(t, DecisionError(KindLock, "k", Deny("held", 0)), ErrLockTimeout)
	assert.ErrorIs(t, DecisionError(KindQueue, "k", Deny("empty", 0)), ErrQueueTimedOut)
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, Unavailable("get", nil))

	cause := errors.New("connection refused")
	err := fmt.Errorf("admit: %w", Unavailable("get", cause))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "store get: connection refused")
}
