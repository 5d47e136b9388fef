package idempotent

import (
	"context"

	"github.com/manenim/coordkit/pkg/coord"
)

// RepeatGuard suppresses rapid resubmission of the same operation. With
// ScopePersonal each caller is debounced on its own; with ScopeAll one
// caller's submission suppresses everyone's until the window ends.
//
// It protects against double submits, not against side effects that were
// already committed.
type RepeatGuard struct {
	guard *Guard
}

func NewRepeatGuard(g *Guard) *RepeatGuard {
	return &RepeatGuard{guard: g}
}

// Check admits the first submission of operation per scope and window.
func (r *RepeatGuard) Check(ctx context.Context, operation, callerID string, policy Policy) (coord.Decision, error) {
	if err := policy.Validate(); err != nil {
		return coord.Decision{}, err
	}
	key, err := coord.NewKey(coord.KindIdempotent, operation, policy.Scope, callerID)
	if err != nil {
		return coord.Decision{}, err
	}
	return r.guard.Admit(ctx, key, policy)
}
