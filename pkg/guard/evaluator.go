package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/idempotent"
	"github.com/manenim/coordkit/pkg/limiter"
	"github.com/manenim/coordkit/pkg/lock"
	"github.com/manenim/coordkit/pkg/store"
)

const defaultPrefix = "coord:"

// Reasons reported on decisions made without the store.
const (
	ReasonFailOpen   = "store unavailable (fail-open)"
	ReasonFailClosed = "store unavailable (fail-closed)"
)

// Evaluator is the single entry point boundary code uses to ask "may this
// call proceed?" for any guard kind. It owns one limiter, idempotency guard
// and locker over the same store and applies the per-kind failure policy when
// that store is unreachable.
type Evaluator struct {
	store    store.Store
	prefix   string
	limiter  *limiter.Limiter
	idem     *idempotent.Guard
	locker   *lock.Locker
	failure  map[coord.Kind]coord.FailurePolicy
	recorder coord.MetricsRecorder
	logger   *slog.Logger
}

type Option func(*Evaluator)

// WithPrefix sets the key prefix shared by every primitive (default "coord:").
func WithPrefix(prefix string) Option {
	return func(e *Evaluator) { e.prefix = prefix }
}

// WithFailurePolicy overrides coord.DefaultFailurePolicy for one kind.
func WithFailurePolicy(kind coord.Kind, p coord.FailurePolicy) Option {
	return func(e *Evaluator) { e.failure[kind] = p }
}

func WithRecorder(r coord.MetricsRecorder) Option {
	return func(e *Evaluator) {
		if r != nil {
			e.recorder = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New builds an Evaluator and its primitives over s.
func New(s store.Store, opts ...Option) (*Evaluator, error) {
	if s == nil {
		return nil, fmt.Errorf("guard: store is required")
	}
	e := &Evaluator{
		store:    s,
		prefix:   defaultPrefix,
		failure:  make(map[coord.Kind]coord.FailurePolicy),
		recorder: &coord.NoOpMetricsRecorder{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	e.limiter, err = limiter.New(s,
		limiter.WithPrefix(e.prefix),
		limiter.WithRecorder(e.recorder),
		limiter.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}
	e.idem, err = idempotent.New(s,
		idempotent.WithPrefix(e.prefix),
		idempotent.WithRecorder(e.recorder),
		idempotent.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}
	e.locker, err = lock.New(s,
		lock.WithPrefix(e.prefix),
		lock.WithRecorder(e.recorder),
		lock.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}
	e.logger = e.logger.With("component", "guard")
	return e, nil
}

func (e *Evaluator) Limiter() *limiter.Limiter      { return e.limiter }
func (e *Evaluator) Idempotency() *idempotent.Guard { return e.idem }
func (e *Evaluator) Locker() *lock.Locker           { return e.locker }

// FailurePolicy returns the policy applied to kind on store failure.
func (e *Evaluator) FailurePolicy(kind coord.Kind) coord.FailurePolicy {
	if p, ok := e.failure[kind]; ok {
		return p
	}
	return coord.DefaultFailurePolicy(kind)
}

// Evaluate decides whether one call guarded by key may proceed. policy must
// be a limiter.Policy, idempotent.Policy or lock.Policy matching kind.
//
// A lock admitted by Evaluate is held until its lease expires; use Hold to
// release it earlier.
//
// When the store is unavailable the kind's failure policy decides: fail-open
// admits with Reason ReasonFailOpen and a nil error; fail-closed denies with
// Reason ReasonFailClosed and returns the store error. Other errors (invalid
// keys or policies, a cancelled ctx) are returned as is.
func (e *Evaluator) Evaluate(ctx context.Context, kind coord.Kind, key coord.Key, policy any) (coord.Decision, error) {
	if kind == coord.KindLock {
		p, ok := policy.(lock.Policy)
		if !ok {
			return coord.Decision{}, policyMismatch(kind, policy)
		}
		d, _, err := e.Hold(ctx, key, p)
		return d, err
	}
	if key.Kind != kind {
		return coord.Decision{}, fmt.Errorf("%w: %s key evaluated as %s", coord.ErrInvalidKey, key.Kind, kind)
	}

	var (
		d   coord.Decision
		err error
	)
	switch p := policy.(type) {
	case limiter.Policy:
		if kind != coord.KindRateLimit {
			return coord.Decision{}, policyMismatch(kind, policy)
		}
		d, err = e.limiter.Admit(ctx, key, p)
	case idempotent.Policy:
		if kind != coord.KindIdempotent {
			return coord.Decision{}, policyMismatch(kind, policy)
		}
		d, err = e.idem.Admit(ctx, key, p)
	default:
		return coord.Decision{}, policyMismatch(kind, policy)
	}
	if err != nil {
		return e.onError(ctx, kind, key, err)
	}
	e.count(kind, d)
	return d, nil
}

// Hold acquires the lock at key according to p. On admission the caller owns
// the returned handle and must release it through Release. Store failures
// follow the lock failure policy; a fail-open admission returns a nil handle.
func (e *Evaluator) Hold(ctx context.Context, key coord.Key, p lock.Policy) (coord.Decision, *lock.Handle, error) {
	if err := p.Validate(); err != nil {
		return coord.Decision{}, nil, err
	}
	if key.Kind != coord.KindLock {
		return coord.Decision{}, nil, fmt.Errorf("%w: %s key evaluated as %s", coord.ErrInvalidKey, key.Kind, coord.KindLock)
	}

	h, err := e.locker.Acquire(ctx, key, p.Lease, p.Wait)
	switch {
	case err == nil:
		d := coord.Admit(0)
		e.count(coord.KindLock, d)
		return d, h, nil
	case errors.Is(err, coord.ErrLockTimeout) && ctx.Err() == nil:
		d := coord.Deny("lock held", e.ttl(ctx, key, p.Lease))
		e.count(coord.KindLock, d)
		return d, nil, nil
	}
	d, err := e.onError(ctx, coord.KindLock, key, err)
	return d, nil, err
}

// Release gives back a lock obtained from Hold. A nil handle is a no-op.
func (e *Evaluator) Release(ctx context.Context, h *lock.Handle) error {
	if h == nil {
		return nil
	}
	return e.locker.Release(ctx, h)
}

func (e *Evaluator) onError(ctx context.Context, kind coord.Kind, key coord.Key, err error) (coord.Decision, error) {
	if !errors.Is(err, coord.ErrStoreUnavailable) || ctx.Err() != nil {
		return coord.Decision{}, err
	}
	policy := e.FailurePolicy(kind)
	e.recorder.Add("guard.store_unavailable", 1, map[string]string{"kind": string(kind), "policy": policy.String()})
	e.logger.Error("store unavailable", "kind", kind, "key", key.String(), "policy", policy.String(), "error", err)

	if policy == coord.FailOpen {
		return coord.Decision{Admitted: true, Reason: ReasonFailOpen}, nil
	}
	return coord.Deny(ReasonFailClosed, 0), err
}

func (e *Evaluator) count(kind coord.Kind, d coord.Decision) {
	result := "admitted"
	if !d.Admitted {
		result = "rejected"
	}
	e.recorder.Add("guard.decision", 1, map[string]string{"kind": string(kind), "result": result})
}

func (e *Evaluator) ttl(ctx context.Context, key coord.Key, fallback time.Duration) time.Duration {
	ttl, err := e.store.TTL(ctx, e.prefix+key.String())
	if err != nil || ttl <= 0 || ttl > fallback {
		return fallback
	}
	return ttl
}

func policyMismatch(kind coord.Kind, policy any) error {
	return fmt.Errorf("%w: %T cannot guard %s", coord.ErrInvalidPolicy, policy, kind)
}
