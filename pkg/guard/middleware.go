package guard

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/lock"
)

// KeyFunc derives the guard key for a request.
type KeyFunc func(r *http.Request) (coord.Key, error)

// Rule binds one guard kind and policy to the requests a middleware wraps.
type Rule struct {
	Kind    coord.Kind
	KeyFunc KeyFunc
	// Policy is a limiter.Policy, idempotent.Policy or lock.Policy.
	Policy any
}

// Middleware short-circuits requests rejected by rule:
//
//   - 429 with Retry-After for an exhausted rate limit
//   - 409 for a duplicate request or a held lock
//   - 503 when the store is unavailable and the kind fails closed
//   - 400 when no key can be derived from the request
//
// Lock rules hold the lock while the wrapped handler runs.
func Middleware(ev *Evaluator, rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key, err := rule.KeyFunc(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			if rule.Kind == coord.KindLock {
				serveLocked(ev, rule, key, next, w, r)
				return
			}

			d, err := ev.Evaluate(ctx, rule.Kind, key, rule.Policy)
			if err != nil {
				writeError(w, err)
				return
			}
			if !d.Admitted {
				writeRejection(w, rule.Kind, key, d)
				return
			}
			if rule.Kind == coord.KindRateLimit && d.Reason == "" {
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func serveLocked(ev *Evaluator, rule Rule, key coord.Key, next http.Handler, w http.ResponseWriter, r *http.Request) {
	p, ok := rule.Policy.(lock.Policy)
	if !ok {
		writeError(w, policyMismatch(rule.Kind, rule.Policy))
		return
	}
	d, h, err := ev.Hold(r.Context(), key, p)
	if err != nil {
		writeError(w, err)
		return
	}
	if !d.Admitted {
		writeRejection(w, rule.Kind, key, d)
		return
	}
	defer func() {
		if err := ev.Release(context.WithoutCancel(r.Context()), h); err != nil {
			ev.logger.Warn("releasing request lock", "key", key.String(), "error", err)
		}
	}()
	next.ServeHTTP(w, r)
}

// Chain applies middlewares so that the first one listed runs first.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func writeRejection(w http.ResponseWriter, kind coord.Kind, key coord.Key, d coord.Decision) {
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
	}
	err := coord.DecisionError(kind, key.String(), d)
	switch {
	case errors.Is(err, coord.ErrRateLimitExceeded):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, coord.ErrDuplicateRequest), errors.Is(err, coord.ErrLockTimeout):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusForbidden)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coord.ErrStoreUnavailable):
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, coord.ErrInvalidKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// Retry-After takes whole seconds; round up so clients never retry early.
func retryAfterSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10)
}

// ByClientIP keys requests on the remote address, one bucket per client.
func ByClientIP(kind coord.Kind, operation string) KeyFunc {
	return func(r *http.Request) (coord.Key, error) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		// IPv6 addresses contain the key separator.
		return coord.NewKey(kind, operation, coord.ScopePersonal, coord.EscapeID(host))
	}
}

// ByHeader keys requests on a header value, such as an API key or an
// Idempotency-Key. A missing header yields coord.ErrInvalidKey.
func ByHeader(kind coord.Kind, operation, header string) KeyFunc {
	return func(r *http.Request) (coord.Key, error) {
		return coord.NewKey(kind, operation, coord.ScopePersonal, coord.EscapeID(r.Header.Get(header)))
	}
}

// Global keys every request to the same shared unit.
func Global(kind coord.Kind, operation string) KeyFunc {
	key, err := coord.NewKey(kind, operation, coord.ScopeAll, "")
	return func(*http.Request) (coord.Key, error) { return key, err }
}
