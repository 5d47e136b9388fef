package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/store"
)

// Limiter enforces Policy quotas with the store's atomic counters. It keeps
// no bucket state of its own, so any number of instances sharing a store
// enforce one global budget per key.
type Limiter struct {
	store    store.Store
	prefix   string
	timeout  time.Duration
	recorder coord.MetricsRecorder
	logger   *slog.Logger
}

// New constructs a Limiter over s.
func New(s store.Store, opts ...Option) (*Limiter, error) {
	if s == nil {
		return nil, fmt.Errorf("limiter: store is required")
	}
	l := &Limiter{
		store:    s,
		prefix:   defaultPrefix,
		timeout:  defaultTimeout,
		recorder: &coord.NoOpMetricsRecorder{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "limiter")
	return l, nil
}

// Admit consumes policy.Cost units from the bucket at key. It returns an
// error for invalid policies and store failures; an exhausted bucket is a
// rejected Decision whose RetryAfter is the time left in the window.
func (l *Limiter) Admit(ctx context.Context, key coord.Key, policy Policy) (coord.Decision, error) {
	if err := policy.Validate(); err != nil {
		return coord.Decision{}, err
	}
	if key.Kind != coord.KindRateLimit {
		return coord.Decision{}, fmt.Errorf("%w: limiter needs a %s key, got %s", coord.ErrInvalidKey, coord.KindRateLimit, key.Kind)
	}
	if err := key.Validate(); err != nil {
		return coord.Decision{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	dec, err := l.admit(ctx, l.prefix+key.String(), policy)
	l.recorder.Observe("ratelimit.latency", time.Since(start).Seconds(), nil)
	l.recorder.Add("ratelimit.call", 1, nil)

	switch {
	case err != nil:
		l.recorder.Add("ratelimit.error", 1, nil)
		return coord.Decision{}, err
	case !dec.Admitted:
		l.recorder.Add("ratelimit.rejected", 1, nil)
		l.logger.Debug("rate limit exceeded", "key", key.String(), "retry_after", dec.RetryAfter)
	}
	return dec, nil
}

func (l *Limiter) admit(ctx context.Context, key string, p Policy) (coord.Decision, error) {
	if qc, ok := l.store.(store.QuotaConsumer); ok {
		res, err := qc.ConsumeQuota(ctx, key, p.Cost, p.Quota, p.Window)
		if err != nil {
			return coord.Decision{}, err
		}
		if res.Admitted {
			return coord.Admit(p.Quota - res.Used), nil
		}
		return l.reject(p, res.TTL), nil
	}

	// First call of a window creates the bucket with its expiry in one step.
	created, err := l.store.SetIfAbsent(ctx, key, strconv.FormatInt(p.Cost, 10), p.Window)
	if err != nil {
		return coord.Decision{}, err
	}
	if created {
		return coord.Admit(p.Quota - p.Cost), nil
	}

	used, err := l.store.IncrementBy(ctx, key, p.Cost, p.Window)
	if err != nil {
		return coord.Decision{}, err
	}
	if used <= p.Quota {
		return coord.Admit(p.Quota - used), nil
	}

	// Over quota: give the cost back so the bucket only counts admitted calls.
	// If the window lapsed in between there is nothing to give back to, and
	// the refund must not seed the next window with a negative count.
	if _, found, err := l.store.AddIfExists(ctx, key, -p.Cost); err != nil {
		l.logger.Warn("compensating decrement failed", "key", key, "error", err)
	} else if !found {
		l.logger.Debug("bucket expired before compensation", "key", key)
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		l.logger.Warn("reading bucket ttl failed", "key", key, "error", err)
		ttl = p.Window
	}
	return l.reject(p, ttl), nil
}

func (l *Limiter) reject(p Policy, ttl time.Duration) coord.Decision {
	if ttl <= 0 || ttl > p.Window {
		ttl = p.Window
	}
	d := coord.Deny("rate limit exceeded", ttl)
	d.Remaining = 0
	return d
}

var _ RateLimiter = (*Limiter)(nil)
