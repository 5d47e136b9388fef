package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/store"
)

const (
	defaultPrefix   = "coord:"
	defaultMinRetry = 25 * time.Millisecond
	defaultMaxRetry = time.Second
)

// ErrNotAcquired is returned by TryAcquire when someone else holds the lock.
// It matches coord.ErrLockTimeout.
var ErrNotAcquired = fmt.Errorf("%w: lock is held", coord.ErrLockTimeout)

// Handle is proof of ownership of one acquisition. Token is unique per
// acquisition, so a handle whose lease lapsed can never release or renew a
// later owner's lock.
type Handle struct {
	Key   coord.Key
	Token string

	storeKey string
	expiry   atomic.Int64
}

// LeaseExpiry is when the lease ends unless renewed, as seen by this process.
// It is advisory; the store is the authority.
func (h *Handle) LeaseExpiry() time.Time {
	return time.Unix(0, h.expiry.Load())
}

// Policy describes how a guard acquires a lock: hold it for Lease, and keep
// retrying for at most Wait.
type Policy struct {
	Lease time.Duration
	Wait  time.Duration
}

func (p Policy) Validate() error {
	if p.Lease <= 0 {
		return fmt.Errorf("%w: lease must be > 0", coord.ErrInvalidPolicy)
	}
	if p.Wait < 0 {
		return fmt.Errorf("%w: wait must be >= 0", coord.ErrInvalidPolicy)
	}
	return nil
}

// Locker hands out leased locks stored in a shared store.
type Locker struct {
	store    store.Store
	prefix   string
	now      func() time.Time
	minRetry time.Duration
	maxRetry time.Duration
	recorder coord.MetricsRecorder
	logger   *slog.Logger
}

type Option func(*Locker)

// WithPrefix sets the key prefix (default "coord:").
func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// WithRetryInterval bounds the backoff between acquire attempts
// (default 25ms..1s).
func WithRetryInterval(min, max time.Duration) Option {
	return func(l *Locker) {
		if min > 0 {
			l.minRetry = min
		}
		if max >= l.minRetry {
			l.maxRetry = max
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Locker) {
		if now != nil {
			l.now = now
		}
	}
}

func WithRecorder(r coord.MetricsRecorder) Option {
	return func(l *Locker) {
		if r != nil {
			l.recorder = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New constructs a Locker over s.
func New(s store.Store, opts ...Option) (*Locker, error) {
	if s == nil {
		return nil, fmt.Errorf("lock: store is required")
	}
	l := &Locker{
		store:    s,
		prefix:   defaultPrefix,
		now:      time.Now,
		minRetry: defaultMinRetry,
		maxRetry: defaultMaxRetry,
		recorder: &coord.NoOpMetricsRecorder{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "lock")
	return l, nil
}

func (l *Locker) storeKey(key coord.Key) (string, error) {
	if key.Kind != coord.KindLock {
		return "", fmt.Errorf("%w: locker needs a %s key, got %s", coord.ErrInvalidKey, coord.KindLock, key.Kind)
	}
	if err := key.Validate(); err != nil {
		return "", err
	}
	return l.prefix + key.String(), nil
}

// TryAcquire makes a single attempt. It returns ErrNotAcquired when the lock
// is held by someone else.
func (l *Locker) TryAcquire(ctx context.Context, key coord.Key, lease time.Duration) (*Handle, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("%w: lease must be > 0", coord.ErrInvalidPolicy)
	}
	k, err := l.storeKey(key)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	start := l.now()
	ok, err := l.store.SetIfAbsent(ctx, k, token, lease)
	if err != nil {
		l.recorder.Add("lock.acquire", 1, map[string]string{"result": "error"})
		return nil, err
	}
	if !ok {
		l.recorder.Add("lock.acquire", 1, map[string]string{"result": "busy"})
		return nil, ErrNotAcquired
	}
	l.recorder.Add("lock.acquire", 1, map[string]string{"result": "success"})

	h := &Handle{Key: key, Token: token, storeKey: k}
	// Measured from before the round trip so the local view never outlives
	// the store's.
	h.expiry.Store(start.Add(lease).UnixNano())
	return h, nil
}

// Acquire retries TryAcquire with exponential backoff and jitter for up to
// wait (or until ctx ends). Running out of time returns an error matching
// coord.ErrLockTimeout. There is no queue: whoever tries right after a
// release wins.
func (l *Locker) Acquire(ctx context.Context, key coord.Key, lease, wait time.Duration) (*Handle, error) {
	if wait <= 0 {
		return l.TryAcquire(ctx, key, lease)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.minRetry
	b.MaxInterval = l.maxRetry

	h, err := backoff.Retry(ctx, func() (*Handle, error) {
		h, err := l.TryAcquire(ctx, key, lease)
		if err == nil || errors.Is(err, ErrNotAcquired) {
			return h, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(wait))

	switch {
	case err == nil:
		return h, nil
	case errors.Is(err, ErrNotAcquired), errors.Is(err, context.DeadlineExceeded):
		l.logger.Debug("lock acquire timed out", "key", key.String(), "wait", wait)
		return nil, fmt.Errorf("%w: %s after %s", coord.ErrLockTimeout, key, wait)
	default:
		return nil, err
	}
}

// Release deletes the lock only if h still owns it. If the lease lapsed and
// someone else acquired the lock, nothing is deleted and the error matches
// coord.ErrLockLost: work done since the lapse ran without exclusivity.
func (l *Locker) Release(ctx context.Context, h *Handle) error {
	ok, err := l.store.CompareAndDelete(ctx, h.storeKey, h.Token)
	if err != nil {
		l.recorder.Add("lock.release", 1, map[string]string{"result": "error"})
		return err
	}
	if !ok {
		l.recorder.Add("lock.release", 1, map[string]string{"result": "lost"})
		l.logger.Warn("released a lock that was no longer owned", "key", h.Key.String())
		return fmt.Errorf("%w: %s", coord.ErrLockLost, h.Key)
	}
	l.recorder.Add("lock.release", 1, map[string]string{"result": "success"})
	return nil
}

// Renew extends the lease of h to lease from now, if h still owns the lock.
func (l *Locker) Renew(ctx context.Context, h *Handle, lease time.Duration) error {
	if lease <= 0 {
		return fmt.Errorf("%w: lease must be > 0", coord.ErrInvalidPolicy)
	}
	start := l.now()
	ok, err := l.store.CompareAndExpire(ctx, h.storeKey, h.Token, lease)
	if err != nil {
		l.recorder.Add("lock.renew", 1, map[string]string{"result": "error"})
		return err
	}
	if !ok {
		l.recorder.Add("lock.renew", 1, map[string]string{"result": "lost"})
		return fmt.Errorf("%w: %s", coord.ErrLockLost, h.Key)
	}
	l.recorder.Add("lock.renew", 1, map[string]string{"result": "success"})
	h.expiry.Store(start.Add(lease).UnixNano())
	return nil
}
