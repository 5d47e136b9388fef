package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/manenim/coordkit/pkg/coord"
)

// KeepAlive renews h every interval until ctx is cancelled.
// The returned channel receives at most one error and is closed on exit:
//   - coord.ErrLockLost if a renewal finds the lock owned by someone else, or
//     if store errors persist until the lease has run out;
//   - nothing if ctx was cancelled first.
//
// Transient store errors are retried on the next tick while the lease is
// still valid.
func (l *Locker) KeepAlive(ctx context.Context, h *Handle, lease, interval time.Duration) <-chan error {
	errCh := make(chan error, 1)
	if interval <= 0 || interval >= lease {
		interval = lease / 3
	}

	go func() {
		defer close(errCh)

		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				err := l.Renew(ctx, h, lease)
				switch {
				case err == nil:
					continue
				case ctx.Err() != nil:
					return
				case errors.Is(err, coord.ErrLockLost):
					errCh <- err
					return
				}
				l.logger.Warn("lease renewal failed", "key", h.Key.String(), "error", err)
				if !l.now().Before(h.LeaseExpiry()) {
					errCh <- fmt.Errorf("%w: %s: lease ran out while renewals failed: %v", coord.ErrLockLost, h.Key, err)
					return
				}
			}
		}
	}()

	return errCh
}

// WithLock runs fn while holding the lock at key.
//
// The lock is acquired with Acquire(lease, wait), kept alive in the background
// and released when fn returns. If the lease is lost while fn runs, the
// context passed to fn is cancelled with coord.ErrLockLost as its cause and
// WithLock returns an error matching coord.ErrLockLost; fn must stop as soon
// as its context is done.
func (l *Locker) WithLock(ctx context.Context, key coord.Key, lease, wait time.Duration, fn func(context.Context) error) error {
	h, err := l.Acquire(ctx, key, lease, wait)
	if err != nil {
		return err
	}

	workCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	keepCtx, stopKeepAlive := context.WithCancel(ctx)
	lost := l.KeepAlive(keepCtx, h, lease, 0)
	watchDone := make(chan struct{})
	var lostErr error
	go func() {
		defer close(watchDone)
		if err, ok := <-lost; ok && err != nil {
			lostErr = err
			cancel(err)
		}
	}()

	fnErr := fn(workCtx)

	stopKeepAlive()
	<-watchDone

	if lostErr != nil {
		return errors.Join(lostErr, fnErr)
	}
	relErr := l.Release(context.WithoutCancel(ctx), h)
	return errors.Join(fnErr, relErr)
}
