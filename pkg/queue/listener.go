package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manenim/coordkit/pkg/coord"
)

const (
	defaultPollTimeout  = time.Second
	defaultErrorBackoff = time.Second
)

// Handler processes one item taken from a queue. Returned errors are logged
// and counted; the item is not redelivered.
type Handler func(ctx context.Context, item string) error

type listenConfig struct {
	pollTimeout  time.Duration
	concurrency  int
	errorBackoff time.Duration
}

type ListenOption func(*listenConfig)

// WithPollTimeout bounds each Take, and so how long Stop waits for the poll
// loop to notice (default 1s).
func WithPollTimeout(d time.Duration) ListenOption {
	return func(c *listenConfig) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithConcurrency sets how many handlers may run at once (default 1).
func WithConcurrency(n int) ListenOption {
	return func(c *listenConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithErrorBackoff sets the pause after a failed Take (default 1s).
func WithErrorBackoff(d time.Duration) ListenOption {
	return func(c *listenConfig) {
		if d > 0 {
			c.errorBackoff = d
		}
	}
}

// Listener consumes a queue in the background until stopped.
type Listener struct {
	q       *Queue
	name    string
	handler Handler
	cfg     listenConfig

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Listen starts consuming name with h. Handlers run with ctx, so cancelling
// ctx stops the listener and signals in-flight handlers; Stop only stops
// taking new items and waits for the ones already taken.
func (q *Queue) Listen(ctx context.Context, name string, h Handler, opts ...ListenOption) (*Listener, error) {
	if h == nil {
		return nil, fmt.Errorf("queue: handler is required")
	}
	if _, err := q.storeKey(name); err != nil {
		return nil, err
	}
	cfg := listenConfig{
		pollTimeout:  defaultPollTimeout,
		concurrency:  1,
		errorBackoff: defaultErrorBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	l := &Listener{
		q:       q,
		name:    name,
		handler: h,
		cfg:     cfg,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go l.run(pollCtx, ctx)
	return l, nil
}

func (l *Listener) run(pollCtx, handlerCtx context.Context) {
	defer close(l.done)

	logger := l.q.logger.With("queue", l.name)
	logger.Info("listener started", "concurrency", l.cfg.concurrency)
	defer logger.Info("listener stopped")

	// Each consumer takes an item only after finishing the previous one, so
	// at most concurrency items are in flight and none wait in memory.
	var g errgroup.Group
	for i := 0; i < l.cfg.concurrency; i++ {
		g.Go(func() error {
			l.consume(pollCtx, handlerCtx, logger)
			return nil
		})
	}
	_ = g.Wait()
}

func (l *Listener) consume(pollCtx, handlerCtx context.Context, logger *slog.Logger) {
	for pollCtx.Err() == nil {
		item, err := l.q.Take(pollCtx, l.name, l.cfg.pollTimeout)
		if err != nil {
			switch {
			case pollCtx.Err() != nil:
				return
			case errors.Is(err, coord.ErrQueueTimedOut):
				continue
			}
			logger.Warn("take failed", "error", err)
			select {
			case <-time.After(l.cfg.errorBackoff):
			case <-pollCtx.Done():
			}
			continue
		}
		l.handle(handlerCtx, logger, item)
	}
}

func (l *Listener) handle(ctx context.Context, logger *slog.Logger, item string) {
	defer func() {
		if r := recover(); r != nil {
			l.q.recorder.Add("queue.handler_panic", 1, nil)
			logger.Error("handler panicked", "panic", r)
		}
	}()
	if err := l.handler(ctx, item); err != nil {
		l.q.recorder.Add("queue.handler_error", 1, nil)
		logger.Error("handler failed", "error", err)
		return
	}
	l.q.recorder.Add("queue.handled", 1, nil)
}

// Stop stops taking new items and waits for running handlers to return.
// It is safe to call more than once.
func (l *Listener) Stop() {
	l.stopOnce.Do(l.cancel)
	<-l.done
}

// Done is closed once the listener has fully stopped.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}
