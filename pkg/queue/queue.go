package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manenim/coordkit/pkg/coord"
	"github.com/manenim/coordkit/pkg/store"
)

const defaultPrefix = "coord:"

// ErrEmpty is returned by Pop and Peek when the queue holds nothing.
var ErrEmpty = errors.New("queue is empty")

// Queue is a named FIFO list in the shared store. Items are delivered at most
// once: whoever pops an item owns it, and a consumer that crashes after
// popping loses it.
type Queue struct {
	store    store.Store
	prefix   string
	recorder coord.MetricsRecorder
	logger   *slog.Logger
}

type Option func(*Queue)

// WithPrefix sets the key prefix (default "coord:").
func WithPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

func WithRecorder(r coord.MetricsRecorder) Option {
	return func(q *Queue) {
		if r != nil {
			q.recorder = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New constructs a Queue facade over s.
func New(s store.Store, opts ...Option) (*Queue, error) {
	if s == nil {
		return nil, fmt.Errorf("queue: store is required")
	}
	q := &Queue{
		store:    s,
		prefix:   defaultPrefix,
		recorder: &coord.NoOpMetricsRecorder{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q, nil
}

func (q *Queue) storeKey(name string) (string, error) {
	k := coord.Key{Kind: coord.KindQueue, Operation: name}
	if err := k.Validate(); err != nil {
		return "", err
	}
	return q.prefix + k.String(), nil
}

// Push appends item to the tail of the queue.
func (q *Queue) Push(ctx context.Context, name, item string) error {
	k, err := q.storeKey(name)
	if err != nil {
		return err
	}
	if err := q.store.Push(ctx, k, item); err != nil {
		q.recorder.Add("queue.error", 1, map[string]string{"op": "push"})
		return err
	}
	q.recorder.Add("queue.push", 1, nil)
	return nil
}

// Pop removes the head of the queue without waiting, or returns ErrEmpty.
func (q *Queue) Pop(ctx context.Context, name string) (string, error) {
	k, err := q.storeKey(name)
	if err != nil {
		return "", err
	}
	v, ok, err := q.store.Pop(ctx, k)
	if err != nil {
		q.recorder.Add("queue.error", 1, map[string]string{"op": "pop"})
		return "", err
	}
	if !ok {
		return "", ErrEmpty
	}
	q.recorder.Add("queue.pop", 1, nil)
	return v, nil
}

// Take removes the head of the queue, waiting up to timeout for one to
// arrive. If nothing arrives in time the error matches coord.ErrQueueTimedOut.
// A timeout <= 0 behaves like Pop but still reports coord.ErrQueueTimedOut.
func (q *Queue) Take(ctx context.Context, name string, timeout time.Duration) (string, error) {
	k, err := q.storeKey(name)
	if err != nil {
		return "", err
	}
	v, ok, err := q.store.BlockingPop(ctx, k, timeout)
	if err != nil {
		if ctx.Err() == nil {
			q.recorder.Add("queue.error", 1, map[string]string{"op": "take"})
		}
		return "", err
	}
	if !ok {
		q.recorder.Add("queue.timeout", 1, nil)
		return "", fmt.Errorf("%w: %s after %s", coord.ErrQueueTimedOut, name, timeout)
	}
	q.recorder.Add("queue.pop", 1, nil)
	return v, nil
}

// Peek returns the head of the queue without removing it, or ErrEmpty.
func (q *Queue) Peek(ctx context.Context, name string) (string, error) {
	k, err := q.storeKey(name)
	if err != nil {
		return "", err
	}
	v, ok, err := q.store.Peek(ctx, k)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrEmpty
	}
	return v, nil
}

// Len returns the number of items waiting in the queue.
func (q *Queue) Len(ctx context.Context, name string) (int64, error) {
	k, err := q.storeKey(name)
	if err != nil {
		return 0, err
	}
	return q.store.Len(ctx, k)
}
