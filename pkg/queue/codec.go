package queue

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Typed carries values of type T through a named queue as JSON.
type Typed[T any] struct {
	q    *Queue
	name string
}

// NewTyped binds q to one queue name and element type.
func NewTyped[T any](q *Queue, name string) *Typed[T] {
	return &Typed[T]{q: q, name: name}
}

func (t *Typed[T]) Name() string { return t.name }

func (t *Typed[T]) Push(ctx context.Context, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue %s: encode: %w", t.name, err)
	}
	return t.q.Push(ctx, t.name, string(raw))
}

func (t *Typed[T]) Pop(ctx context.Context) (T, error) {
	raw, err := t.q.Pop(ctx, t.name)
	if err != nil {
		var zero T
		return zero, err
	}
	return t.decode(raw)
}

func (t *Typed[T]) Take(ctx context.Context, timeout time.Duration) (T, error) {
	raw, err := t.q.Take(ctx, t.name, timeout)
	if err != nil {
		var zero T
		return zero, err
	}
	return t.decode(raw)
}

// Handler adapts fn to a raw item Handler for Listen.
func (t *Typed[T]) Handler(fn func(context.Context, T) error) Handler {
	return func(ctx context.Context, item string) error {
		v, err := t.decode(item)
		if err != nil {
			return err
		}
		return fn(ctx, v)
	}
}

func (t *Typed[T]) decode(raw string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("queue %s: decode: %w", t.name, err)
	}
	return v, nil
}
