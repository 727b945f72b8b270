package runner

import (
	"context"
	"sync"
)

// deferred is a one-shot settled value: it can be resolved or rejected exactly
// once, and any number of waiters observe the outcome. It replaces the
// promise-with-exposed-resolvers idiom with a closed channel latch.
type deferred[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newDeferred[T any]() *deferred[T] {
	return &deferred[T]{done: make(chan struct{})}
}

// resolve settles the deferred successfully. Later settle calls are no-ops.
func (d *deferred[T]) resolve(v T) {
	d.once.Do(func() {
		d.val = v
		close(d.done)
	})
}

// reject settles the deferred with err. Later settle calls are no-ops.
func (d *deferred[T]) reject(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// wait blocks until the deferred settles or ctx is done.
func (d *deferred[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.val, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
