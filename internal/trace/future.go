package trace

import (
	"context"
	"sync"
)

// ResultFuture holds the eventual result of a submitted backing query.
// It is completed exactly once; later completions are ignored.
type ResultFuture[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// NewResultFuture returns a pending future.
func NewResultFuture[T any]() *ResultFuture[T] {
	return &ResultFuture[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved[T any](value T, err error) *ResultFuture[T] {
	f := NewResultFuture[T]()
	f.Complete(value, err)
	return f
}

// Submit runs fn on its own goroutine and returns a future for its result.
func Submit[T any](ctx context.Context, fn func(context.Context) (T, error)) *ResultFuture[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	f := NewResultFuture[T]()
	go func() {
		f.Complete(fn(ctx))
	}()
	return f
}

// Complete sets the result and wakes every waiter.
func (f *ResultFuture[T]) Complete(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future has a result.
func (f *ResultFuture[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the result is available or ctx ends.
func (f *ResultFuture[T]) Get(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
