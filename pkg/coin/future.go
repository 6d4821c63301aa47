package coin

import (
	"context"
	"sync"
)

// Future is the pending result of an asynchronous operation. It is
// completed exactly once; later completions are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(v T, err error) bool {
	ok := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		ok = true
	})
	return ok
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome of a completed future. It must only be
// called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}
