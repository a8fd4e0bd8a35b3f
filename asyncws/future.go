package asyncws

import (
	"context"
	"sync"
)

// Future is a result that is settled exactly once, either with a value or an error.
// Settlement attempts after the first are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}

	val T
	err error

	mu        sync.Mutex
	callbacks []func(T, error)
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func resolved[T any](val T) *Future[T] {
	f := newFuture[T]()
	f.resolve(val)
	return f
}

func rejected[T any](err error) *Future[T] {
	f := newFuture[T]()
	f.reject(err)
	return f
}

func (f *Future[T]) resolve(val T) bool {
	return f.settle(val, nil)
}

func (f *Future[T]) reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(val T, err error) bool {
	won := false
	f.once.Do(func() {
		won = true

		f.mu.Lock()
		f.val, f.err = val, err
		callbacks := f.callbacks
		f.callbacks = nil
		close(f.done)
		f.mu.Unlock()

		for _, fn := range callbacks {
			fn(val, err)
		}
	})
	return won
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value and error. It must only be called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Then registers fn to run with the outcome. Callbacks run synchronously on the
// settling goroutine in registration order, or immediately if already settled.
func (f *Future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		val, err := f.val, f.err
		f.mu.Unlock()
		fn(val, err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Await blocks until the future settles or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Wait blocks until the future settles.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.Result()
}
