package future

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/clock"
)

// Future is a single-assignment container that becomes done exactly once,
// either with a value or with an error. Waiters select on Done(); callbacks
// registered with WhenDone run after completion on the completing goroutine.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future that is already done with the given value.
func Completed[T any](value T) *Future[T] {
	f := New[T]()
	f.Complete(value)
	return f
}

// Failed returns a future that is already done with the given error.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete resolves the future. Only the first resolution wins; later calls
// report false and are otherwise ignored.
func (f *Future[T]) Complete(value T) bool {
	return f.resolve(value, nil)
}

func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(zero, err)
}

func (f *Future[T]) resolve(value T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()
	for _, callback := range callbacks {
		callback(value, err)
	}
	return true
}

func (f *Future[T]) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Done returns a channel closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future is resolved or ctx is cancelled.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, errors.WithStack(ctx.Err())
	}
}

// Value returns the resolution of a done future.
// It must only be called once IsDone reports true.
func (f *Future[T]) Value() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.completed {
		var zero T
		return zero, errors.New("future is not done")
	}
	return f.value, f.err
}

// WhenDone registers a callback invoked with the resolution.
// If the future is already done the callback runs synchronously.
func (f *Future[T]) WhenDone(callback func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, callback)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	callback(value, err)
}

// All returns a future resolved with every input value, in input order, once
// all inputs are done. It fails with the first error observed.
func All[T any](futures []*Future[T]) *Future[[]T] {
	result := New[[]T]()
	if len(futures) == 0 {
		result.Complete(nil)
		return result
	}
	var mu sync.Mutex
	remaining := len(futures)
	values := make([]T, len(futures))
	for i, f := range futures {
		i := i
		f.WhenDone(func(value T, err error) {
			if err != nil {
				result.Fail(err)
				return
			}
			mu.Lock()
			values[i] = value
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				result.Complete(values)
			}
		})
	}
	return result
}

// Awaitable is the readiness aspect of a future, independent of its value type.
type Awaitable interface {
	Done() <-chan struct{}
	IsDone() bool
}

// AwaitAny blocks until any of the given futures is done, the timeout expires,
// or ctx is cancelled. A nil error means at least one future completed or the
// timeout elapsed; ctx cancellation is returned as an error.
func AwaitAny(ctx context.Context, clk clock.Clock, timeout time.Duration, futures []Awaitable) error {
	any := make(chan struct{}, 1)
	stop := make(chan struct{})
	defer close(stop)
	for _, f := range futures {
		if f.IsDone() {
			return nil
		}
		go func(f Awaitable) {
			select {
			case <-f.Done():
				select {
				case any <- struct{}{}:
				default:
				}
			case <-stop:
			}
		}(f)
	}
	timer := clk.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-any:
		return nil
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}
