package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

// ErrPanic is wrapped by the error of a Pending whose function panicked.
var ErrPanic = errors.New("panic in handler")

// Pending is the deferred completion of a lifecycle handler.
// It resolves exactly once, with either a value or an error.
type Pending[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Go runs fn in a new goroutine and returns its pending result.
// A panic in fn rejects the result with an error wrapping ErrPanic.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		p.value, p.err = fn(ctx)
	}()
	return p
}

// Resolved returns an already completed Pending with the given value.
func Resolved[T any](value T) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{}), value: value}
	close(p.done)
	return p
}

// Rejected returns an already completed Pending with the given error.
func Rejected[T any](err error) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

// Done is closed when the result is available.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result is available or ctx is done.
// The handler keeps running if ctx is done first.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
