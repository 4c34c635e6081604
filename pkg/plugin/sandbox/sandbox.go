package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrAbandoned is returned by Run when the context finished before fn did.
var ErrAbandoned = errors.New("execution abandoned")

// PanicError carries a recovered panic value and the stack it was raised on.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Guard calls fn and turns a panic into a *PanicError.
func Guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Run executes fn on its own goroutine and waits for it or for ctx, whichever
// finishes first. fn is always started, even for a context that is already
// done. An abandoned fn keeps running until it returns; its result is dropped.
func Run[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type outcome struct {
		v   T
		err error
	}

	done := make(chan outcome, 1)
	go func() {
		v, err := Guard(fn)
		done <- outcome{v: v, err: err}
	}()

	select {
	case out := <-done:
		return out.v, out.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
	}
}
