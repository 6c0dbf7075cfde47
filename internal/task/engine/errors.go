package engine

import "errors"

var (
	ErrDisabled = errors.New("task engine disabled")
	ErrStopped  = errors.New("task engine stopped")
	ErrStopping = errors.New("task engine stopping")
)

// PanicError is the failure recorded when a task panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return "panic: " + formatPanic(e.Value) }
