package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrExhausted is returned when every job slot is in use.
	ErrExhausted = errors.New("worker: job capacity exhausted")
	// ErrTooLarge is returned when a job's declared payload exceeds the limit.
	ErrTooLarge = errors.New("worker: job payload too large")
	// ErrInvalidJob is returned for nil, released, or stale handles.
	ErrInvalidJob = errors.New("worker: invalid job")
	// ErrNotSynchronous is returned by Run on a worker with goroutines.
	ErrNotSynchronous = errors.New("worker: not synchronous")
	// ErrRunning is returned by Run if it is already running.
	ErrRunning = errors.New("worker: already running")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("worker: stopped")
	// ErrEventsDisabled is returned by event registration when the worker was
	// built without an event bridge.
	ErrEventsDisabled = errors.New("worker: events disabled")
	// ErrNilFunc is returned when posting a nil callable.
	ErrNilFunc = errors.New("worker: nil job func")
)

// PanicError wraps a value recovered from a panicking job.
type PanicError struct {
	// Value is the value passed to panic.
	Value any
	// Job is the job's name, if it had one.
	Job string
	// Stack is the goroutine stack at the point of recovery.
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	if e.Job != "" {
		return fmt.Sprintf("worker: job %q panicked: %v", e.Job, e.Value)
	}
	return fmt.Sprintf("worker: job panicked: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
