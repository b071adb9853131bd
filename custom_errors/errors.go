package custom_errors

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// PersistenceError reports a failed read or write against the job store.
type PersistenceError struct {
	Op  string
	Err error
}

func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// UnknownJobTypeError is returned when no handler is registered for a job type.
type UnknownJobTypeError struct {
	Type string
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("no handler registered for job type '%s'", e.Type)
}

// InvalidPayloadError is recorded for a job whose stored payload could not be decoded.
type InvalidPayloadError struct {
	JobID  int64
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s", e.Reason)
}

// HandlerFailure wraps the error a handler returned, or the value it panicked with.
type HandlerFailure struct {
	JobID int64
	Type  string
	Err   error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("job %d (%s) failed: %v", e.JobID, e.Type, e.Err)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Err
}

// WorkerFatalError is an error that escaped the worker loop and stops the worker.
type WorkerFatalError struct {
	Err error
}

func (e *WorkerFatalError) Error() string {
	return fmt.Sprintf("worker stopped on fatal error: %v", e.Err)
}

func (e *WorkerFatalError) Unwrap() error {
	return e.Err
}
