package custom_errors

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersistenceError_Unwrap(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewPersistenceError("insert", sql.ErrConnDone))

	var pErr *PersistenceError
	assert.True(t, errors.As(err, &pErr))
	assert.Equal(t, "insert", pErr.Op)
	assert.True(t, errors.Is(err, sql.ErrConnDone))
	assert.Contains(t, err.Error(), "persistence error during insert")
}

func TestUnknownJobTypeError(t *testing.T) {
	err := &UnknownJobTypeError{Type: "SendEmailJob"}
	assert.Equal(t, "no handler registered for job type 'SendEmailJob'", err.Error())
}

func TestHandlerFailure_Unwrap(t *testing.T) {
	cause := &UnknownJobTypeError{Type: "X"}
	err := &HandlerFailure{JobID: 7, Type: "X", Err: cause}

	var unknown *UnknownJobTypeError
	assert.True(t, errors.As(err, &unknown))
	assert.Contains(t, err.Error(), "job 7 (X) failed")
}

func TestWorkerFatalError_Unwrap(t *testing.T) {
	err := &WorkerFatalError{Err: NewPersistenceError("fetch next job", sql.ErrConnDone)}

	var pErr *PersistenceError
	assert.True(t, errors.As(err, &pErr))
	assert.True(t, errors.Is(err, sql.ErrConnDone))
}

func TestValidationError(t *testing.T) {
	v := &ValidationError{}
	assert.False(t, v.HasError())
	assert.Equal(t, "", v.Error())

	v.Add(errors.New("first"))
	v.Add(errors.New("second"))
	assert.True(t, v.HasError())
	assert.Contains(t, v.Error(), "first")
	assert.Contains(t, v.Error(), "second")
}

func TestValidationError_Check(t *testing.T) {
	v := &ValidationError{}
	v.Check(true, "never recorded")
	v.Check(false, "worker count must be positive")
	v.Add(nil)

	assert.Len(t, v.Errors, 1)
	assert.Equal(t, "invalid configuration: worker count must be positive", v.Error())
}
