package rerun

import (
	"errors"
	"fmt"
	"strings"
)

// RuntimeError is an operational failure that exits with code 2, such as an
// invalid workspace or an unreachable cache.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError is a finished run with failed tests or unhandled errors (exit code 1)
type TestFailureError struct {
	Message string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(message string) *TestFailureError {
	return &TestFailureError{Message: message}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}

// ProcessTimeoutError is returned when shutdown did not finish within the
// teardown timeout. Causes name what was still running.
type ProcessTimeoutError struct {
	Causes []string
}

func (e *ProcessTimeoutError) Error() string {
	if len(e.Causes) == 0 {
		return "process did not exit in time"
	}
	return "process did not exit in time: " + strings.Join(e.Causes, "; ")
}

// IsProcessTimeoutError checks if the error is or wraps a ProcessTimeoutError
func IsProcessTimeoutError(err error) bool {
	var timeoutErr *ProcessTimeoutError
	return err != nil && errors.As(err, &timeoutErr)
}
