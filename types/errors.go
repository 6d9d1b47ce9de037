package types

import (
	"errors"
	"fmt"
	"strings"
)

// PendingErrorCode marks an error raised by a test that was deliberately left pending.
const PendingErrorCode = "RERUN_PENDING"

// SerializedError is the wire form of an error crossing the worker boundary.
// Aggregates carry their children in Errors.
type SerializedError struct {
	Name    string            `json:"name,omitempty"`
	Message string            `json:"message"`
	Stack   string            `json:"stack,omitempty"`
	Code    string            `json:"code,omitempty"`
	TaskID  string            `json:"taskId,omitempty"`
	Errors  []SerializedError `json:"errors,omitempty"`
}

func (e *SerializedError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap exposes aggregated children so they can be walked with errors.As and
// decomposed by the state manager.
func (e *SerializedError) Unwrap() []error {
	if len(e.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(e.Errors))
	for i := range e.Errors {
		errs = append(errs, &e.Errors[i])
	}
	return errs
}

// IsAggregate reports whether the error only groups other errors
func (e *SerializedError) IsAggregate() bool {
	return len(e.Errors) > 0
}

// PendingError signals that a task did not run to completion on purpose
type PendingError struct {
	TaskID string
	Reason string
}

func (e *PendingError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("task %s is pending", e.TaskID)
	}
	return fmt.Sprintf("task %s is pending: %s", e.TaskID, e.Reason)
}

// AsPending extracts the pending task id from err, if it is a pending marker
func AsPending(err error) (string, bool) {
	var pending *PendingError
	if errors.As(err, &pending) {
		return pending.TaskID, true
	}
	var serialized *SerializedError
	if errors.As(err, &serialized) && serialized.Code == PendingErrorCode {
		return serialized.TaskID, true
	}
	return "", false
}

// UnhandledError is an error recorded outside of any task result
type UnhandledError struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
}

func (e *UnhandledError) String() string {
	var sb strings.Builder
	sb.WriteString(e.Type)
	sb.WriteString(": ")
	if e.Name != "" {
		sb.WriteString(e.Name)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	return sb.String()
}

// SerializeError converts an arbitrary error into its wire form
func SerializeError(err error) SerializedError {
	var serialized *SerializedError
	if errors.As(err, &serialized) {
		return *serialized
	}
	out := SerializedError{Message: err.Error()}
	var pending *PendingError
	if errors.As(err, &pending) {
		out.Code = PendingErrorCode
		out.TaskID = pending.TaskID
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, child := range joined.Unwrap() {
			out.Errors = append(out.Errors, SerializeError(child))
		}
	}
	return out
}
