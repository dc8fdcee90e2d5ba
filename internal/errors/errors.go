// Package errors provides service-level errors with stack traces and their
// mapping onto HTTP responses.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/copyleftdev/gpr/internal/optimization"
)

// Error is a service failure with the operation and component that raised
// it and the stack at construction.
type Error struct {
	Err       error
	Message   string
	Operation string
	Component string
	// Status overrides the HTTP status derived from Err when non-zero.
	Status int
	Stack  []string
}

// Error renders "message: operation=op, component=c: cause", omitting
// empty parts.
func (e *Error) Error() string {
	var where []string
	if e.Operation != "" {
		where = append(where, "operation="+e.Operation)
	}
	if e.Component != "" {
		where = append(where, "component="+e.Component)
	}

	parts := make([]string, 0, 3)
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if len(where) > 0 {
		parts = append(parts, strings.Join(where, ", "))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error { return e.Err }

// WithOperation records the operation that failed.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent records the component that failed.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithStatus pins the HTTP status reported for the error.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func (e *Error) StackTrace() []string { return e.Stack }

// newError is shared by the constructors so the captured stack starts at
// their caller.
func newError(cause error, msg string) *Error {
	return &Error{Err: cause, Message: msg, Stack: stackTrace(4)}
}

// New returns an error with msg.
func New(msg string) *Error { return newError(nil, msg) }

// Errorf returns an error with a formatted message.
func Errorf(format string, args ...interface{}) *Error {
	return newError(nil, fmt.Sprintf(format, args...))
}

// Wrap annotates err with msg. It returns nil for a nil err.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return newError(err, msg)
}

// Wrapf annotates err with a formatted message. It returns nil for a nil err.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(err, fmt.Sprintf(format, args...))
}

// stackTrace formats up to 32 frames, skipping skip frames and anything in
// the runtime or this package.
func stackTrace(skip int) []string {
	var pcs [32]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return nil
	}

	stack := make([]string, 0, n)
	frames := runtime.CallersFrames(pcs[:n])
	for frame, more := frames.Next(); ; frame, more = frames.Next() {
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}
	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// Unwrap returns the result of calling the Unwrap method on err, if any.
func Unwrap(err error) error { return stderrors.Unwrap(err) }

// HTTPStatus maps err onto a response status: shape errors are the
// client's fault, lifecycle errors conflict with the model's state, and
// numerical failures mean the request could not be processed.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if As(err, &e) && e.Status != 0 {
		return e.Status
	}
	switch {
	case Is(err, optimization.ErrDimensionMismatch):
		return http.StatusBadRequest
	case Is(err, optimization.ErrNotFitted), Is(err, optimization.ErrNotPrepared):
		return http.StatusConflict
	case Is(err, optimization.ErrNumericalInstability), Is(err, optimization.ErrOptimizationFailed):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Code returns a stable machine-readable name for err.
func Code(err error) string {
	switch {
	case Is(err, optimization.ErrDimensionMismatch):
		return "dimension_mismatch"
	case Is(err, optimization.ErrNotFitted):
		return "not_fitted"
	case Is(err, optimization.ErrNotPrepared):
		return "not_prepared"
	case Is(err, optimization.ErrNumericalInstability):
		return "numerical_instability"
	case Is(err, optimization.ErrOptimizationFailed):
		return "optimization_failed"
	}
	switch HTTPStatus(err) {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	}
	return "internal"
}
