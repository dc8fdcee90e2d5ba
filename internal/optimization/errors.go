package optimization

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the Gaussian process engine. Wrapped errors
// returned by the engine match these with errors.Is.
var (
	// ErrDimensionMismatch reports inconsistent row or column counts.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrNotFitted reports an operation that needs hyperparameters before
	// any were fitted or set.
	ErrNotFitted = errors.New("model has no hyperparameters")
	// ErrNotPrepared reports a prediction without a matching cached
	// factorization.
	ErrNotPrepared = errors.New("model is not prepared")
	// ErrNumericalInstability reports a covariance matrix that could not be
	// factorized even after jitter retries.
	ErrNumericalInstability = errors.New("numerical instability")
	// ErrOptimizationFailed reports a refinement that could not produce a
	// finite objective.
	ErrOptimizationFailed = errors.New("optimization failed")
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
	// Fallback holds the last valid parameter vector when the failing
	// operation had one to offer.
	Fallback []float64
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	switch {
	case e.Component != "" && e.Op != "":
		prefix = e.Component + ": " + e.Op
	case e.Component != "":
		prefix = e.Component
	case e.Op != "":
		prefix = e.Op
	}

	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		} else {
			msg = e.Err.Error()
		}
	}
	if prefix != "" {
		return prefix + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithFallback attaches a copy of the last valid parameter vector.
func (e *Error) WithFallback(params []float64) *Error {
	e.Fallback = append([]float64(nil), params...)
	return e
}

// NewError creates a new optimization error with the given message.
func NewError(message string) *Error {
	return &Error{
		Message: message,
	}
}

// NewErrorf creates a new optimization error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// IsOptimizationError reports whether err's chain contains an *Error and
// returns the outermost one. Wrapping with fmt.Errorf keeps it reachable.
func IsOptimizationError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// FallbackParams returns the fallback parameter vector carried anywhere in
// err's chain.
func FallbackParams(err error) ([]float64, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Fallback != nil {
			return append([]float64(nil), e.Fallback...), true
		}
		err = errors.Unwrap(err)
	}
	return nil, false
}
