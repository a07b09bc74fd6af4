package shared

import (
	"errors"
	"fmt"
)

// Error kinds. Callers wrap these with fmt.Errorf("...: %w", ...) and the
// HTTP layer classifies with errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrParse      = errors.New("parse failed")
	ErrIO         = errors.New("io failure")
)

// ValidationError reports a rejected telemetry field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ErrorKind names the taxonomy bucket of err for REST bodies.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NotFoundError"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrParse):
		return "ParseError"
	case errors.Is(err, ErrIO):
		return "IOError"
	default:
		return "InternalError"
	}
}
