package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError so callers can decide how to surface it.
type Kind string

const (
	// KindValidation marks records failing structural or business rules.
	KindValidation Kind = "validation"
	// KindPrecondition marks violated state-machine guards.
	KindPrecondition Kind = "precondition"
	// KindSecurity marks unsupported payment methods and failed verifications.
	KindSecurity Kind = "security"
	// KindOperational marks inconsistencies in external dependencies; retrying may succeed.
	KindOperational Kind = "operational"
	// KindNotFound marks missing records.
	KindNotFound Kind = "not_found"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Kind       Kind
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		if e.Message != "" {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newKind(kind Kind, code string, status int, err error, format string, args ...any) *AppError {
	return &AppError{
		Kind:       kind,
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: status,
		Err:        err,
	}
}

// Validation wraps err as a validation failure.
func Validation(err error, format string, args ...any) *AppError {
	return newKind(KindValidation, "VALIDATION_FAILED", http.StatusUnprocessableEntity, err, format, args...)
}

// Precondition wraps err as a state guard violation.
func Precondition(err error, format string, args ...any) *AppError {
	return newKind(KindPrecondition, "PRECONDITION_FAILED", http.StatusConflict, err, format, args...)
}

// Security wraps err as a security failure.
func Security(err error, format string, args ...any) *AppError {
	return newKind(KindSecurity, "SECURITY_ERROR", http.StatusForbidden, err, format, args...)
}

// Operational wraps err as an external dependency failure.
func Operational(err error, format string, args ...any) *AppError {
	return newKind(KindOperational, "OPERATIONAL_ERROR", http.StatusServiceUnavailable, err, format, args...)
}

// NotFound wraps err as a missing record.
func NotFound(err error, format string, args ...any) *AppError {
	return newKind(KindNotFound, "NOT_FOUND", http.StatusNotFound, err, format, args...)
}

// KindOf returns the kind of the first AppError in the chain, or "" when none.
func KindOf(err error) Kind {
	var target *AppError
	if errors.As(err, &target) {
		return target.Kind
	}
	return ""
}

// HasKind reports whether err carries the provided kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
