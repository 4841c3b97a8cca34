package utils

import (
	"errors"
	"fmt"
	"runtime"
)

// AppError represents an application error with context
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any.
func (e *AppError) Unwrap() error { return e.cause }

// Is matches any AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// NewAppError creates a new application error
func NewAppError(code, message string, details ...string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	err := &AppError{
		Code:    code,
		Message: message,
		File:    file,
		Line:    line,
	}

	if len(details) > 0 {
		err.Details = details[0]
	}

	return err
}

// WrapError creates an application error that keeps cause in the chain.
func WrapError(code, message string, cause error) *AppError {
	_, file, line, _ := runtime.Caller(1)

	err := &AppError{
		Code:    code,
		Message: message,
		File:    file,
		Line:    line,
		cause:   cause,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// ErrorCode returns the AppError code found in err's chain, or "".
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Common error codes
const (
	ErrCodeDatabase      = "DATABASE_ERROR"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeExternal      = "EXTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeConflict      = "CONFLICT"
)

// IsNotFound reports whether err carries ErrCodeNotFound.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrCodeNotFound
}
