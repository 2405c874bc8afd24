// Package errors provides the error taxonomy shared by the local store,
// photo pipeline, remote client and sync orchestrator.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are stable strings so they
// can be surfaced verbatim to the UI collaborator.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Local store errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrStorageTransient   ErrorCode = "STORAGE_TRANSIENT"
	ErrDataIntegrity      ErrorCode = "DATA_INTEGRITY_WARNING"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"

	// Remote errors
	ErrRequiresConnection ErrorCode = "REQUIRES_CONNECTION"
	ErrNetworkTransport   ErrorCode = "NETWORK_TRANSPORT"
	ErrRemoteRejected     ErrorCode = "REMOTE_REJECTED"
	ErrAuthFailed         ErrorCode = "AUTH_FAILED"

	// Photo errors
	ErrPhotoInvalid ErrorCode = "PHOTO_INVALID"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when err carries none. A nil error has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether a failure with the given code is left for the
// next sync pass. Storage unavailability, data-integrity refusals and
// route creation offline are surfaced instead.
func Retryable(code ErrorCode) bool {
	switch code {
	case ErrNetworkTransport, ErrRemoteRejected, ErrAuthFailed, ErrStorageTransient:
		return true
	default:
		return false
	}
}
