// Package errors provides the error code registry shared by the store, the
// sync engine and the CLI.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure independent of its message.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Store errors
	ErrDatabase           ErrorCode = "DATABASE_ERROR"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"
	ErrSchemaIncompatible ErrorCode = "SCHEMA_INCOMPATIBLE"
	ErrWriteConflict      ErrorCode = "WRITE_CONFLICT"
	ErrOrphanReference    ErrorCode = "ORPHAN_REFERENCE"

	// Sync errors
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncPullFailed    ErrorCode = "SYNC_PULL_FAILED"
	ErrSyncPushFailed    ErrorCode = "SYNC_PUSH_FAILED"
	ErrSyncStaleCursor   ErrorCode = "SYNC_STALE_CURSOR"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"

	// Secret tooling errors
	ErrDecryptionFailed ErrorCode = "DECRYPTION_FAILED"
	ErrCryptoFailed     ErrorCode = "CRYPTO_FAILED"
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

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Coder is implemented by typed errors that carry their own code.
type Coder interface {
	Code() ErrorCode
}

// CodeOf returns the code of the first coded error in err's chain.
// Errors without a code map to ErrInternal; nil maps to "".
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if appErr, ok := e.(*AppError); ok {
			return appErr.Code
		}
		if c, ok := e.(Coder); ok {
			return c.Code()
		}
	}
	return ErrInternal
}

// Is checks if err or any error it wraps carries the given code.
func Is(err error, code ErrorCode) bool {
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if appErr, ok := e.(*AppError); ok && appErr.Code == code {
			return true
		}
		if c, ok := e.(Coder); ok && c.Code() == code {
			return true
		}
	}
	return false
}
