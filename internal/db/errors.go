package db

import (
	"fmt"

	apperrors "github.com/agrios/offline/internal/errors"
)

// storeError is a sentinel carrying an error code.
type storeError struct {
	msg  string
	code apperrors.ErrorCode
}

func (e *storeError) Error() string             { return e.msg }
func (e *storeError) Code() apperrors.ErrorCode { return e.code }

var (
	// ErrNotFound is returned when no row has the requested identifier.
	ErrNotFound error = &storeError{"record not found", apperrors.ErrNotFound}

	// ErrWriterClosed is returned when a Writer is used after WithWriter returned.
	ErrWriterClosed error = &storeError{"writer used outside its scope", apperrors.ErrInvalid}

	ErrUnknownTable  error = &storeError{"unknown table", apperrors.ErrInvalid}
	ErrUnknownColumn error = &storeError{"unknown column", apperrors.ErrInvalid}

	// ErrRecordDeleted is returned when updating a soft-deleted row.
	ErrRecordDeleted error = &storeError{"record is deleted", apperrors.ErrInvalid}

	// ErrCursorRegression is returned by SetLastPulledAt for a smaller value.
	ErrCursorRegression error = &storeError{"pull cursor cannot move backwards", apperrors.ErrSyncStaleCursor}
)

// SchemaIncompatibleError reports a persisted store the declared schema
// cannot open.
type SchemaIncompatibleError struct {
	Persisted int
	Declared  int
	Err       error
}

func (e *SchemaIncompatibleError) Error() string {
	msg := fmt.Sprintf("store schema version %d is incompatible with declared version %d", e.Persisted, e.Declared)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaIncompatibleError) Unwrap() error             { return e.Err }
func (e *SchemaIncompatibleError) Code() apperrors.ErrorCode { return apperrors.ErrSchemaIncompatible }

// WriteConflictError reports a constraint violation inside a writer scope.
// The surrounding transaction is always rolled back.
type WriteConflictError struct {
	Table string
	ID    string
	Err   error
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict on %s/%s: %v", e.Table, e.ID, e.Err)
}

func (e *WriteConflictError) Unwrap() error             { return e.Err }
func (e *WriteConflictError) Code() apperrors.ErrorCode { return apperrors.ErrWriteConflict }
