// Package models provides the typed Agri-OS records on top of the local store.
//
// Each model maps its table's columns explicitly in FromRecord and Fields;
// there is no reflection. Mutations take a *db.Writer so they can only run
// inside a writer scope.
package models

import (
	"context"
	"fmt"

	"github.com/agrios/offline/internal/db"
	apperrors "github.com/agrios/offline/internal/errors"
)

// Finder looks up a single row by id.
type Finder interface {
	FindByID(ctx context.Context, table, id string) (*db.Record, error)
}

// Reader is the read side of the store used by list functions.
type Reader interface {
	Finder
	Query(ctx context.Context, table string, filters ...db.Filter) ([]*db.Record, error)
}

// ValidationError reports a field that failed a model rule.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Code() apperrors.ErrorCode { return apperrors.ErrValidation }

// OrphanReferenceError reports a log whose farmer_id has no farmer row.
type OrphanReferenceError struct {
	LogID    string
	FarmerID string
	Err      error
}

func (e *OrphanReferenceError) Error() string {
	return fmt.Sprintf("log %s references missing farmer %s", e.LogID, e.FarmerID)
}

func (e *OrphanReferenceError) Unwrap() error { return e.Err }

func (e *OrphanReferenceError) Code() apperrors.ErrorCode { return apperrors.ErrOrphanReference }
