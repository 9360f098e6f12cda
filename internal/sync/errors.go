package sync

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/agrios/offline/internal/errors"
)

// Failure stages.
const (
	StageCursor  = "cursor"
	StageRequest = "request"
	StageApply   = "apply"
	StageCapture = "capture"
	StageAck     = "ack"
)

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// PullFailure reports a failed pull step. Nothing pulled in the failed cycle
// was applied and the cursor did not move.
type PullFailure struct {
	Stage string
	Err   error
}

func (e *PullFailure) Error() string {
	return fmt.Sprintf("sync pull failed (%s): %v", e.Stage, e.Err)
}

func (e *PullFailure) Unwrap() error { return e.Err }

// Code implements errors.Coder.
func (e *PullFailure) Code() apperrors.ErrorCode { return apperrors.ErrSyncPullFailed }

// PushFailure reports a failed push step. Local pending markers are left in
// place, so the same changes are pushed again by a later cycle.
type PushFailure struct {
	Stage string
	Err   error
}

func (e *PushFailure) Error() string {
	if e.Stale() {
		return fmt.Sprintf("sync push rejected as stale, pull required: %v", e.Err)
	}
	return fmt.Sprintf("sync push failed (%s): %v", e.Stage, e.Err)
}

func (e *PushFailure) Unwrap() error { return e.Err }

// Stale reports whether the server rejected the push because changes newer
// than our cursor exist on the server.
func (e *PushFailure) Stale() bool {
	var sc statusCoder
	return errors.As(e.Err, &sc) && sc.StatusCode() == http.StatusConflict
}

// Code implements errors.Coder.
func (e *PushFailure) Code() apperrors.ErrorCode {
	if e.Stale() {
		return apperrors.ErrSyncStaleCursor
	}
	return apperrors.ErrSyncPushFailed
}

// ErrNotConfigured is returned by Sync when the engine has no remote.
var ErrNotConfigured = apperrors.New(apperrors.ErrSyncNotConfigured, "sync remote is not configured")
