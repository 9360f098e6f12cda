package models

import (
	"context"
	"time"

	"github.com/agrios/offline/internal/db"
)

// ConflictLog records a pulled change that touched a row with pending local edits.
type ConflictLog struct {
	ID              string                 `json:"id"`
	Table           string                 `json:"table"`
	RecordID        string                 `json:"record_id"`
	LocalStatus     string                 `json:"local_status"`
	LocalUpdatedAt  int64                  `json:"local_updated_at"`
	RemoteUpdatedAt int64                  `json:"remote_updated_at"`
	LocalSnapshot   map[string]interface{} `json:"local_snapshot"`
	Resolution      string                 `json:"resolution"` // remote_wins or local_kept
	DetectedAt      int64                  `json:"detected_at"`
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// ConflictLogFromStore maps a stored conflict.
func ConflictLogFromStore(c db.Conflict) *ConflictLog {
	return &ConflictLog{
		ID:              c.ID,
		Table:           c.Table,
		RecordID:        c.RecordID,
		LocalStatus:     string(c.LocalStatus),
		LocalUpdatedAt:  c.LocalUpdatedAt,
		RemoteUpdatedAt: c.RemoteUpdatedAt,
		LocalSnapshot:   c.LocalSnapshot,
		Resolution:      c.Resolution,
		DetectedAt:      c.DetectedAt,
	}
}

// ConflictSource lists stored conflicts.
type ConflictSource interface {
	Conflicts(ctx context.Context, limit int) ([]db.Conflict, error)
}

// ListConflicts returns recorded conflicts, newest first.
func ListConflicts(ctx context.Context, src ConflictSource, limit int) ([]*ConflictLog, error) {
	conflicts, err := src.Conflicts(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*ConflictLog, len(conflicts))
	for i, c := range conflicts {
		out[i] = ConflictLogFromStore(c)
	}
	return out, nil
}
