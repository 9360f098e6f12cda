package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agrios/offline/internal/uuid"
)

// Resolutions recorded in the conflict log.
const (
	// ResolutionRemoteWins: a pulled deletion removed a row with pending
	// local edits.
	ResolutionRemoteWins = "remote_wins"
	// ResolutionLocalKept: pulled values were applied around the locally
	// edited columns, which stay pending for the next push.
	ResolutionLocalKept = "local_kept"
)

// Conflict is a pulled change that touched a row with pending local edits.
type Conflict struct {
	ID              string
	Table           string
	RecordID        string
	LocalStatus     Status
	LocalUpdatedAt  int64
	RemoteUpdatedAt int64
	LocalSnapshot   Fields
	Resolution      string
	DetectedAt      int64
}

func newConflict(local *Record, remoteUpdatedAt, now int64, resolution string) Conflict {
	return Conflict{
		ID:              uuid.New(),
		Table:           local.Table,
		RecordID:        local.ID,
		LocalStatus:     local.Status,
		LocalUpdatedAt:  local.UpdatedAt,
		RemoteUpdatedAt: remoteUpdatedAt,
		LocalSnapshot:   local.Fields,
		Resolution:      resolution,
		DetectedAt:      now,
	}
}

func insertConflict(ctx context.Context, tx *sql.Tx, c Conflict) error {
	snapshot, err := json.Marshal(c.LocalSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode conflict snapshot: %w", err)
	}
	query := `INSERT INTO ` + conflictTable + ` (id, table_name, record_id, local_status,
		local_updated_at, remote_updated_at, local_snapshot, resolution, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query, c.ID, c.Table, c.RecordID, string(c.LocalStatus),
		c.LocalUpdatedAt, c.RemoteUpdatedAt, string(snapshot), c.Resolution, c.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to record conflict on %s/%s: %w", c.Table, c.RecordID, err)
	}
	return nil
}

// Conflicts returns recorded conflicts, newest first. limit <= 0 means all.
func (s *Store) Conflicts(ctx context.Context, limit int) ([]Conflict, error) {
	query := `SELECT id, table_name, record_id, local_status, local_updated_at,
		remote_updated_at, local_snapshot, resolution, detected_at
		FROM ` + conflictTable + ` ORDER BY detected_at DESC, id`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var status, snapshot string
		if err := rows.Scan(&c.ID, &c.Table, &c.RecordID, &status, &c.LocalUpdatedAt,
			&c.RemoteUpdatedAt, &snapshot, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.LocalStatus = Status(status)
		if err := json.Unmarshal([]byte(snapshot), &c.LocalSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode conflict snapshot %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
