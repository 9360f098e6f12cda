package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agrios/offline/internal/protocol"
	"github.com/agrios/offline/internal/schema"
	"github.com/agrios/offline/internal/uuid"
)

// ApplyStats summarizes one ApplyRemoteChanges call.
type ApplyStats struct {
	Inserted  int // rows that did not exist locally
	Updated   int // existing rows written
	Deleted   int // rows newly marked deleted
	Conflicts []Conflict
}

// Total returns the number of rows written.
func (a ApplyStats) Total() int {
	return a.Inserted + a.Updated + a.Deleted
}

// ApplyRemoteChanges upserts pulled created/updated records by id and marks
// pulled deletions, all in one transaction.
//
// Pulled values are applied to rows with pending local changes too, except
// for the synced columns edited locally since the last push (all of them for
// a row created locally). Such rows keep their pending status and version, so
// the next push re-asserts the local edit; a pending local deletion stays
// pending. A pulled deletion always wins. Each pull onto a pending row records
// a Conflict. Applying the same change set twice leaves the rows as applying
// it once.
func (s *Store) ApplyRemoteChanges(ctx context.Context, changes protocol.ChangeSet) (ApplyStats, error) {
	for _, name := range changes.Tables() {
		if _, err := s.table(name); err != nil {
			return ApplyStats{}, err
		}
	}

	var stats ApplyStats
	err := s.write(ctx, func(tx *sql.Tx) error {
		stats = ApplyStats{}
		now := s.nowMillis()
		for _, name := range changes.Tables() {
			t := s.tables[name]
			tc := changes[name]
			for _, rec := range tc.Created {
				if err := applyUpsert(ctx, tx, t, rec, now, &stats); err != nil {
					return err
				}
			}
			for _, rec := range tc.Updated {
				if err := applyUpsert(ctx, tx, t, rec, now, &stats); err != nil {
					return err
				}
			}
			for _, id := range tc.Deleted {
				if err := applyDelete(ctx, tx, t, id, now, &stats); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return ApplyStats{}, err
	}
	return stats, nil
}

// remoteValues encodes the synced columns present in rec. Local-only and
// unknown keys are ignored.
func remoteValues(t *table, rec protocol.Record) (map[string]interface{}, error) {
	values := make(map[string]interface{})
	for _, c := range t.SyncedColumns() {
		v, ok := rec[c.Name]
		if !ok {
			continue
		}
		sv, err := encodeValue(c, v)
		if err != nil {
			return nil, fmt.Errorf("%s/%s.%s: %w", t.Name, rec.ID(), c.Name, err)
		}
		values[c.Name] = sv
	}
	return values, nil
}

func applyUpsert(ctx context.Context, tx *sql.Tx, t *table, rec protocol.Record, now int64, stats *ApplyStats) error {
	id := rec.ID()
	if err := uuid.ValidateRecordID(id); err != nil {
		return fmt.Errorf("pulled %s record: %w", t.Name, err)
	}
	values, err := remoteValues(t, rec)
	if err != nil {
		return err
	}
	remoteUpdated := rec.Millis(schema.ColumnUpdatedAt)
	for _, name := range t.tracking {
		values[name] = int64(1)
	}

	current, err := findRecord(ctx, tx, t, id)
	if errors.Is(err, ErrNotFound) {
		t.withDefaults(values)
		updatedAt := remoteUpdated
		if updatedAt == 0 {
			updatedAt = now
		}
		createdAt := rec.Millis(schema.ColumnCreatedAt)
		if createdAt == 0 {
			createdAt = updatedAt
		}

		cols := []string{quote(schema.ColumnID)}
		args := []interface{}{id}
		for _, c := range t.Columns {
			cols = append(cols, quote(c.Name))
			args = append(args, values[c.Name])
		}
		cols = append(cols, quote(schema.ColumnCreatedAt), quote(schema.ColumnUpdatedAt), quote(schema.ColumnStatus))
		args = append(args, createdAt, updatedAt, string(StatusSynced))

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.ident(), strings.Join(cols, ", "), placeholders(len(cols)))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert pulled %s/%s: %w", t.Name, id, err)
		}
		stats.Inserted++
		return nil
	}
	if err != nil {
		return err
	}

	sets := []string{quote(schema.ColumnUpdatedAt) + " = ?"}
	args := []interface{}{max(remoteUpdated, current.UpdatedAt)}
	if current.Pending() {
		// Local changes stay pending and are pushed again; the pull only
		// fills in columns the device has not touched.
		c := newConflict(current, remoteUpdated, now, ResolutionLocalKept)
		if err := insertConflict(ctx, tx, c); err != nil {
			return err
		}
		stats.Conflicts = append(stats.Conflicts, c)
		for name := range current.changedColumns(t) {
			delete(values, name)
		}
		for _, name := range t.tracking {
			delete(values, name)
		}
	} else {
		sets = append(sets, quote(schema.ColumnStatus)+" = ?", quote(schema.ColumnDeleted)+" = 0")
		args = append(args, string(StatusSynced))
	}
	for _, name := range sortedKeys(values) {
		sets = append(sets, quote(name)+" = ?")
		args = append(args, values[name])
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE \"id\" = ?", t.ident(), strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update pulled %s/%s: %w", t.Name, id, err)
	}
	stats.Updated++
	return nil
}

func applyDelete(ctx context.Context, tx *sql.Tx, t *table, id string, now int64, stats *ApplyStats) error {
	if err := uuid.ValidateRecordID(id); err != nil {
		return fmt.Errorf("pulled %s deletion: %w", t.Name, err)
	}
	current, err := findRecord(ctx, tx, t, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Deleted && !current.Pending() {
		return nil
	}

	if current.Pending() && !current.Deleted {
		c := newConflict(current, 0, now, ResolutionRemoteWins)
		if err := insertConflict(ctx, tx, c); err != nil {
			return err
		}
		stats.Conflicts = append(stats.Conflicts, c)
	}

	sets := []string{
		quote(schema.ColumnDeleted) + " = 1",
		quote(schema.ColumnStatus) + " = ?",
		quote(schema.ColumnUpdatedAt) + " = ?",
		quote(schema.ColumnChanged) + " = ''",
	}
	for _, name := range t.tracking {
		sets = append(sets, quote(name)+" = 1")
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE \"id\" = ?", t.ident(), strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, string(StatusSynced), max(now, current.UpdatedAt), id); err != nil {
		return fmt.Errorf("failed to delete pulled %s/%s: %w", t.Name, id, err)
	}
	stats.Deleted++
	return nil
}
