package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/agrios/offline/internal/protocol"
	"github.com/agrios/offline/internal/schema"
)

// PendingChange is one row captured for a push.
type PendingChange struct {
	Table   string
	ID      string
	Status  Status
	Version int64
	Payload protocol.Record // nil for deletions
}

// PendingBatch is the set of rows captured for one push. Only these rows,
// at these versions, are cleared by MarkPushed.
type PendingBatch struct {
	Changes []PendingChange
}

// Len returns the number of captured rows.
func (b *PendingBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Changes)
}

// ChangeSet renders the batch as a push body.
func (b *PendingBatch) ChangeSet() protocol.ChangeSet {
	cs := protocol.ChangeSet{}
	if b == nil {
		return cs
	}
	for _, c := range b.Changes {
		tc := cs[c.Table]
		switch c.Status {
		case StatusCreated:
			tc.Created = append(tc.Created, c.Payload)
		case StatusUpdated:
			tc.Updated = append(tc.Updated, c.Payload)
		case StatusDeleted:
			tc.Deleted = append(tc.Deleted, c.ID)
		}
		cs[c.Table] = tc
	}
	return cs
}

// PendingChanges captures every row with unacknowledged local changes from
// one consistent snapshot.
func (s *Store) PendingChanges(ctx context.Context) (*PendingBatch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	batch := &PendingBatch{}
	for _, name := range s.schema.TableNames() {
		t := s.tables[name]
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s <> ? ORDER BY %s, %s",
			t.selectList, t.ident(), quote(schema.ColumnStatus),
			quote(schema.ColumnUpdatedAt), quote(schema.ColumnID))
		rows, err := tx.QueryContext(ctx, query, string(StatusSynced))
		if err != nil {
			return nil, fmt.Errorf("failed to query pending %s: %w", t.Name, err)
		}
		for rows.Next() {
			rec, err := t.scanRecord(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan pending %s row: %w", t.Name, err)
			}
			change := PendingChange{Table: t.Name, ID: rec.ID, Status: rec.Status, Version: rec.Version}
			if rec.Status != StatusDeleted {
				change.Payload = protocol.Record(t.wirePayload(rec))
			}
			batch.Changes = append(batch.Changes, change)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// MarkPushed clears the pending marker of every captured row whose version
// is unchanged since capture, and purges acknowledged tombstones. Rows
// mutated after capture stay pending. It returns the number of rows cleared.
func (s *Store) MarkPushed(ctx context.Context, batch *PendingBatch) (int, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	cleared := 0
	err := s.write(ctx, func(tx *sql.Tx) error {
		cleared = 0
		for _, c := range batch.Changes {
			t, err := s.table(c.Table)
			if err != nil {
				return err
			}

			var query string
			if c.Status == StatusDeleted {
				query = fmt.Sprintf("DELETE FROM %s WHERE \"id\" = ? AND %s = ? AND %s = 1",
					t.ident(), quote(schema.ColumnVersion), quote(schema.ColumnDeleted))
			} else {
				sets := []string{
					quote(schema.ColumnStatus) + " = '" + string(StatusSynced) + "'",
					quote(schema.ColumnChanged) + " = ''",
				}
				for _, name := range t.tracking {
					sets = append(sets, quote(name)+" = 1")
				}
				query = fmt.Sprintf("UPDATE %s SET %s WHERE \"id\" = ? AND %s = ? AND %s <> '%s'",
					t.ident(), strings.Join(sets, ", "), quote(schema.ColumnVersion),
					quote(schema.ColumnStatus), StatusSynced)
			}
			res, err := tx.ExecContext(ctx, query, c.ID, c.Version)
			if err != nil {
				return fmt.Errorf("failed to clear pending %s/%s: %w", c.Table, c.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			cleared += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cleared, nil
}

// PendingCount returns the number of rows with unacknowledged local changes.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	total := 0
	for _, name := range s.schema.TableNames() {
		t := s.tables[name]
		var n int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s <> ?", t.ident(), quote(schema.ColumnStatus))
		if err := s.db.QueryRowContext(ctx, query, string(StatusSynced)).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count pending %s: %w", t.Name, err)
		}
		total += n
	}
	return total, nil
}

// PurgeTombstones physically removes soft-deleted rows the server has
// acknowledged or originated. It returns the number of rows removed.
func (s *Store) PurgeTombstones(ctx context.Context) (int, error) {
	purged := 0
	err := s.write(ctx, func(tx *sql.Tx) error {
		purged = 0
		for _, name := range s.schema.TableNames() {
			t := s.tables[name]
			query := fmt.Sprintf("DELETE FROM %s WHERE %s = 1 AND %s = ?",
				t.ident(), quote(schema.ColumnDeleted), quote(schema.ColumnStatus))
			res, err := tx.ExecContext(ctx, query, string(StatusSynced))
			if err != nil {
				return fmt.Errorf("failed to purge %s tombstones: %w", t.Name, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			purged += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}
