package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/agrios/offline/internal/schema"
	"github.com/agrios/offline/internal/uuid"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Writer is the handle passed to a WithWriter scope. It is only valid until
// the scope returns.
type Writer struct {
	store  *Store
	tx     *sql.Tx
	ctx    context.Context
	closed atomic.Bool
	dirty  bool

	// failed is the first error returned by a mutation; it forces a rollback
	// even if fn swallows it.
	failed error
}

// WithWriter runs fn with exclusive write access inside one transaction.
// Writers are admitted one at a time in arrival order. If fn returns an error
// or panics, nothing it did is persisted and the panic is re-raised. A failed
// Create, Update or MarkDeleted also discards the scope, even when fn
// ignores the error.
func (s *Store) WithWriter(ctx context.Context, fn func(w *Writer) error) error {
	var w *Writer
	err := s.write(ctx, func(tx *sql.Tx) error {
		w = &Writer{store: s, tx: tx, ctx: ctx}
		defer w.closed.Store(true)

		if err := fn(w); err != nil {
			return err
		}
		return w.failed
	})
	if err == nil && w != nil && w.dirty {
		s.changeSeq.Add(1)
	}
	return err
}

func (w *Writer) check() error {
	if w.closed.Load() {
		return ErrWriterClosed
	}
	return w.failed
}

// doom records the first mutation error of the scope.
func (w *Writer) doom(err error) error {
	if err != nil && w.failed == nil {
		w.failed = err
	}
	return err
}

// constraint turns constraint violations into a WriteConflictError.
func constraint(t *table, id string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return &WriteConflictError{Table: t.Name, ID: id, Err: err}
	}
	return err
}

// Create inserts a row. The id comes from fields["id"] when present,
// otherwise a UUID v4 is generated. Missing columns take their zero value.
func (w *Writer) Create(tableName string, fields Fields) (*Record, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	rec, err := w.create(tableName, fields)
	return rec, w.doom(err)
}

func (w *Writer) create(tableName string, fields Fields) (*Record, error) {
	t, err := w.store.table(tableName)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	rest := make(Fields, len(fields))
	for k, v := range fields {
		if k == schema.ColumnID {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%s.id must be a string, got %T", t.Name, v)
			}
			id = s
			continue
		}
		rest[k] = v
	}
	if err := uuid.ValidateRecordID(id); err != nil {
		return nil, err
	}

	values, err := t.encodeFields(rest)
	if err != nil {
		return nil, err
	}
	t.withDefaults(values)
	for _, name := range t.tracking {
		if _, explicit := rest[name]; !explicit {
			values[name] = int64(0)
		}
	}

	now := w.store.nowMillis()
	cols := []string{quote(schema.ColumnID)}
	args := []interface{}{id}
	for _, c := range t.Columns {
		cols = append(cols, quote(c.Name))
		args = append(args, values[c.Name])
	}
	cols = append(cols, quote(schema.ColumnCreatedAt), quote(schema.ColumnUpdatedAt),
		quote(schema.ColumnStatus), quote(schema.ColumnVersion), quote(schema.ColumnDeleted))
	args = append(args, now, now, string(StatusCreated), 1, 0)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.ident(), strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := w.tx.ExecContext(w.ctx, query, args...); err != nil {
		return nil, constraint(t, id, fmt.Errorf("failed to create %s/%s: %w", t.Name, id, err))
	}
	w.dirty = true
	return findRecord(w.ctx, w.tx, t, id)
}

// Update sets the given columns of a live row. Touching only local-only
// columns leaves the row's pending state alone. Synced columns it sets are
// remembered until the next push so a pull does not overwrite them.
func (w *Writer) Update(tableName, id string, fields Fields) (*Record, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	rec, err := w.update(tableName, id, fields)
	return rec, w.doom(err)
}

func (w *Writer) update(tableName, id string, fields Fields) (*Record, error) {
	t, err := w.store.table(tableName)
	if err != nil {
		return nil, err
	}
	current, err := findRecord(w.ctx, w.tx, t, id)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordDeleted, t.Name, id)
	}

	values, err := t.encodeFields(fields)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return current, nil
	}

	var sets []string
	var args []interface{}
	if !t.localOnly(values) {
		for _, name := range t.tracking {
			if _, explicit := values[name]; !explicit {
				values[name] = int64(0)
			}
		}
		status := StatusUpdated
		if current.Status == StatusCreated {
			status = StatusCreated
		}
		var changed []string
		for name := range values {
			if !t.columns[name].LocalOnly {
				changed = append(changed, name)
			}
		}
		sets = append(sets,
			quote(schema.ColumnUpdatedAt)+" = ?",
			quote(schema.ColumnStatus)+" = ?",
			quote(schema.ColumnChanged)+" = ?",
			quote(schema.ColumnVersion)+" = "+quote(schema.ColumnVersion)+" + 1")
		args = append(args, max(w.store.nowMillis(), current.UpdatedAt), string(status),
			joinChanged(current.Changed, changed...))
	}
	for _, name := range sortedKeys(values) {
		sets = append(sets, quote(name)+" = ?")
		args = append(args, values[name])
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE \"id\" = ?", t.ident(), strings.Join(sets, ", "))
	if _, err := w.tx.ExecContext(w.ctx, query, args...); err != nil {
		return nil, constraint(t, id, fmt.Errorf("failed to update %s/%s: %w", t.Name, id, err))
	}
	w.dirty = true
	return findRecord(w.ctx, w.tx, t, id)
}

// MarkDeleted soft-deletes a row. Deleting a tombstone is a no-op.
func (w *Writer) MarkDeleted(tableName, id string) error {
	if err := w.check(); err != nil {
		return err
	}
	return w.doom(w.markDeleted(tableName, id))
}

func (w *Writer) markDeleted(tableName, id string) error {
	t, err := w.store.table(tableName)
	if err != nil {
		return err
	}
	current, err := findRecord(w.ctx, w.tx, t, id)
	if err != nil {
		return err
	}
	if current.Deleted {
		return nil
	}

	sets := []string{
		quote(schema.ColumnDeleted) + " = 1",
		quote(schema.ColumnStatus) + " = ?",
		quote(schema.ColumnUpdatedAt) + " = ?",
		quote(schema.ColumnVersion) + " = " + quote(schema.ColumnVersion) + " + 1",
	}
	for _, name := range t.tracking {
		sets = append(sets, quote(name)+" = 0")
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE \"id\" = ?", t.ident(), strings.Join(sets, ", "))
	if _, err := w.tx.ExecContext(w.ctx, query, string(StatusDeleted), max(w.store.nowMillis(), current.UpdatedAt), id); err != nil {
		return constraint(t, id, fmt.Errorf("failed to delete %s/%s: %w", t.Name, id, err))
	}
	w.dirty = true
	return nil
}

// Find returns a row, tombstones included, as seen by this transaction.
func (w *Writer) Find(tableName, id string) (*Record, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	t, err := w.store.table(tableName)
	if err != nil {
		return nil, err
	}
	return findRecord(w.ctx, w.tx, t, id)
}

// Query is Store.Query as seen by this transaction, uncommitted writes
// included.
func (w *Writer) Query(tableName string, filters ...Filter) ([]*Record, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	t, err := w.store.table(tableName)
	if err != nil {
		return nil, err
	}
	return queryRecords(w.ctx, w.tx, t, filters)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
