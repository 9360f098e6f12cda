package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Query returns the rows of table matching filters, as of the last committed
// writer. Soft-deleted rows are excluded unless WithDeleted is given.
func (s *Store) Query(ctx context.Context, tableName string, filters ...Filter) ([]*Record, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	return queryRecords(ctx, s.db, t, filters)
}

// FindByID returns the row with id, tombstones included.
func (s *Store) FindByID(ctx context.Context, tableName, id string) (*Record, error) {
	t, err := s.table(tableName)
	if err != nil {
		return nil, err
	}
	stmt, err := s.prepare(ctx, findQuery(t))
	if err != nil {
		return nil, err
	}
	rec, err := t.scanRecord(stmt.QueryRowContext(ctx, id))
	return findResult(t, id, rec, err)
}

// Count returns the number of live rows in table matching filters.
func (s *Store) Count(ctx context.Context, tableName string, filters ...Filter) (int, error) {
	recs, err := s.Query(ctx, tableName, filters...)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func findQuery(t *table) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE \"id\" = ?", t.selectList, t.ident())
}

func findResult(t *table, id string, rec *Record, err error) (*Record, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, t.Name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", t.Name, id, err)
	}
	return rec, nil
}

func findRecord(ctx context.Context, q querier, t *table, id string) (*Record, error) {
	rec, err := t.scanRecord(q.QueryRowContext(ctx, findQuery(t), id))
	return findResult(t, id, rec, err)
}

func queryRecords(ctx context.Context, q querier, t *table, filters []Filter) ([]*Record, error) {
	b, err := newQueryBuilder(t, filters)
	if err != nil {
		return nil, err
	}
	query, args := b.Build()

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := t.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.Name, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
