package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const metaLastPulledAt = "last_pulled_at"

// LastPulledAt returns the pull cursor, 0 for a store that never pulled.
func (s *Store) LastPulledAt(ctx context.Context) (int64, error) {
	stmt, err := s.prepare(ctx, "SELECT value FROM "+metaTable+" WHERE key = ?")
	if err != nil {
		return 0, err
	}
	var ts int64
	err = stmt.QueryRowContext(ctx, metaLastPulledAt).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read pull cursor: %w", err)
	}
	return ts, nil
}

// SetLastPulledAt persists the pull cursor. A value lower than the stored
// one is rejected with ErrCursorRegression; an equal value is a no-op.
func (s *Store) SetLastPulledAt(ctx context.Context, ts int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, "SELECT value FROM "+metaTable+" WHERE key = ?", metaLastPulledAt).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read pull cursor: %w", err)
		}
		if ts < current {
			return fmt.Errorf("%w: %d < %d", ErrCursorRegression, ts, current)
		}
		if ts == current {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO "+metaTable+" (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			metaLastPulledAt, ts)
		if err != nil {
			return fmt.Errorf("failed to persist pull cursor: %w", err)
		}
		return nil
	})
}
