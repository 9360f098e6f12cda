package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/agrios/offline/internal/logging"
	"github.com/agrios/offline/internal/schema"
)

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// plannedMigration is a version step with its DDL resolved.
type plannedMigration struct {
	version     int
	description string
	statements  []string
}

func (p plannedMigration) checksum() string {
	hash := sha256.Sum256([]byte(strings.Join(p.statements, ";\n")))
	return hex.EncodeToString(hash[:])
}

// migrator handles the schema_migrations table.
type migrator struct {
	db  *sql.DB
	now func() time.Time
}

// initialize creates the schema_migrations table if it doesn't exist.
func (m *migrator) initialize(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// currentVersion returns the highest recorded version, 0 for a fresh store.
func (m *migrator) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// applied returns all recorded migrations.
func (m *migrator) applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description, &am.Checksum); err != nil {
			return nil, err
		}
		am.AppliedAt = time.UnixMilli(appliedAt)
		out = append(out, am)
	}
	return out, rows.Err()
}

// plan resolves what Open must run to bring a store at persisted up to s.
func plan(s *schema.AppSchema, persisted int) ([]plannedMigration, error) {
	declared := s.Version
	switch {
	case persisted == declared:
		return nil, nil
	case persisted > declared:
		return nil, &SchemaIncompatibleError{Persisted: persisted, Declared: declared}
	case persisted == 0:
		var stmts []string
		for _, t := range s.Tables {
			stmts = append(stmts, createTableDDL(t)...)
		}
		return []plannedMigration{{version: declared, description: "initial schema", statements: stmts}}, nil
	}

	migs, err := s.MigrationsBetween(persisted, declared)
	if err != nil {
		return nil, &SchemaIncompatibleError{Persisted: persisted, Declared: declared, Err: err}
	}
	out := make([]plannedMigration, 0, len(migs))
	for _, mig := range migs {
		p := plannedMigration{version: mig.ToVersion, description: mig.Description}
		for _, step := range mig.Steps {
			stmts, err := stepDDL(step)
			if err != nil {
				return nil, &SchemaIncompatibleError{Persisted: persisted, Declared: declared, Err: err}
			}
			p.statements = append(p.statements, stmts...)
		}
		if p.description == "" {
			p.description = fmt.Sprintf("migrate to v%d", mig.ToVersion)
		}
		out = append(out, p)
	}
	return out, nil
}

// run applies all planned migrations in one transaction.
func (m *migrator) run(ctx context.Context, planned []plannedMigration) error {
	if len(planned) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range planned {
		for _, stmt := range p.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply migration V%d: %w", p.version, err)
			}
		}
		query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, query, p.version, m.now().UnixMilli(), p.description, p.checksum()); err != nil {
			return fmt.Errorf("failed to record migration V%d: %w", p.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	for _, p := range planned {
		logging.Info("Applied schema migration", map[string]interface{}{
			"version":     p.version,
			"description": p.description,
		})
	}
	return nil
}
