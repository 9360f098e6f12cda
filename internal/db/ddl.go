package db

import (
	"fmt"
	"strings"

	"github.com/agrios/offline/internal/schema"
)

// Bookkeeping tables shared by all business tables. Names start with an
// underscore so they never collide with schema tables.
const (
	metaTable     = "_sync_meta"
	conflictTable = "_conflict_log"
)

var bookkeepingDDL = []string{
	`CREATE TABLE IF NOT EXISTS ` + metaTable + ` (
		key TEXT PRIMARY KEY NOT NULL,
		value INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + conflictTable + ` (
		id TEXT PRIMARY KEY NOT NULL,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		local_status TEXT NOT NULL,
		local_updated_at INTEGER NOT NULL,
		remote_updated_at INTEGER NOT NULL,
		local_snapshot TEXT NOT NULL,
		resolution TEXT NOT NULL,
		detected_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conflict_log_detected ON ` + conflictTable + `(detected_at)`,
}

func columnDDL(c schema.Column) string {
	def := quote(c.Name) + " " + sqlType(c.Type)
	if c.Optional {
		return def
	}
	switch c.Type {
	case schema.TypeString:
		return def + " NOT NULL DEFAULT ''"
	default:
		return def + " NOT NULL DEFAULT 0"
	}
}

func indexDDL(tableName, column string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
		quote("idx_"+tableName+"_"+column), quote(tableName), quote(column))
}

// createTableDDL returns the statements creating t and its indexes.
func createTableDDL(t schema.TableSchema) []string {
	cols := []string{quote(schema.ColumnID) + " TEXT PRIMARY KEY NOT NULL"}
	for _, c := range t.Columns {
		cols = append(cols, columnDDL(c))
	}
	cols = append(cols,
		quote(schema.ColumnCreatedAt)+" INTEGER NOT NULL",
		quote(schema.ColumnUpdatedAt)+" INTEGER NOT NULL",
		fmt.Sprintf("%s TEXT NOT NULL DEFAULT '%s' CHECK(%s IN ('%s', '%s', '%s', '%s'))",
			quote(schema.ColumnStatus), StatusSynced, quote(schema.ColumnStatus),
			StatusSynced, StatusCreated, StatusUpdated, StatusDeleted),
		quote(schema.ColumnVersion)+" INTEGER NOT NULL DEFAULT 0",
		quote(schema.ColumnDeleted)+" INTEGER NOT NULL DEFAULT 0 CHECK("+quote(schema.ColumnDeleted)+" IN (0, 1))",
		quote(schema.ColumnChanged)+" TEXT NOT NULL DEFAULT ''",
	)

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(t.Name), strings.Join(cols, ",\n\t")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s) WHERE %s <> '%s'",
			quote("idx_"+t.Name+"_pending"), quote(t.Name), quote(schema.ColumnStatus),
			quote(schema.ColumnStatus), StatusSynced),
	}
	for _, c := range t.Columns {
		if c.Indexed {
			stmts = append(stmts, indexDDL(t.Name, c.Name))
		}
	}
	return stmts
}

// stepDDL returns the statements for one migration step.
func stepDDL(step schema.Step) ([]string, error) {
	switch st := step.(type) {
	case schema.AddColumns:
		var stmts []string
		for _, c := range st.Columns {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quote(st.Table), columnDDL(c)))
			if c.Indexed {
				stmts = append(stmts, indexDDL(st.Table, c.Name))
			}
		}
		return stmts, nil
	case schema.CreateTable:
		return createTableDDL(st.Table), nil
	}
	return nil, fmt.Errorf("unsupported migration step %T", step)
}
