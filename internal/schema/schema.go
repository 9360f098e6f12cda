// Package schema declares the versioned layout of the local store.
//
// The whole store carries a single schema version. Moving from one version to
// the next requires a Migration whose steps the store engine applies in order.
package schema

import (
	"errors"
	"fmt"
	"regexp"
)

// ColumnType is the value type of a column.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean:
		return true
	}
	return false
}

// Column describes one business column of a table.
type Column struct {
	Name     string
	Type     ColumnType
	Indexed  bool
	Optional bool

	// LocalOnly columns are never sent to or accepted from the server.
	LocalOnly bool

	// TracksSync marks a local-only boolean the store keeps equal to
	// "acknowledged by the server": true after a push ack or pull apply,
	// false after any local mutation.
	TracksSync bool
}

// TableSchema is the ordered column layout of one table.
type TableSchema struct {
	Name    string
	Columns []Column
}

// Column returns the named column.
func (t TableSchema) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// SyncedColumns returns the columns exchanged with the server.
func (t TableSchema) SyncedColumns() []Column {
	cols := make([]Column, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !c.LocalOnly {
			cols = append(cols, c)
		}
	}
	return cols
}

// AppSchema is the full store layout at one version.
type AppSchema struct {
	Version    int
	Tables     []TableSchema
	Migrations []Migration
}

// Table returns the named table.
func (s *AppSchema) Table(name string) (TableSchema, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSchema{}, false
}

// TableNames returns table names in declaration order.
func (s *AppSchema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// Columns managed by the store on every table.
const (
	ColumnID        = "id"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
	ColumnStatus    = "_status"
	ColumnVersion   = "_version"
	ColumnDeleted   = "_deleted"
	ColumnChanged   = "_changed" // synced columns edited locally since the last push
)

var reservedColumns = map[string]bool{
	ColumnID:        true,
	ColumnCreatedAt: true,
	ColumnUpdatedAt: true,
	ColumnStatus:    true,
	ColumnVersion:   true,
	ColumnDeleted:   true,
	ColumnChanged:   true,
}

// IsReserved reports whether name is a store-managed column.
func IsReserved(name string) bool {
	return reservedColumns[name]
}

var identRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ErrInvalidSchema is wrapped by every Validate failure.
var ErrInvalidSchema = errors.New("invalid schema")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchema, fmt.Sprintf(format, args...))
}

// Validate checks names, types and the migration chain.
func (s *AppSchema) Validate() error {
	if s.Version < 1 {
		return invalid("version must be >= 1, got %d", s.Version)
	}
	tables := make(map[string]bool)
	for _, t := range s.Tables {
		if err := validateTable(t); err != nil {
			return err
		}
		if tables[t.Name] {
			return invalid("duplicate table %q", t.Name)
		}
		tables[t.Name] = true
	}
	if len(tables) == 0 {
		return invalid("no tables declared")
	}
	return s.validateMigrations()
}

func validateTable(t TableSchema) error {
	if !identRegex.MatchString(t.Name) {
		return invalid("bad table name %q", t.Name)
	}
	seen := make(map[string]bool)
	for _, c := range t.Columns {
		if !identRegex.MatchString(c.Name) {
			return invalid("%s: bad column name %q", t.Name, c.Name)
		}
		if IsReserved(c.Name) {
			return invalid("%s: column %q is reserved", t.Name, c.Name)
		}
		if seen[c.Name] {
			return invalid("%s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
		if !c.Type.Valid() {
			return invalid("%s.%s: unknown type %q", t.Name, c.Name, c.Type)
		}
		if c.TracksSync && (!c.LocalOnly || c.Type != TypeBoolean) {
			return invalid("%s.%s: sync tracking column must be a local-only boolean", t.Name, c.Name)
		}
	}
	return nil
}
