package schema

import (
	"errors"
	"fmt"
)

// ErrMigrationGap is returned when no migration chain connects two versions.
var ErrMigrationGap = errors.New("no migration path")

// Step is one change inside a Migration.
type Step interface {
	describe() string
}

// AddColumns appends columns to an existing table.
type AddColumns struct {
	Table   string
	Columns []Column
}

func (s AddColumns) describe() string {
	return fmt.Sprintf("add %d column(s) to %s", len(s.Columns), s.Table)
}

// CreateTable adds a whole new table.
type CreateTable struct {
	Table TableSchema
}

func (s CreateTable) describe() string {
	return "create table " + s.Table.Name
}

// Migration moves the store from ToVersion-1 to ToVersion.
type Migration struct {
	ToVersion   int
	Description string
	Steps       []Step
}

// Summary lists the steps of m in order.
func (m Migration) Summary() []string {
	out := make([]string, len(m.Steps))
	for i, s := range m.Steps {
		out[i] = s.describe()
	}
	return out
}

// MigrationsBetween returns the migrations needed to go from version from to
// version to, in order. from == to yields nil.
func (s *AppSchema) MigrationsBetween(from, to int) ([]Migration, error) {
	if from > to {
		return nil, fmt.Errorf("%w: cannot downgrade from %d to %d", ErrMigrationGap, from, to)
	}
	byVersion := make(map[int]Migration, len(s.Migrations))
	for _, m := range s.Migrations {
		byVersion[m.ToVersion] = m
	}
	var out []Migration
	for v := from + 1; v <= to; v++ {
		m, ok := byVersion[v]
		if !ok {
			return nil, fmt.Errorf("%w: missing migration to version %d", ErrMigrationGap, v)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *AppSchema) validateMigrations() error {
	last := 1
	for _, m := range s.Migrations {
		if m.ToVersion <= last || m.ToVersion > s.Version {
			return invalid("migration to version %d out of order", m.ToVersion)
		}
		last = m.ToVersion
		for _, step := range m.Steps {
			switch st := step.(type) {
			case AddColumns:
				t, ok := s.Table(st.Table)
				if !ok {
					return invalid("migration %d: unknown table %q", m.ToVersion, st.Table)
				}
				for _, c := range st.Columns {
					final, ok := t.Column(c.Name)
					if !ok || final != c {
						return invalid("migration %d: column %s.%s does not match the declared schema", m.ToVersion, st.Table, c.Name)
					}
				}
			case CreateTable:
				if _, ok := s.Table(st.Table.Name); !ok {
					return invalid("migration %d: table %q is not declared", m.ToVersion, st.Table.Name)
				}
			default:
				return invalid("migration %d: unsupported step %T", m.ToVersion, step)
			}
		}
	}
	return nil
}
