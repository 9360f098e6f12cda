package db

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agrios/offline/internal/schema"
)

// table is a TableSchema with its SQL fragments precomputed.
type table struct {
	schema.TableSchema
	columns    map[string]schema.Column
	tracking   []string // TracksSync columns
	selectList string
}

func compileTable(ts schema.TableSchema) *table {
	t := &table{
		TableSchema: ts,
		columns:     make(map[string]schema.Column, len(ts.Columns)),
	}
	cols := []string{quote(schema.ColumnID)}
	for _, c := range ts.Columns {
		t.columns[c.Name] = c
		if c.TracksSync {
			t.tracking = append(t.tracking, c.Name)
		}
		cols = append(cols, quote(c.Name))
	}
	cols = append(cols,
		quote(schema.ColumnCreatedAt),
		quote(schema.ColumnUpdatedAt),
		quote(schema.ColumnStatus),
		quote(schema.ColumnVersion),
		quote(schema.ColumnDeleted),
		quote(schema.ColumnChanged),
	)
	t.selectList = strings.Join(cols, ", ")
	return t
}

// quote quotes an identifier. Identifiers are validated by the schema.
func quote(ident string) string {
	return `"` + ident + `"`
}

// ident returns the quoted table name.
func (t *table) ident() string {
	return quote(t.Name)
}

// encodeFields converts caller-supplied fields to SQL values. Store-managed
// columns are rejected.
func (t *table) encodeFields(fields Fields) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(fields))
	for name, v := range fields {
		if schema.IsReserved(name) {
			return nil, fmt.Errorf("%w: %s.%s is managed by the store", ErrUnknownColumn, t.Name, name)
		}
		c, ok := t.columns[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.Name, name)
		}
		sv, err := encodeValue(c, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, name, err)
		}
		out[name] = sv
	}
	return out, nil
}

// withDefaults fills every column missing from values with its zero value.
func (t *table) withDefaults(values map[string]interface{}) {
	for _, c := range t.Columns {
		if _, ok := values[c.Name]; !ok {
			values[c.Name] = zeroValue(c)
		}
	}
}

// localOnly reports whether every key of values is a local-only column.
func (t *table) localOnly(values map[string]interface{}) bool {
	for name := range values {
		if !t.columns[name].LocalOnly {
			return false
		}
	}
	return true
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord reads one row selected with t.selectList.
func (t *table) scanRecord(row scanner) (*Record, error) {
	raw := make([]interface{}, len(t.Columns))
	dest := make([]interface{}, 0, len(t.Columns)+7)

	rec := &Record{Table: t.Name, Fields: make(Fields, len(t.Columns))}
	var status, changed string
	var deleted int64
	dest = append(dest, &rec.ID)
	for i := range raw {
		dest = append(dest, &raw[i])
	}
	dest = append(dest, &rec.CreatedAt, &rec.UpdatedAt, &status, &rec.Version, &deleted, &changed)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	for i, c := range t.Columns {
		rec.Fields[c.Name] = decodeValue(c, raw[i])
	}
	rec.Status = Status(status)
	rec.Deleted = deleted != 0
	rec.Changed = splitChanged(changed)
	return rec, nil
}

// splitChanged parses the stored _changed list. Column names never contain
// commas.
func splitChanged(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// joinChanged merges names into the stored list, keeping it sorted.
func joinChanged(current []string, names ...string) string {
	set := make(map[string]bool, len(current)+len(names))
	for _, n := range current {
		set[n] = true
	}
	for _, n := range names {
		set[n] = true
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// wirePayload renders rec as a protocol record: id, synced columns and
// timestamps.
func (t *table) wirePayload(rec *Record) map[string]interface{} {
	out := map[string]interface{}{
		schema.ColumnID:        rec.ID,
		schema.ColumnCreatedAt: rec.CreatedAt,
		schema.ColumnUpdatedAt: rec.UpdatedAt,
	}
	for _, c := range t.SyncedColumns() {
		out[c.Name] = rec.Fields[c.Name]
	}
	return out
}

func sqlType(t schema.ColumnType) string {
	switch t {
	case schema.TypeNumber:
		return "REAL"
	case schema.TypeBoolean:
		return "INTEGER"
	}
	return "TEXT"
}

func zeroValue(c schema.Column) interface{} {
	if c.Optional {
		return nil
	}
	switch c.Type {
	case schema.TypeNumber:
		return float64(0)
	case schema.TypeBoolean:
		return int64(0)
	}
	return ""
}

func encodeValue(c schema.Column, v interface{}) (interface{}, error) {
	if v == nil {
		if c.Optional {
			return nil, nil
		}
		return nil, fmt.Errorf("value is required")
	}
	switch c.Type {
	case schema.TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case *string:
			if x == nil {
				return encodeValue(c, nil)
			}
			return *x, nil
		}
	case schema.TypeNumber:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		}
	case schema.TypeBoolean:
		switch x := v.(type) {
		case bool:
			return boolInt(x), nil
		case *bool:
			if x == nil {
				return encodeValue(c, nil)
			}
			return boolInt(*x), nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", c.Type, v)
}

func decodeValue(c schema.Column, v interface{}) interface{} {
	if v == nil {
		if c.Optional {
			return nil
		}
		v = zeroValue(c)
	}
	switch c.Type {
	case schema.TypeString:
		switch x := v.(type) {
		case string:
			return x
		case []byte:
			return string(x)
		}
		return fmt.Sprint(v)
	case schema.TypeNumber:
		switch x := v.(type) {
		case float64:
			return x
		case int64:
			return float64(x)
		}
		return float64(0)
	case schema.TypeBoolean:
		switch x := v.(type) {
		case int64:
			return x != 0
		case bool:
			return x
		}
		return false
	}
	return v
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
