package db

import "time"

// Fields holds business column values keyed by column name.
type Fields map[string]interface{}

// Status is the pending bookkeeping state of a row.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	StatusDeleted Status = "deleted"
)

// Record is one row of a table.
type Record struct {
	Table     string
	ID        string
	Fields    Fields
	CreatedAt int64 // epoch ms
	UpdatedAt int64 // epoch ms
	Deleted   bool

	Status  Status
	Version int64
	Changed []string // synced columns edited locally since the last push
}

// Pending reports whether the row has local changes the server has not
// acknowledged.
func (r *Record) Pending() bool {
	return r.Status != StatusSynced
}

// changedColumns returns the synced columns a pull must not overwrite. A row
// created locally keeps every column.
func (r *Record) changedColumns(t *table) map[string]bool {
	out := make(map[string]bool)
	if r.Status == StatusCreated {
		for _, c := range t.SyncedColumns() {
			out[c.Name] = true
		}
		return out
	}
	for _, name := range r.Changed {
		out[name] = true
	}
	return out
}

// String returns a string column, or "" when unset.
func (r *Record) String(col string) string {
	s, _ := r.Fields[col].(string)
	return s
}

// OptionalString returns a string column, or nil when unset.
func (r *Record) OptionalString(col string) *string {
	s, ok := r.Fields[col].(string)
	if !ok {
		return nil
	}
	return &s
}

// Number returns a number column.
func (r *Record) Number(col string) float64 {
	f, _ := r.Fields[col].(float64)
	return f
}

// Bool returns a boolean column.
func (r *Record) Bool(col string) bool {
	b, _ := r.Fields[col].(bool)
	return b
}

// CreatedAtTime returns CreatedAt as a time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns UpdatedAt as a time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}
