package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agrios/offline/internal/db"
	"github.com/agrios/offline/internal/schema"
)

// LogType tags what a field log records.
type LogType string

const (
	LogActivity  LogType = "activity"
	LogPhoto     LogType = "photo"
	LogScan      LogType = "scan"
	LogNote      LogType = "note"
	LogTreatment LogType = "treatment"
	LogHarvest   LogType = "harvest"
)

var logTypes = map[LogType]bool{
	LogActivity:  true,
	LogPhoto:     true,
	LogScan:      true,
	LogNote:      true,
	LogTreatment: true,
	LogHarvest:   true,
}

// Valid reports whether t is a known log type.
func (t LogType) Valid() bool {
	return logTypes[t]
}

// LogTypes returns the known log types.
func LogTypes() []LogType {
	return []LogType{LogActivity, LogPhoto, LogScan, LogNote, LogTreatment, LogHarvest}
}

// Log is a field log entry for one farmer.
type Log struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Type      LogType `json:"type"`
	FarmerID  string  `json:"farmer_id"`
	IsSynced  bool    `json:"is_synced"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
	Deleted   bool    `json:"deleted,omitempty"`
}

// TableName returns the table name for Log.
func (Log) TableName() string {
	return schema.TableLogs
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (l *Log) CreatedAtTime() time.Time {
	return time.UnixMilli(l.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (l *Log) UpdatedAtTime() time.Time {
	return time.UnixMilli(l.UpdatedAt)
}

// LogFromRecord maps a logs row.
func LogFromRecord(r *db.Record) *Log {
	return &Log{
		ID:        r.ID,
		Content:   r.String("content"),
		Type:      LogType(r.String("type")),
		FarmerID:  r.String("farmer_id"),
		IsSynced:  r.Bool("is_synced"),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Deleted:   r.Deleted,
	}
}

// Fields returns the synced column values of l. is_synced is managed by the
// store and only set through MarkLogSynced.
func (l *Log) Fields() db.Fields {
	return db.Fields{
		"content":   l.Content,
		"type":      string(l.Type),
		"farmer_id": l.FarmerID,
	}
}

// Validate checks the log rules.
func (l *Log) Validate() error {
	if !l.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown log type %q", l.Type)}
	}
	if strings.TrimSpace(l.FarmerID) == "" {
		return &ValidationError{Field: "farmer_id", Message: "must not be empty"}
	}
	return nil
}

// CreateLog inserts l. The farmer must exist, possibly soft-deleted;
// otherwise an *OrphanReferenceError is returned.
func CreateLog(w *db.Writer, l *Log) (*Log, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if _, err := w.Find(schema.TableFarmers, l.FarmerID); err != nil {
		if isNotFound(err) {
			return nil, &OrphanReferenceError{LogID: l.ID, FarmerID: l.FarmerID, Err: err}
		}
		return nil, err
	}

	fields := l.Fields()
	if l.ID != "" {
		fields["id"] = l.ID
	}
	rec, err := w.Create(schema.TableLogs, fields)
	if err != nil {
		return nil, err
	}
	return LogFromRecord(rec), nil
}

// MarkLogSynced sets the app-level is_synced flag. It does not make the row
// pending.
func MarkLogSynced(w *db.Writer, id string) (*Log, error) {
	rec, err := w.Update(schema.TableLogs, id, db.Fields{"is_synced": true})
	if err != nil {
		return nil, err
	}
	return LogFromRecord(rec), nil
}

// Farmer resolves the log's farmer at call time. A missing farmer yields an
// *OrphanReferenceError wrapping db.ErrNotFound.
func (l *Log) Farmer(ctx context.Context, f Finder) (*Farmer, error) {
	farmer, err := FindFarmer(ctx, f, l.FarmerID)
	if isNotFound(err) {
		return nil, &OrphanReferenceError{LogID: l.ID, FarmerID: l.FarmerID, Err: err}
	}
	return farmer, err
}

// ListLogs returns live logs, newest first unless filters say otherwise.
func ListLogs(ctx context.Context, r Reader, filters ...db.Filter) ([]*Log, error) {
	if len(filters) == 0 {
		filters = []db.Filter{db.OrderBy(schema.ColumnCreatedAt, true)}
	}
	recs, err := r.Query(ctx, schema.TableLogs, filters...)
	if err != nil {
		return nil, err
	}
	out := make([]*Log, len(recs))
	for i, rec := range recs {
		out[i] = LogFromRecord(rec)
	}
	return out, nil
}

// LogsForFarmer returns the live logs of one farmer, newest first.
func LogsForFarmer(ctx context.Context, r Reader, farmerID string) ([]*Log, error) {
	return ListLogs(ctx, r, db.Eq("farmer_id", farmerID), db.OrderBy(schema.ColumnCreatedAt, true))
}
