// Package protocol defines the JSON bodies exchanged with the sync server.
//
//	GET  /sync/pull?last_pulled_at=<ms>&schema_version=<n>  -> PullResponse
//	POST /sync/push                                         <- PushRequest
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Record is one raw row on the wire. Keys are column names plus id,
// created_at and updated_at.
type Record map[string]interface{}

// ID returns the record identifier, or "" when absent or not a string.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Millis reads an epoch-millisecond field. Missing or non-numeric values
// yield 0.
func (r Record) Millis(key string) int64 {
	switch v := r[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// TableChanges holds the changes of one table.
type TableChanges struct {
	Created []Record `json:"created"`
	Updated []Record `json:"updated"`
	Deleted []string `json:"deleted"`
}

// Len returns the number of changes.
func (tc TableChanges) Len() int {
	return len(tc.Created) + len(tc.Updated) + len(tc.Deleted)
}

// MarshalJSON always emits the three lists, never null.
func (tc TableChanges) MarshalJSON() ([]byte, error) {
	type plain TableChanges
	out := plain(tc)
	if out.Created == nil {
		out.Created = []Record{}
	}
	if out.Updated == nil {
		out.Updated = []Record{}
	}
	if out.Deleted == nil {
		out.Deleted = []string{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts created/updated elements as objects or as bare ID
// strings. A bare ID becomes a record carrying only its id.
func (tc *TableChanges) UnmarshalJSON(data []byte) error {
	var raw struct {
		Created []json.RawMessage `json:"created"`
		Updated []json.RawMessage `json:"updated"`
		Deleted []string          `json:"deleted"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	created, err := decodeRecords(raw.Created)
	if err != nil {
		return fmt.Errorf("created: %w", err)
	}
	updated, err := decodeRecords(raw.Updated)
	if err != nil {
		return fmt.Errorf("updated: %w", err)
	}
	*tc = TableChanges{Created: created, Updated: updated, Deleted: raw.Deleted}
	return nil
}

func decodeRecords(items []json.RawMessage) ([]Record, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]Record, 0, len(items))
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var id string
			if err := json.Unmarshal(item, &id); err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, Record{"id": id})
			continue
		}
		var rec Record
		if err := json.Unmarshal(item, &rec); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		if rec == nil {
			return nil, fmt.Errorf("element %d: null record", i)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ChangeSet maps table names to their changes.
type ChangeSet map[string]TableChanges

// Len returns the total number of changes across tables.
func (c ChangeSet) Len() int {
	n := 0
	for _, tc := range c {
		n += tc.Len()
	}
	return n
}

// Tables returns the table names in sorted order.
func (c ChangeSet) Tables() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PullResponse is the body of a successful pull.
type PullResponse struct {
	Changes   ChangeSet `json:"changes"`
	Timestamp int64     `json:"timestamp"`
}

// PushRequest is the body of a push.
type PushRequest struct {
	Changes      ChangeSet `json:"changes"`
	LastPulledAt int64     `json:"last_pulled_at"`
}
