// Package protocol tests for sync wire decoding.
package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

// TestTableChanges_UnmarshalJSON verifies mixed object and bare-ID elements.
func TestTableChanges_UnmarshalJSON(t *testing.T) {
	body := `{"changes":{"farmers":{"created":["f1",{"id":"f2","name":"Asha","updated_at":1500}],"updated":[],"deleted":["f3"]}},"timestamp":1000}`

	var resp PullResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resp.Timestamp != 1000 {
		t.Errorf("Timestamp = %d, want 1000", resp.Timestamp)
	}

	farmers := resp.Changes["farmers"]
	if len(farmers.Created) != 2 {
		t.Fatalf("len(Created) = %d, want 2", len(farmers.Created))
	}
	if farmers.Created[0].ID() != "f1" || len(farmers.Created[0]) != 1 {
		t.Errorf("bare ID element = %v", farmers.Created[0])
	}
	if farmers.Created[1]["name"] != "Asha" {
		t.Errorf("object element name = %v", farmers.Created[1]["name"])
	}
	if got := farmers.Created[1].Millis("updated_at"); got != 1500 {
		t.Errorf("Millis(updated_at) = %d, want 1500", got)
	}
	if len(farmers.Deleted) != 1 || farmers.Deleted[0] != "f3" {
		t.Errorf("Deleted = %v", farmers.Deleted)
	}
	if resp.Changes.Len() != 3 {
		t.Errorf("Len() = %d, want 3", resp.Changes.Len())
	}
}

// TestTableChanges_UnmarshalJSON_rejects verifies malformed elements fail.
func TestTableChanges_UnmarshalJSON_rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"number element", `{"created":[42]}`},
		{"null element", `{"updated":[null]}`},
		{"deleted objects", `{"deleted":[{"id":"x"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tc TableChanges
			if err := json.Unmarshal([]byte(tt.body), &tc); err == nil {
				t.Errorf("Unmarshal(%s) should fail", tt.body)
			}
		})
	}
}

// TestTableChanges_MarshalJSON verifies empty lists are never null.
func TestTableChanges_MarshalJSON(t *testing.T) {
	req := PushRequest{
		Changes:      ChangeSet{"logs": {Created: []Record{{"id": "l1"}}}},
		LastPulledAt: 1000,
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(data)
	for _, want := range []string{`"created":[{"id":"l1"}]`, `"updated":[]`, `"deleted":[]`, `"last_pulled_at":1000`} {
		if !strings.Contains(s, want) {
			t.Errorf("body %s missing %s", s, want)
		}
	}
}

// TestChangeSet_Tables verifies table order is stable.
func TestChangeSet_Tables(t *testing.T) {
	cs := ChangeSet{"logs": {}, "farmers": {}}
	got := cs.Tables()
	if len(got) != 2 || got[0] != "farmers" || got[1] != "logs" {
		t.Errorf("Tables() = %v", got)
	}
}
