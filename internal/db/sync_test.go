// Package db tests for the sync plumbing: cursor, remote apply and pending
// bookkeeping.
package db

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/agrios/offline/internal/protocol"
	"github.com/agrios/offline/internal/schema"
)

func snapshot(t *testing.T, store *Store, table string) []*Record {
	t.Helper()
	recs, err := store.Query(context.Background(), table, WithDeleted(), OrderBy("id", false))
	if err != nil {
		t.Fatalf("Query(%s) error = %v", table, err)
	}
	return recs
}

func markAllPushed(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	batch, err := store.PendingChanges(ctx)
	if err != nil {
		t.Fatalf("PendingChanges() error = %v", err)
	}
	if _, err := store.MarkPushed(ctx, batch); err != nil {
		t.Fatalf("MarkPushed() error = %v", err)
	}
}

// =====================================================
// Cursor Tests
// =====================================================

// TestLastPulledAt_monotonic verifies the cursor never moves backwards.
func TestLastPulledAt_monotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SetLastPulledAt(ctx, 1000); err != nil {
		t.Fatalf("SetLastPulledAt(1000) error = %v", err)
	}
	if err := store.SetLastPulledAt(ctx, 500); !errors.Is(err, ErrCursorRegression) {
		t.Errorf("SetLastPulledAt(500) error = %v, want ErrCursorRegression", err)
	}
	if err := store.SetLastPulledAt(ctx, 1000); err != nil {
		t.Errorf("SetLastPulledAt(equal) error = %v", err)
	}

	got, err := store.LastPulledAt(ctx)
	if err != nil || got != 1000 {
		t.Errorf("LastPulledAt() = %d, %v; want 1000", got, err)
	}
}

// =====================================================
// Remote Apply Tests
// =====================================================

// TestApplyRemoteChanges_bareID verifies a bare-ID create inserts a synced row.
func TestApplyRemoteChanges_bareID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	stats, err := store.ApplyRemoteChanges(ctx, protocol.ChangeSet{
		schema.TableFarmers: {Created: []protocol.Record{{"id": "f1"}}},
	})
	if err != nil {
		t.Fatalf("ApplyRemoteChanges() error = %v", err)
	}
	if stats.Inserted != 1 || stats.Total() != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rec, err := store.FindByID(ctx, schema.TableFarmers, "f1")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if rec.Pending() || rec.String("name") != "" {
		t.Errorf("pulled row = %+v", rec)
	}
	if store.ChangeSeq() != 0 {
		t.Error("remote apply should not move ChangeSeq")
	}
}

// TestApplyRemoteChanges_idempotent verifies replaying a payload changes nothing.
func TestApplyRemoteChanges_idempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createFarmer(t, store, Fields{"id": "f9", "name": "Gone", "phone": "9"})
	markAllPushed(t, store)

	payload := protocol.ChangeSet{
		schema.TableFarmers: {
			Created: []protocol.Record{{"id": "f1", "name": "Asha", "phone": "1", "updated_at": float64(5000)}},
			Updated: []protocol.Record{{"id": "f2", "name": "Ben", "phone": "2", "location": "Eldoret"}},
			Deleted: []string{"f9", "never-existed"},
		},
		schema.TableLogs: {
			Created: []protocol.Record{{"id": "l1", "content": "planted", "type": "activity", "farmer_id": "f1"}},
		},
	}

	if _, err := store.ApplyRemoteChanges(ctx, payload); err != nil {
		t.Fatalf("first apply error = %v", err)
	}
	farmersOnce, logsOnce := snapshot(t, store, schema.TableFarmers), snapshot(t, store, schema.TableLogs)

	if _, err := store.ApplyRemoteChanges(ctx, payload); err != nil {
		t.Fatalf("second apply error = %v", err)
	}
	farmersTwice, logsTwice := snapshot(t, store, schema.TableFarmers), snapshot(t, store, schema.TableLogs)

	if !reflect.DeepEqual(farmersOnce, farmersTwice) {
		t.Errorf("farmers differ after replay:\n%+v\n%+v", farmersOnce, farmersTwice)
	}
	if !reflect.DeepEqual(logsOnce, logsTwice) {
		t.Errorf("logs differ after replay")
	}
	if len(farmersOnce) != 3 {
		t.Fatalf("farmers = %d rows, want 3", len(farmersOnce))
	}
	if farmersOnce[0].UpdatedAt != 5000 {
		t.Errorf("f1 updated_at = %d, want remote 5000", farmersOnce[0].UpdatedAt)
	}
	if !farmersOnce[2].Deleted {
		t.Error("f9 should be a tombstone")
	}
	if !logsOnce[0].Bool("is_synced") {
		t.Error("pulled log should be marked synced")
	}
}

// TestApplyRemoteChanges_pendingCreateKept verifies a pull onto a row created
// locally keeps the local values pending and records the conflict.
func TestApplyRemoteChanges_pendingCreateKept(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	local := createFarmer(t, store, Fields{"id": "f1", "name": "Local", "phone": "1"})

	stats, err := store.ApplyRemoteChanges(ctx, protocol.ChangeSet{
		schema.TableFarmers: {Updated: []protocol.Record{{"id": "f1", "name": "Server", "phone": "1", "updated_at": float64(10)}}},
	})
	if err != nil {
		t.Fatalf("ApplyRemoteChanges() error = %v", err)
	}
	if len(stats.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(stats.Conflicts))
	}

	rec, _ := store.FindByID(ctx, schema.TableFarmers, "f1")
	if rec.String("name") != "Local" || rec.Status != StatusCreated || rec.Version != local.Version {
		t.Errorf("row = name:%q status:%s v%d, want Local/created/v%d", rec.String("name"), rec.Status, rec.Version, local.Version)
	}
	if rec.UpdatedAt != local.UpdatedAt {
		t.Errorf("updated_at = %d, want max(remote, local) = %d", rec.UpdatedAt, local.UpdatedAt)
	}

	logged, err := store.Conflicts(ctx, 0)
	if err != nil {
		t.Fatalf("Conflicts() error = %v", err)
	}
	if len(logged) != 1 {
		t.Fatalf("logged conflicts = %d, want 1", len(logged))
	}
	c := logged[0]
	if c.RecordID != "f1" || c.LocalStatus != StatusCreated || c.Resolution != ResolutionLocalKept {
		t.Errorf("conflict = %+v", c)
	}
	if c.LocalSnapshot["name"] != "Local" {
		t.Errorf("snapshot name = %v, want Local", c.LocalSnapshot["name"])
	}
}

// TestApplyRemoteChanges_partialColumns verifies a pull carrying some
// columns updates the untouched ones and leaves the local edit pending.
func TestApplyRemoteChanges_partialColumns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.ApplyRemoteChanges(ctx, protocol.ChangeSet{
		schema.TableFarmers: {Created: []protocol.Record{{"id": "f1", "name": "Asha", "phone": "1", "location": "Nakuru"}}},
	}); err != nil {
		t.Fatalf("first pull error = %v", err)
	}
	if err := store.WithWriter(ctx, func(w *Writer) error {
		_, err := w.Update(schema.TableFarmers, "f1", Fields{"name": "Asha K."})
		return err
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, err := store.ApplyRemoteChanges(ctx, protocol.ChangeSet{
		schema.TableFarmers: {Updated: []protocol.Record{{"id": "f1", "phone": "2"}}},
	}); err != nil {
		t.Fatalf("second pull error = %v", err)
	}

	rec, _ := store.FindByID(ctx, schema.TableFarmers, "f1")
	if rec.String("name") != "Asha K." || rec.String("phone") != "2" {
		t.Errorf("row = name:%q phone:%q, want local name and pulled phone", rec.String("name"), rec.String("phone"))
	}
	if rec.Status != StatusUpdated || !reflect.DeepEqual(rec.Changed, []string{"name"}) {
		t.Errorf("row = status:%s changed:%v, want updated/[name]", rec.Status, rec.Changed)
	}

	batch, err := store.PendingChanges(ctx)
	if err != nil {
		t.Fatalf("PendingChanges() error = %v", err)
	}
	if batch.Len() != 1 {
		t.Fatalf("batch = %d rows, want 1", batch.Len())
	}
	payload := batch.Changes[0].Payload
	if payload["name"] != "Asha K." || payload["phone"] != "2" {
		t.Errorf("push payload = %v", payload)
	}

	if _, err := store.MarkPushed(ctx, batch); err != nil {
		t.Fatalf("MarkPushed() error = %v", err)
	}
	rec, _ = store.FindByID(ctx, schema.TableFarmers, "f1")
	if rec.Pending() || len(rec.Changed) != 0 {
		t.Errorf("after push: status:%s changed:%v, want synced/none", rec.Status, rec.Changed)
	}
}

// TestApplyRemoteChanges_pendingDeleteKept verifies a pulled update does not
// undo a local soft delete that has not been pushed yet.
func TestApplyRemoteChanges_pendingDeleteKept(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createFarmer(t, store, Fields{"id": "f1", "name": "Asha", "phone": "1"})
	markAllPushed(t, store)
	if err := store.WithWriter(ctx, func(w *Writer) error {
		return w.MarkDeleted(schema.TableFarmers, "f1")
	}); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}

	stats, err := store.ApplyRemoteChanges(ctx, protocol.ChangeSet{
		schema.TableFarmers: {Updated: []protocol.Record{{"id": "f1", "name": "Server", "phone": "1"}}},
	})
	if err != nil {
		t.Fatalf("ApplyRemoteChanges() error = %v", err)
	}
	if len(stats.Conflicts) != 1 || stats.Conflicts[0].Resolution != ResolutionLocalKept {
		t.Errorf("conflicts = %+v", stats.Conflicts)
	}

	rec, _ := store.FindByID(ctx, schema.TableFarmers, "f1")
	if !rec.Deleted || rec.Status != StatusDeleted {
		t.Errorf("row = deleted:%v status:%s, want pending deletion", rec.Deleted, rec.Status)
	}
	batch, _ := store.PendingChanges(ctx)
	if got := batch.ChangeSet()[schema.TableFarmers].Deleted; !reflect.DeepEqual(got, []string{"f1"}) {
		t.Errorf("pushed deletions = %v, want [f1]", got)
	}
}

// TestApplyRemoteChanges_remoteDeleteWins verifies a pulled deletion removes
// a row with pending edits and keeps the local values in the conflict log.
func TestApplyRemoteChanges_remoteDeleteWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createFarmer(t, store, Fields{"id": "f1", "name": "Asha", "phone": "1"})
	markAllPushed(t, store)
	store.WithWriter(ctx, func(w *Writer) error {
		_, err := w.Update(schema.TableFarmers, "f1", Fields{"name": "Edited"})
		return err
	})

	stats, err := store.ApplyRemoteChanges(ctx, protocol.ChangeSet{
		schema.TableFarmers: {Deleted: []string{"f1"}},
	})
	if err != nil {
		t.Fatalf("ApplyRemoteChanges() error = %v", err)
	}
	if len(stats.Conflicts) != 1 || stats.Conflicts[0].Resolution != ResolutionRemoteWins {
		t.Fatalf("conflicts = %+v", stats.Conflicts)
	}
	if stats.Conflicts[0].LocalSnapshot["name"] != "Edited" {
		t.Errorf("snapshot = %v", stats.Conflicts[0].LocalSnapshot)
	}
	if n, _ := store.PendingCount(ctx); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

// TestApplyRemoteChanges_atomic verifies a bad record aborts the whole apply.
func TestApplyRemoteChanges_atomic(t *testing.T) {
	tests := []struct {
		name    string
		changes protocol.ChangeSet
		want    error
	}{
		{
			name: "unknown table",
			changes: protocol.ChangeSet{
				schema.TableFarmers: {Created: []protocol.Record{{"id": "f1"}}},
				"crops":             {Created: []protocol.Record{{"id": "c1"}}},
			},
			want: ErrUnknownTable,
		},
		{
			name: "wrong column type",
			changes: protocol.ChangeSet{
				schema.TableFarmers: {Created: []protocol.Record{{"id": "f1"}, {"id": "f2", "name": 42.0}}},
			},
		},
		{
			name: "record without id",
			changes: protocol.ChangeSet{
				schema.TableLogs: {Created: []protocol.Record{{"content": "x"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := openTestStore(t)
			_, err := store.ApplyRemoteChanges(context.Background(), tt.changes)
			if err == nil {
				t.Fatal("ApplyRemoteChanges() should fail")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if n := len(snapshot(t, store, schema.TableFarmers)); n != 0 {
				t.Errorf("%d farmers written by a failed apply", n)
			}
		})
	}
}

// TestApplyRemoteChanges_ignoresLocalOnly verifies local-only columns from
// the server are not accepted.
func TestApplyRemoteChanges_ignoresLocalOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.ApplyRemoteChanges(ctx, protocol.ChangeSet{
		schema.TableLogs: {Created: []protocol.Record{{"id": "l1", "farmer_id": "f1", "is_synced": false, "extra": "x"}}},
	})
	if err != nil {
		t.Fatalf("ApplyRemoteChanges() error = %v", err)
	}
	rec, _ := store.FindByID(ctx, schema.TableLogs, "l1")
	if !rec.Bool("is_synced") {
		t.Error("is_synced should be set by the store, not the server")
	}
}

// =====================================================
// Pending / Push Tests
// =====================================================

// TestPendingChanges_payload verifies the captured batch renders as a push body.
func TestPendingChanges_payload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createFarmer(t, store, Fields{"id": "f1", "name": "A", "phone": "1"})
	createFarmer(t, store, Fields{"id": "f2", "name": "B", "phone": "2"})
	markAllPushed(t, store)

	store.WithWriter(ctx, func(w *Writer) error {
		if _, err := w.Update(schema.TableFarmers, "f1", Fields{"name": "A2"}); err != nil {
			return err
		}
		if err := w.MarkDeleted(schema.TableFarmers, "f2"); err != nil {
			return err
		}
		_, err := w.Create(schema.TableLogs, Fields{"id": "l1", "content": "c", "type": "note", "farmer_id": "f1"})
		return err
	})

	batch, err := store.PendingChanges(ctx)
	if err != nil {
		t.Fatalf("PendingChanges() error = %v", err)
	}
	if batch.Len() != 3 {
		t.Fatalf("batch.Len() = %d, want 3", batch.Len())
	}

	cs := batch.ChangeSet()
	farmers, logs := cs[schema.TableFarmers], cs[schema.TableLogs]
	if len(farmers.Updated) != 1 || farmers.Updated[0]["name"] != "A2" {
		t.Errorf("farmers.updated = %v", farmers.Updated)
	}
	if len(farmers.Deleted) != 1 || farmers.Deleted[0] != "f2" {
		t.Errorf("farmers.deleted = %v", farmers.Deleted)
	}
	if len(logs.Created) != 1 || logs.Created[0].ID() != "l1" {
		t.Fatalf("logs.created = %v", logs.Created)
	}
	if _, ok := logs.Created[0]["is_synced"]; ok {
		t.Error("local-only column leaked into the push payload")
	}
	if _, ok := logs.Created[0]["_status"]; ok {
		t.Error("bookkeeping column leaked into the push payload")
	}
}

// TestMarkPushed_batchIsolation verifies rows changed after capture stay pending.
func TestMarkPushed_batchIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createFarmer(t, store, Fields{"id": "f1", "name": "A", "phone": "1"})
	createFarmer(t, store, Fields{"id": "f2", "name": "B", "phone": "2"})

	batch, err := store.PendingChanges(ctx)
	if err != nil {
		t.Fatalf("PendingChanges() error = %v", err)
	}

	// Mutations during the network round-trip.
	store.WithWriter(ctx, func(w *Writer) error {
		if _, err := w.Update(schema.TableFarmers, "f2", Fields{"name": "B2"}); err != nil {
			return err
		}
		_, err := w.Create(schema.TableFarmers, Fields{"id": "f3", "name": "C", "phone": "3"})
		return err
	})

	cleared, err := store.MarkPushed(ctx, batch)
	if err != nil {
		t.Fatalf("MarkPushed() error = %v", err)
	}
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}

	for id, wantPending := range map[string]bool{"f1": false, "f2": true, "f3": true} {
		rec, _ := store.FindByID(ctx, schema.TableFarmers, id)
		if rec.Pending() != wantPending {
			t.Errorf("%s pending = %v, want %v", id, rec.Pending(), wantPending)
		}
	}
	if n, _ := store.PendingCount(ctx); n != 2 {
		t.Errorf("PendingCount() = %d, want 2", n)
	}
}

// TestMarkPushed_purgesAcknowledgedTombstones verifies acknowledged deletes
// are compacted and is_synced is set on ack.
func TestMarkPushed_purgesAcknowledgedTombstones(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createFarmer(t, store, Fields{"id": "f1", "name": "A", "phone": "1"})
	store.WithWriter(ctx, func(w *Writer) error {
		_, err := w.Create(schema.TableLogs, Fields{"id": "l1", "content": "c", "type": "note", "farmer_id": "f1"})
		return err
	})
	markAllPushed(t, store)

	rec, _ := store.FindByID(ctx, schema.TableLogs, "l1")
	if !rec.Bool("is_synced") {
		t.Error("is_synced should be true after ack")
	}

	store.WithWriter(ctx, func(w *Writer) error {
		return w.MarkDeleted(schema.TableFarmers, "f1")
	})
	markAllPushed(t, store)

	if _, err := store.FindByID(ctx, schema.TableFarmers, "f1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("acknowledged tombstone should be purged, FindByID() error = %v", err)
	}
}

// TestPurgeTombstones verifies only synced tombstones are removed.
func TestPurgeTombstones(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	createFarmer(t, store, Fields{"id": "f1", "name": "A", "phone": "1"})
	createFarmer(t, store, Fields{"id": "f2", "name": "B", "phone": "2"})
	markAllPushed(t, store)

	store.ApplyRemoteChanges(ctx, protocol.ChangeSet{schema.TableFarmers: {Deleted: []string{"f1"}}})
	store.WithWriter(ctx, func(w *Writer) error {
		return w.MarkDeleted(schema.TableFarmers, "f2")
	})

	purged, err := store.PurgeTombstones(ctx)
	if err != nil {
		t.Fatalf("PurgeTombstones() error = %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if _, err := store.FindByID(ctx, schema.TableFarmers, "f2"); err != nil {
		t.Errorf("unacknowledged tombstone was purged: %v", err)
	}
}
