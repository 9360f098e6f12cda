// Package conflict keeps account of conflicts resolved during sync.
//
// A pull onto a row with pending local edits applies the pulled values to
// the columns the device did not touch and leaves the local edits pending
// for the next push. A pulled deletion removes the row outright. Either way
// the local row is kept as a snapshot in the conflict log. The Recorder
// makes those resolutions visible in the structured log and the telemetry
// sink, and keeps running totals for status screens.
package conflict

import (
	"sort"
	"sync"

	"github.com/agrios/offline/internal/db"
	"github.com/agrios/offline/internal/logging"
	"github.com/agrios/offline/internal/telemetry"
)

// ResolutionStrategy names how a conflict was settled.
type ResolutionStrategy string

// Strategies applied by the store.
const (
	// ResolutionStrategyServerWins: a pulled deletion replaced the local row.
	ResolutionStrategyServerWins ResolutionStrategy = db.ResolutionRemoteWins
	// ResolutionStrategyReassert: the local edits were kept and will be
	// pushed again.
	ResolutionStrategyReassert ResolutionStrategy = db.ResolutionLocalKept
)

// Known reports whether s is a strategy the store applies.
func (s ResolutionStrategy) Known() bool {
	return s == ResolutionStrategyServerWins || s == ResolutionStrategyReassert
}

// EventConflictResolved is the telemetry event name for each recorded conflict.
const EventConflictResolved = "sync_conflict_resolved"

// Recorder logs and counts conflicts reported by ApplyRemoteChanges.
type Recorder struct {
	sink telemetry.Sink

	mu      sync.Mutex
	total   int
	byTable map[string]int
	last    *db.Conflict
}

// NewRecorder creates a Recorder reporting to sink. A nil sink drops events.
func NewRecorder(sink telemetry.Sink) *Recorder {
	return &Recorder{
		sink:    telemetry.OrNop(sink),
		byTable: make(map[string]int),
	}
}

// Record logs each conflict with the record id and both timestamps.
func (r *Recorder) Record(conflicts []db.Conflict) {
	if len(conflicts) == 0 {
		return
	}

	for i := range conflicts {
		c := conflicts[i]
		if !ResolutionStrategy(c.Resolution).Known() {
			logging.Warn("Conflict with unexpected resolution",
				map[string]interface{}{
					"table":      c.Table,
					"record_id":  c.RecordID,
					"resolution": c.Resolution,
				})
		}

		props := map[string]interface{}{
			"conflict_id":      c.ID,
			"table":            c.Table,
			"record_id":        c.RecordID,
			"local_status":     string(c.LocalStatus),
			"local_timestamp":  c.LocalUpdatedAt,
			"remote_timestamp": c.RemoteUpdatedAt,
			"resolution":       c.Resolution,
		}
		logging.Info("Conflict resolved", props)
		r.sink.TrackEvent(EventConflictResolved, props)

		r.mu.Lock()
		r.total++
		r.byTable[c.Table]++
		r.last = &c
		r.mu.Unlock()
	}
}

// Total returns the number of conflicts recorded since creation.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// ByTable returns a copy of the per-table counts.
func (r *Recorder) ByTable() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.byTable))
	for k, v := range r.byTable {
		out[k] = v
	}
	return out
}

// Tables returns the names of tables that had conflicts, sorted.
func (r *Recorder) Tables() []string {
	counts := r.ByTable()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Last returns the most recent conflict, or nil.
func (r *Recorder) Last() *db.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	c := *r.last
	return &c
}
