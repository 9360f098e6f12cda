// Package sync provides the pull/apply/push synchronization engine.
package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync runs a sync cycle, or joins the one in flight.
	// Returns the sync result with statistics or an error if sync fails.
	Sync(ctx context.Context) (*SyncResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	// The handler receives events during sync operations.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// PendingChanges returns the number of local changes not yet acknowledged
	// by the server, as of the last cycle.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}

// SyncEventType identifies a point in the sync cycle.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "started"
	SyncEventPulled    SyncEventType = "pulled"
	SyncEventPushed    SyncEventType = "pushed"
	SyncEventCompleted SyncEventType = "completed"
	SyncEventFailed    SyncEventType = "failed"
)

// SyncEvent is delivered to the event handler during a cycle.
type SyncEvent struct {
	Type      SyncEventType
	Timestamp time.Time
	Result    *SyncResult // set on pulled, pushed, completed and failed
	Err       error       // set on failed
}

// SyncEventHandler receives sync events. OnSyncEvent is called on the
// syncing goroutine and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}
