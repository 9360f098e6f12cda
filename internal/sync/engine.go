package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/agrios/offline/internal/db"
	apperrors "github.com/agrios/offline/internal/errors"
	"github.com/agrios/offline/internal/logging"
	"github.com/agrios/offline/internal/protocol"
	"github.com/agrios/offline/internal/schema"
	"github.com/agrios/offline/internal/sync/conflict"
	"github.com/agrios/offline/internal/telemetry"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// DefaultCycleTimeout bounds follow-up cycles, which run detached from any caller.
const DefaultCycleTimeout = 5 * time.Minute

// Remote is the sync server.
type Remote interface {
	// Pull returns every change the server accepted after lastPulledAt.
	Pull(ctx context.Context, lastPulledAt int64, schemaVersion int) (*protocol.PullResponse, error)

	// Push uploads local changes made since lastPulledAt.
	Push(ctx context.Context, changes protocol.ChangeSet, lastPulledAt int64) error
}

// Store is the part of the local store the engine drives. *db.Store
// implements it.
type Store interface {
	Schema() *schema.AppSchema
	ChangeSeq() uint64
	LastPulledAt(ctx context.Context) (int64, error)
	SetLastPulledAt(ctx context.Context, ts int64) error
	ApplyRemoteChanges(ctx context.Context, changes protocol.ChangeSet) (db.ApplyStats, error)
	PendingChanges(ctx context.Context) (*db.PendingBatch, error)
	MarkPushed(ctx context.Context, batch *db.PendingBatch) (int, error)
	PurgeTombstones(ctx context.Context) (int, error)
	PendingCount(ctx context.Context) (int, error)
}

// SyncResult represents the result of a sync cycle.
type SyncResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	PreviousCursor int64 // last_pulled_at sent with the pull
	Cursor         int64 // last_pulled_at after the cycle

	Pulled    int // changes received
	Applied   int // rows written by the apply step
	Conflicts int // pending local rows overwritten by the server
	Pushed    int // changes sent
	Cleared   int // pending markers cleared after the push
	Purged    int // acknowledged tombstones removed

	// NeedsPull is set when the server rejected the push as stale. The
	// changes stay pending and the next cycle pulls before pushing again.
	NeedsPull bool

	Error string
}

// Option configures an Engine.
type Option func(*Engine)

// WithConflictRecorder reports resolved conflicts to r.
func WithConflictRecorder(r *conflict.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithTelemetry sends cycle outcomes to sink.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(e *Engine) { e.sink = telemetry.OrNop(sink) }
}

// WithClock overrides time.Now for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCycleTimeout bounds follow-up cycles.
func WithCycleTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cycleTimeout = d
		}
	}
}

// cycle is one run of the sync cycle and the callers waiting on it.
type cycle struct {
	done     chan struct{}
	startSeq uint64
	result   *SyncResult
	err      error
}

// Engine runs sync cycles against a Remote. At most one cycle runs at a time;
// concurrent Sync calls coalesce onto the running cycle or a single
// follow-up.
type Engine struct {
	store        Store
	remote       Remote
	recorder     *conflict.Recorder
	sink         telemetry.Sink
	now          func() time.Time
	cycleTimeout time.Duration

	mu       stdsync.Mutex
	inflight *cycle
	next     *cycle
	status   SyncStatus
	lastSync *time.Time
	pending  int
	lastErr  error
	handler  SyncEventHandler

	followUps stdsync.WaitGroup
}

// NewEngine creates an Engine. A nil remote makes Sync fail with
// ErrNotConfigured, which keeps the app usable offline without a server.
func NewEngine(store Store, remote Remote, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		remote:       remote,
		sink:         telemetry.Nop{},
		now:          time.Now,
		cycleTimeout: DefaultCycleTimeout,
		status:       SyncStatusIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.recorder == nil {
		e.recorder = conflict.NewRecorder(e.sink)
	}
	return e
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync returns the end time of the last successful cycle.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// PendingChanges returns the pending row count observed after the last cycle.
func (e *Engine) PendingChanges() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// LastError returns the last sync error, including a stale push rejection.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// SetEventHandler sets the event handler. nil disables events.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Conflicts returns the recorder counting resolved conflicts.
func (e *Engine) Conflicts() *conflict.Recorder {
	return e.recorder
}

// Wait blocks until any detached follow-up cycle has finished.
func (e *Engine) Wait() {
	e.followUps.Wait()
}

// Sync runs a sync cycle. If a cycle is already running, the caller waits
// for it instead. When that cycle finishes and local data changed while it
// ran, exactly one follow-up cycle runs for all waiters and they receive
// its result; otherwise they receive the finished cycle's result.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if e.remote == nil {
		return nil, ErrNotConfigured
	}

	e.mu.Lock()
	if e.inflight != nil {
		if e.next == nil {
			e.next = &cycle{done: make(chan struct{})}
		}
		c := e.next
		e.mu.Unlock()

		select {
		case <-c.done:
			return c.result, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &cycle{done: make(chan struct{}), startSeq: e.store.ChangeSeq()}
	e.inflight = c
	e.mu.Unlock()

	e.execute(ctx, c)
	return c.result, c.err
}

// execute runs c and releases its slot, even if the cycle panics.
func (e *Engine) execute(ctx context.Context, c *cycle) {
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("sync cycle panicked: %v", r)
			e.finish(c)
			panic(r)
		}
	}()
	c.result, c.err = e.runCycle(ctx)
	e.finish(c)
}

// finish hands the cycle's waiters either its result or a follow-up cycle.
func (e *Engine) finish(c *cycle) {
	e.mu.Lock()
	next := e.next
	e.next = nil
	switch {
	case next == nil:
		e.inflight = nil
	case e.store.ChangeSeq() == c.startSeq:
		next.result, next.err = c.result, c.err
		e.inflight = nil
		close(next.done)
	default:
		next.startSeq = e.store.ChangeSeq()
		e.inflight = next
		e.followUps.Add(1)
		go func() {
			defer e.followUps.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.cycleTimeout)
			defer cancel()
			e.execute(ctx, next)
		}()
	}
	e.mu.Unlock()
	close(c.done)
}

// runCycle pulls, applies, advances the cursor, then pushes and clears.
func (e *Engine) runCycle(ctx context.Context) (result *SyncResult, err error) {
	result = &SyncResult{StartTime: e.now()}
	var stale *PushFailure

	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.mu.Unlock()
	e.emitEvent(SyncEvent{Type: SyncEventStarted, Timestamp: result.StartTime})

	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		e.complete(ctx, result, err, stale)
	}()

	cursor, err := e.store.LastPulledAt(ctx)
	if err != nil {
		return result, &PullFailure{Stage: StageCursor, Err: err}
	}
	result.PreviousCursor = cursor
	result.Cursor = cursor

	resp, err := e.remote.Pull(ctx, cursor, e.store.Schema().Version)
	if err != nil {
		return result, &PullFailure{Stage: StageRequest, Err: err}
	}
	result.Pulled = resp.Changes.Len()

	stats, err := e.store.ApplyRemoteChanges(ctx, resp.Changes)
	if err != nil {
		return result, &PullFailure{Stage: StageApply, Err: err}
	}
	result.Applied = stats.Total()
	result.Conflicts = len(stats.Conflicts)
	e.recorder.Record(stats.Conflicts)

	if resp.Timestamp >= cursor {
		if err := e.store.SetLastPulledAt(ctx, resp.Timestamp); err != nil {
			return result, &PullFailure{Stage: StageCursor, Err: err}
		}
		result.Cursor = resp.Timestamp
	} else {
		logging.Warn("Server timestamp behind local cursor, keeping cursor",
			map[string]interface{}{
				"cursor":           cursor,
				"server_timestamp": resp.Timestamp,
			})
	}
	e.emitEvent(SyncEvent{Type: SyncEventPulled, Timestamp: e.now(), Result: result})

	batch, err := e.store.PendingChanges(ctx)
	if err != nil {
		return result, &PushFailure{Stage: StageCapture, Err: err}
	}
	if batch.Len() > 0 {
		if err := e.remote.Push(ctx, batch.ChangeSet(), result.Cursor); err != nil {
			failure := &PushFailure{Stage: StageRequest, Err: err}
			if !failure.Stale() {
				return result, failure
			}
			result.NeedsPull = true
			stale = failure
			logging.Warn("Push rejected as stale, changes stay pending until the next pull",
				map[string]interface{}{
					"cursor":  result.Cursor,
					"pending": batch.Len(),
				})
			return result, nil
		}
		result.Pushed = batch.Len()

		cleared, err := e.store.MarkPushed(ctx, batch)
		if err != nil {
			return result, &PushFailure{Stage: StageAck, Err: err}
		}
		result.Cleared = cleared
		e.emitEvent(SyncEvent{Type: SyncEventPushed, Timestamp: e.now(), Result: result})
	}

	purged, err := e.store.PurgeTombstones(ctx)
	if err != nil {
		logging.Warn("Failed to purge tombstones", map[string]interface{}{"error": err.Error()})
		return result, nil
	}
	result.Purged = purged
	return result, nil
}

// complete records the outcome of a cycle in the engine state.
func (e *Engine) complete(ctx context.Context, result *SyncResult, err error, stale *PushFailure) {
	pending, countErr := e.store.PendingCount(context.WithoutCancel(ctx))

	fields := map[string]interface{}{
		"pulled":      result.Pulled,
		"pushed":      result.Pushed,
		"conflicts":   result.Conflicts,
		"cursor":      result.Cursor,
		"duration_ms": result.Duration.Milliseconds(),
	}

	e.mu.Lock()
	if countErr == nil {
		e.pending = pending
	}
	if err != nil {
		result.Error = err.Error()
		e.status = SyncStatusFailed
		e.lastErr = err
	} else {
		end := result.EndTime
		e.status = SyncStatusIdle
		e.lastSync = &end
		e.lastErr = nil
		if stale != nil {
			result.Error = stale.Error()
			e.lastErr = stale
		}
	}
	e.mu.Unlock()

	if err != nil {
		logging.Get().ErrorWithCode("Sync cycle failed", string(apperrors.CodeOf(err)), err, fields)
		e.sink.TrackError(err, fields)
		e.emitEvent(SyncEvent{Type: SyncEventFailed, Timestamp: result.EndTime, Result: result, Err: err})
		return
	}
	fields["needs_pull"] = result.NeedsPull
	logging.Info("Sync cycle completed", fields)
	e.sink.TrackEvent("sync_completed", fields)
	e.emitEvent(SyncEvent{Type: SyncEventCompleted, Timestamp: result.EndTime, Result: result})
}

func (e *Engine) emitEvent(event SyncEvent) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Sync event handler panicked", fmt.Errorf("%v", r),
				map[string]interface{}{"event": string(event.Type)})
		}
	}()
	handler.OnSyncEvent(event)
}
