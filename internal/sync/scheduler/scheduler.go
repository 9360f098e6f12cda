// Package scheduler runs sync cycles in the background: on an interval, on
// demand, and after the device comes back online. Failed cycles are retried
// with exponential backoff.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/agrios/offline/internal/errors"
	"github.com/agrios/offline/internal/logging"
	syncpkg "github.com/agrios/offline/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine         syncpkg.SyncEngineInterface
	syncInterval   time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	cycleTimeout   time.Duration

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	syncInProgress bool
	failures       int
	nextDelay      time.Duration
	retryAt        time.Time // earliest next cycle while failing
	lastErr        error
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval   time.Duration // How often to sync when online (default: 15 minutes)
	InitialBackoff time.Duration // Delay after the first failure (default: 1 second)
	MaxBackoff     time.Duration // Upper bound on the failure delay (default: 5 minutes)
	CycleTimeout   time.Duration // Bound on one scheduled cycle (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:   15 * time.Minute,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     5 * time.Minute,
		CycleTimeout:   syncpkg.DefaultCycleTimeout,
	}
}

// NewScheduler creates a new Scheduler. Zero config fields take defaults.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	s := &Scheduler{
		engine:         engine,
		syncInterval:   orDefault(config.SyncInterval, def.SyncInterval),
		initialBackoff: orDefault(config.InitialBackoff, def.InitialBackoff),
		maxBackoff:     orDefault(config.MaxBackoff, def.MaxBackoff),
		cycleTimeout:   orDefault(config.CycleTimeout, def.CycleTimeout),
		triggerCh:      make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		isOnline:       true, // Assume online initially
	}
	if s.maxBackoff < s.initialBackoff {
		s.maxBackoff = s.initialBackoff
	}
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Backoff returns the delay after the given number of consecutive failures:
// initial, 2*initial, 4*initial, ... capped at maxDelay.
func Backoff(failures int, initial, maxDelay time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := initial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Start starts the background sync loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
}

// Stop stops the background sync loop and waits for a running cycle to end.
// A stopped scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler. While offline
// no cycle runs; going online triggers one.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	if isOnline && !wasOnline {
		s.failures = 0
		s.retryAt = time.Time{}
	}
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
	if isOnline && !wasOnline {
		s.Trigger()
	}
}

// Trigger asks the loop to run a cycle as soon as possible. Triggers made
// while one is already queued are merged, and a trigger arriving while the
// loop backs off after a failure waits for the backoff to end. It reports
// whether a new trigger was queued.
func (s *Scheduler) Trigger() bool {
	select {
	case s.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.triggerCh:
			if wait := s.backoffRemaining(); wait > 0 {
				// The pending timer already fires when the backoff ends.
				logging.Debug("Sync trigger deferred by backoff",
					map[string]interface{}{"retry_in_ms": wait.Milliseconds()})
				continue
			}
		case <-timer.C:
		}

		delay := s.runSync(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
	}
}

// backoffRemaining returns how long a triggered cycle must still wait after
// consecutive failures.
func (s *Scheduler) backoffRemaining() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failures == 0 {
		return 0
	}
	return time.Until(s.retryAt)
}

// runSync executes one cycle and returns the delay before the next one.
func (s *Scheduler) runSync(ctx context.Context) time.Duration {
	if !s.IsOnline() {
		logging.Debug("Skipping sync - scheduler is offline", nil)
		return s.syncInterval
	}

	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	syncCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	result, err := s.engine.Sync(syncCtx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncInProgress = false
	s.lastErr = err

	if err != nil {
		s.failures++
		s.nextDelay = Backoff(s.failures, s.initialBackoff, s.maxBackoff)
		s.retryAt = time.Now().Add(s.nextDelay)
		logging.Get().ErrorWithCode("Scheduled sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{
				"failures":    s.failures,
				"retry_in_ms": s.nextDelay.Milliseconds(),
			})
		return s.nextDelay
	}

	s.failures = 0
	s.retryAt = time.Time{}
	s.lastSyncTime = time.Now()
	s.nextDelay = s.syncInterval
	if result != nil && result.NeedsPull {
		// The push was rejected as stale; pull and push again right away.
		s.nextDelay = s.initialBackoff
	}

	fields := map[string]interface{}{"next_in_ms": s.nextDelay.Milliseconds()}
	if result != nil {
		fields["pulled"] = result.Pulled
		fields["pushed"] = result.Pushed
		fields["conflicts"] = result.Conflicts
		fields["needs_pull"] = result.NeedsPull
	}
	logging.Info("Scheduled sync completed", fields)
	return s.nextDelay
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning           bool
	IsOnline            bool
	LastSyncTime        *time.Time
	SyncInProgress      bool
	ConsecutiveFailures int
	NextDelay           time.Duration
	LastError           error
	PendingChanges      int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:           s.isRunning,
		IsOnline:            s.isOnline,
		SyncInProgress:      s.syncInProgress,
		ConsecutiveFailures: s.failures,
		NextDelay:           s.nextDelay,
		LastError:           s.lastErr,
		PendingChanges:      s.engine.PendingChanges(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// SyncNow runs a cycle and waits for it, joining one already in flight.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"pulled":    result.Pulled,
			"pushed":    result.Pushed,
			"conflicts": result.Conflicts,
		})
	return result, nil
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
