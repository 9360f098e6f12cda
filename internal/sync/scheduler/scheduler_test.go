// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	syncpkg "github.com/agrios/offline/internal/sync"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine counts Sync calls and fails the first failN of them.
type fakeEngine struct {
	mu        sync.Mutex
	calls     int
	failN     int
	needsPull bool
	callTimes []time.Time
}

func (f *fakeEngine) Sync(ctx context.Context) (*syncpkg.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.callTimes = append(f.callTimes, time.Now())
	if f.calls <= f.failN {
		return nil, errors.New("server unreachable")
	}
	return &syncpkg.SyncResult{NeedsPull: f.needsPull && f.calls == 1}, nil
}

func (f *fakeEngine) SetEventHandler(syncpkg.SyncEventHandler) {}
func (f *fakeEngine) Status() syncpkg.SyncStatus               { return syncpkg.SyncStatusIdle }
func (f *fakeEngine) LastSync() *time.Time                     { return nil }
func (f *fakeEngine) PendingChanges() int                      { return 0 }
func (f *fakeEngine) LastError() error                         { return nil }

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func createTestScheduler(t *testing.T, engine *fakeEngine, interval time.Duration) *Scheduler {
	t.Helper()
	s := NewScheduler(engine, &SchedulerConfig{
		SyncInterval:   interval,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		CycleTimeout:   time.Second,
	})
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// =====================================================
// Configuration Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncInterval != 15*time.Minute {
		t.Errorf("SyncInterval = %v, want 15m", config.SyncInterval)
	}
	if config.InitialBackoff != time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 5*time.Minute {
		t.Errorf("MaxBackoff = %v, want 5m", config.MaxBackoff)
	}
}

// TestNewScheduler_nilConfig verifies default config is used.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, nil)

	if s.syncInterval != 15*time.Minute {
		t.Errorf("syncInterval = %v, want 15m (default)", s.syncInterval)
	}
	if !s.IsOnline() {
		t.Error("isOnline should be true by default")
	}
	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}
}

// TestBackoff verifies exponential growth and the cap.
func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{8, 128 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{50, 5 * time.Minute},
	}

	for _, tt := range tests {
		if got := Backoff(tt.failures, time.Second, 5*time.Minute); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

// =====================================================
// Loop Tests
// =====================================================

// TestStart_runsImmediatelyAndPeriodically verifies the first and later cycles.
func TestStart_runsImmediatelyAndPeriodically(t *testing.T) {
	engine := &fakeEngine{}
	s := createTestScheduler(t, engine, 10*time.Millisecond)

	s.Start(context.Background())
	s.Start(context.Background()) // second Start is a no-op

	waitFor(t, "three cycles", func() bool { return engine.callCount() >= 3 })

	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() should be false after Stop")
	}
	if s.GetStatus().LastSyncTime == nil {
		t.Error("LastSyncTime should be set after a successful cycle")
	}
}

// TestTrigger verifies a manual trigger runs a cycle before the interval.
func TestTrigger(t *testing.T) {
	engine := &fakeEngine{}
	s := createTestScheduler(t, engine, time.Hour)
	s.Start(context.Background())

	waitFor(t, "initial cycle", func() bool { return engine.callCount() == 1 })

	s.Trigger()
	waitFor(t, "triggered cycle", func() bool { return engine.callCount() == 2 })
}

// TestTrigger_merges verifies at most one trigger is queued.
func TestTrigger_merges(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, nil)

	if !s.Trigger() {
		t.Error("first Trigger() should queue")
	}
	if s.Trigger() {
		t.Error("second Trigger() should merge into the queued one")
	}
}

// TestRunSync_backoff verifies failures back off and success resets the count.
func TestRunSync_backoff(t *testing.T) {
	engine := &fakeEngine{failN: 3}
	s := createTestScheduler(t, engine, time.Hour)
	ctx := context.Background()

	wantDelays := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}
	for i, want := range wantDelays {
		if got := s.runSync(ctx); got != want {
			t.Errorf("failure %d delay = %v, want %v", i+1, got, want)
		}
	}
	status := s.GetStatus()
	if status.ConsecutiveFailures != 3 || status.LastError == nil {
		t.Errorf("status = %+v, want 3 failures with an error", status)
	}

	if got := s.runSync(ctx); got != time.Hour {
		t.Errorf("success delay = %v, want interval", got)
	}
	if s.GetStatus().ConsecutiveFailures != 0 {
		t.Error("success should reset the failure count")
	}
}

// TestRunSync_needsPull verifies a stale push schedules a quick retry.
func TestRunSync_needsPull(t *testing.T) {
	engine := &fakeEngine{needsPull: true}
	s := createTestScheduler(t, engine, time.Hour)

	if got := s.runSync(context.Background()); got != 5*time.Millisecond {
		t.Errorf("delay = %v, want initial backoff", got)
	}
}

// TestLoop_retriesAfterFailure verifies the loop keeps going after failures.
func TestLoop_retriesAfterFailure(t *testing.T) {
	engine := &fakeEngine{failN: 2}
	s := createTestScheduler(t, engine, time.Hour)
	s.Start(context.Background())

	waitFor(t, "recovery", func() bool { return engine.callCount() >= 3 })
	waitFor(t, "failure reset", func() bool { return s.GetStatus().ConsecutiveFailures == 0 })
}

// TestTrigger_respectsBackoff verifies repeated triggers against a failing
// engine do not run cycles faster than the backoff allows.
func TestTrigger_respectsBackoff(t *testing.T) {
	engine := &fakeEngine{failN: 1000}
	initial, maxDelay := 40*time.Millisecond, 80*time.Millisecond
	s := NewScheduler(engine, &SchedulerConfig{
		SyncInterval:   time.Hour,
		InitialBackoff: initial,
		MaxBackoff:     maxDelay,
		CycleTimeout:   time.Second,
	})
	t.Cleanup(s.Stop)
	s.Start(context.Background())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				s.Trigger()
			}
		}
	}()
	time.Sleep(300 * time.Millisecond)
	close(stop)
	wg.Wait()
	s.Stop()

	engine.mu.Lock()
	times := append([]time.Time(nil), engine.callTimes...)
	engine.mu.Unlock()

	// 0, 40, 120, 200, 280 ms at the earliest.
	if len(times) < 2 || len(times) > 5 {
		t.Fatalf("cycles = %d in 300ms, want between 2 and 5", len(times))
	}
	for i := 1; i < len(times); i++ {
		want := Backoff(i, initial, maxDelay)
		if gap := times[i].Sub(times[i-1]); gap < want {
			t.Errorf("cycle %d ran %v after the previous one, want >= %v", i+1, gap, want)
		}
	}
}

// =====================================================
// Online Status Tests
// =====================================================

// TestSetOnlineStatus verifies offline skips cycles and going online triggers one.
func TestSetOnlineStatus(t *testing.T) {
	engine := &fakeEngine{}
	s := createTestScheduler(t, engine, time.Hour)
	s.SetOnlineStatus(false)

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	if engine.callCount() != 0 {
		t.Fatalf("calls = %d while offline, want 0", engine.callCount())
	}

	s.SetOnlineStatus(true)
	waitFor(t, "cycle after going online", func() bool { return engine.callCount() == 1 })
	if !s.IsOnline() {
		t.Error("IsOnline() should be true")
	}
}

// TestStart_contextCancel verifies the loop exits with its context.
func TestStart_contextCancel(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, &SchedulerConfig{SyncInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitFor(t, "initial cycle", func() bool { return engine.callCount() == 1 })
	cancel()

	s.Stop()
}

// TestSyncNow verifies a manual sync waits for the result.
func TestSyncNow(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, nil)

	result, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if result == nil || engine.callCount() != 1 {
		t.Errorf("result = %v, calls = %d", result, engine.callCount())
	}
	if s.GetStatus().LastSyncTime == nil {
		t.Error("LastSyncTime should be set")
	}

	failing := NewScheduler(&fakeEngine{failN: 1}, nil)
	if _, err := failing.SyncNow(context.Background()); err == nil {
		t.Error("SyncNow() should return the engine error")
	}
}
