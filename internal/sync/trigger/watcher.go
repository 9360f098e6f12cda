// Package trigger starts sync cycles when the database file changes on disk.
//
// Other processes (the CLI, a second app instance) write to the same SQLite
// file. The DBWatcher notices those writes through fsnotify and calls back
// once the file has been quiet for the debounce period.
package trigger

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agrios/offline/internal/logging"
)

// DefaultDebounce is the quiet period used when none is given.
const DefaultDebounce = 500 * time.Millisecond

// DBWatcher watches a SQLite database file, including its WAL and journal.
type DBWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	names    map[string]bool
	debounce time.Duration
	onChange func()

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	fired   int
}

// NewDBWatcher creates a watcher for dbPath. onChange is called from the
// watcher goroutine and must not block for long.
func NewDBWatcher(dbPath string, debounce time.Duration, onChange func()) (*DBWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback is nil")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	base := filepath.Base(abs)
	return &DBWatcher{
		watcher: w,
		dir:     filepath.Dir(abs),
		names: map[string]bool{
			base:              true,
			base + "-wal":     true,
			base + "-journal": true,
		},
		debounce: debounce,
		onChange: onChange,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The database directory must exist.
func (w *DBWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch database directory %s: %w", w.dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and waits for the event goroutine to exit. A pending
// debounced callback is dropped.
func (w *DBWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Fired returns how many times the callback has run.
func (w *DBWatcher) Fired() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

func (w *DBWatcher) matches(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return w.names[filepath.Base(event.Name)]
}

func (w *DBWatcher) processEvents() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.mu.Lock()
			w.fired++
			w.mu.Unlock()
			logging.Debug("Database file changed", map[string]interface{}{"dir": w.dir})
			w.onChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Database watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}
