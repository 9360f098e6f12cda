// Package db is the local store engine: an embedded SQLite database with a
// single scoped writer, snapshot readers and the pending bookkeeping the sync
// engine relies on.
//
// The database is opened with:
//   - WAL mode so readers see the last committed state while a writer is open
//   - synchronous=FULL so a commit is durable before WithWriter returns
//   - foreign key constraints enabled
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agrios/offline/internal/schema"

	_ "modernc.org/sqlite"
)

// Options configures Open.
type Options struct {
	// Path of the database file. The parent directory is created if needed.
	Path string

	// Schema declares the tables. Defaults to schema.Get().
	Schema *schema.AppSchema

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// MaxOpenConns bounds the connection pool. Defaults to 4.
	MaxOpenConns int
}

// Store is the process-wide local store. Open one per application session
// and pass it to whatever needs it.
type Store struct {
	db     *sql.DB
	path   string
	schema *schema.AppSchema
	tables map[string]*table
	now    func() time.Time

	// writeSem admits one writer at a time; waiters queue on the channel.
	writeSem  chan struct{}
	changeSeq atomic.Uint64

	// Prepared statements for hot read paths, keyed by query text.
	stmtCache sync.Map

	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating or migrating as needed) the store at opts.Path.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store path is empty")
	}
	if opts.Schema == nil {
		opts.Schema = schema.Get()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if err := opts.Schema.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)", opts.Path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxOpenConns)

	s := &Store{
		db:       sqlDB,
		path:     opts.Path,
		schema:   opts.Schema,
		tables:   make(map[string]*table, len(opts.Schema.Tables)),
		now:      opts.Clock,
		writeSem: make(chan struct{}, 1),
	}
	for _, ts := range opts.Schema.Tables {
		s.tables[ts.Name] = compileTable(ts)
	}

	if err := s.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	m := &migrator{db: s.db, now: s.now}
	if err := m.initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema_migrations: %w", err)
	}
	persisted, err := m.currentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	planned, err := plan(s.schema, persisted)
	if err != nil {
		return err
	}
	if err := m.run(ctx, planned); err != nil {
		return err
	}
	for _, stmt := range bookkeepingDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create bookkeeping tables: %w", err)
		}
	}
	return nil
}

// AppliedMigrations lists the recorded schema migrations.
func (s *Store) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	return (&migrator{db: s.db, now: s.now}).applied(ctx)
}

// Schema returns the declared schema.
func (s *Store) Schema() *schema.AppSchema {
	return s.schema
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// ChangeSeq increments on every committed local writer scope that mutated a
// row. Sync applies do not move it.
func (s *Store) ChangeSeq() uint64 {
	return s.changeSeq.Load()
}

// Close closes cached statements and the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.stmtCache.Range(func(_, value interface{}) bool {
			value.(*sql.Stmt).Close()
			return true
		})
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) table(name string) (*table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// prepare gets or creates a cached prepared statement.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// acquire blocks until the caller holds the single write slot.
func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.writeSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() {
	<-s.writeSem
}

// write runs fn inside one transaction while holding the write slot. The
// transaction is rolled back if fn returns an error or panics.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}
