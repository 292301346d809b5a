// ============================================================================
// Managed-Job State Store - Core Lifecycle
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Open/close a single-file embedded SQLite database tracking the
//          task lifecycle (ManagedJobStatus) and the scheduler lifecycle
//          (ManagedJobScheduleState) behind a small set of atomic
//          conditional updates
//
// Design Philosophy:
//   Every mutator is one SQL statement gated on the caller's expected
//   current state. The database file itself, accessed through SQLite's own
//   write-ahead log, supplies durability and single-writer serialization —
//   there is no separate transaction log or in-memory cache to keep
//   consistent with the rows on disk.
//
// Concurrency:
//   A Store is safe for concurrent use from multiple goroutines. Exactly
//   one open writer connection (SetMaxOpenConns(1)) makes the single-writer
//   serialization guarantee explicit at the database/sql layer, instead of
//   relying solely on SQLite's own file lock to arbitrate between pooled
//   connections. Every data-bearing method below takes a context.Context
//   that bounds the wait for that connection, not the statement itself — a
//   single UPDATE/SELECT either completes or it doesn't.
//
// ============================================================================

// Package store implements the managed-job state store described above.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

var log = slog.Default()

// DefaultBusyTimeoutMillis bounds how long a writer waits for the SQLite
// file lock before giving up, rather than failing immediately with
// SQLITE_BUSY under the contention the concurrency model (multiple
// controller processes, one scheduler) expects as routine.
const DefaultBusyTimeoutMillis = 5000

// DefaultPriority is used for jobs submitted without an explicit priority,
// and is the value schema migration backfills into legacy rows.
const DefaultPriority = 100

// DefaultWorkspace is the legacy sentinel workspace name.
const DefaultWorkspace = "default"

// Option configures a Store at construction time.
type Option func(*config)

type config struct {
	busyTimeoutMillis int
	walEnabled        bool
}

// WithBusyTimeout overrides the default busy_timeout, in milliseconds.
func WithBusyTimeout(millis int) Option {
	return func(c *config) { c.busyTimeoutMillis = millis }
}

// WithWALDisabled skips the PRAGMA journal_mode=WAL attempt entirely. Useful
// for tests against filesystems (tmpfs overlays, some CI sandboxes) known to
// reject WAL's shared-memory file.
func WithWALDisabled() Option {
	return func(c *config) { c.walEnabled = false }
}

// Store is the managed-job state store. A Store is safe for concurrent use
// from multiple goroutines; SQLite's own locking serializes concurrent
// writers across processes.
type Store struct {
	db *sql.DB

	initOnce sync.Once
	ready    atomic.Bool
	initErr  error

	notify NotifyFunc
}

// Open opens (creating if necessary) the database file at path, runs schema
// migration, and returns a ready Store. path's parent directory is created
// if missing.
//
// Returns:
//   - error wrapping the underlying sqlite3/migration failure
func Open(path string, opts ...Option) (*Store, error) {
	cfg := config{busyTimeoutMillis: DefaultBusyTimeoutMillis, walEnabled: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// Exactly one open writer connection makes the single-writer
	// serialization guarantee explicit at the database/sql layer, instead
	// of relying solely on SQLite's own file lock to arbitrate between
	// pooled connections.
	db.SetMaxOpenConns(1)

	if cfg.walEnabled {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			log.Warn("store: WAL mode unavailable, continuing with default journal mode", "error", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.busyTimeoutMillis)); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign_keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetNotifier installs the callback invoked after a successful transition.
// A nil notifier (the default) is a silent no-op sink.
func (s *Store) SetNotifier(fn NotifyFunc) {
	s.notify = fn
}

func (s *Store) fire(event string) {
	if s.notify != nil {
		s.notify(event)
	}
}

// init runs schema creation/migration exactly once per Store, guarded by a
// one-time mutex with an atomic fast-path for repeat callers.
func (s *Store) init() error {
	if s.ready.Load() {
		return s.initErr
	}
	s.initOnce.Do(func() {
		s.initErr = runMigrations(s.db)
		s.ready.Store(true)
	})
	return s.initErr
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the path of the open database file, primarily for tests and
// for handing to internal/backup.
func (s *Store) Path(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, "PRAGMA database_list")
	var seq int
	var name, file string
	if err := row.Scan(&seq, &name, &file); err != nil {
		return "", fmt.Errorf("store: query database path: %w", err)
	}
	return file, nil
}

// DB exposes the underlying *sql.DB for components (internal/backup,
// internal/metrics) that need to drive additional statements against the
// same connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}
