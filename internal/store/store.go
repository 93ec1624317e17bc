// Package store is the sole gateway to persistent state. Every mutation
// runs in a short transaction against the embedded sqlite database; readers
// run lock-free. The database handle is limited to a single connection
// because the file itself is the serializer — a connection pool on top of a
// single-file engine only adds race windows.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a task or orchestration id does not exist.
var ErrNotFound = errors.New("not found")

// ErrStateConflict is returned by compare-and-set transitions when the
// row's current status does not match the expected one.
var ErrStateConflict = errors.New("status conflict")

// Store wraps the tasks database.
type Store struct {
	db     *sql.DB
	logDir string
	now    func() time.Time
}

// Open opens (creating if needed) the tasks database at dbPath. logDir is
// where per-task log paths are rooted at insert time. A corrupt database is
// surfaced here so the service refuses to run on it.
func Open(ctx context.Context, dbPath, logDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection, fresh session semantics: concurrent writers on a
	// single-file engine deadlock behind a pool.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	s := &Store{db: db, logDir: logDir, now: func() time.Time { return time.Now().UTC() }}

	if err := s.checkIntegrity(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory(ctx context.Context, logDir string) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logDir: logDir, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// checkIntegrity runs sqlite's quick check; corruption is fatal at startup.
func (s *Store) checkIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed to run: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database is corrupt: %s", result)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// begin starts a write transaction with serializable isolation.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}

// timeString formats a timestamp for storage.
func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp, returning nil for NULL/empty.
func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("parsing stored timestamp %q: %w", s.String, err)
	}
	return &t, nil
}
