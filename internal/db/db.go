// Package db is the server document store for synchronized records.
//
// Records of every collection live in a single documents table keyed by
// (collection, id). The JSON body is opaque to the store; only the columns
// needed for delta queries are broken out:
//
//   - owner_id, updated_at: delta pulls (updated_at > cursor, per owner)
//   - created_at: created vs updated classification
//   - deleted: tombstones
//   - has_recurrence: the recurrence generator's scan
//   - version: optimistic concurrency, incremented on every write
//
// updated_at is assigned by Commit from the sync_clock row, inside the write
// transaction, and strictly increases across commits. Snapshot reads under
// the same row, so a pull's timestamp is ordered against every writer.
//
// Timestamps are stored as Unix milliseconds so cursor comparisons are exact
// integer comparisons on both backends.
//
// Two backends are supported through sqlx:
//   - sqlite (default): embedded SQLite via ncruces/go-sqlite3 in WAL mode
//   - postgres: lib/pq, for deployments with several server processes
//
// Writes go through Batch, which commits atomically and checks version
// preconditions inside the transaction.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrVersionConflict is returned by Commit when a document changed since it
	// was read, or a created document already exists.
	ErrVersionConflict = errors.New("version conflict")
)

// Config selects the backend.
type Config struct {
	Driver string // sqlite (default) or postgres
	DSN    string // sqlite: database file path; postgres: connection string
}

// DB wraps the sqlx connection pool.
type DB struct {
	conn   *sqlx.DB
	driver string
	path   string
}

// Open opens (and creates if needed) an SQLite store at path.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	store, err := db.Open("data/mma.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenConfig(Config{Driver: DriverSQLite, DSN: path})
}

// OpenConfig opens the store described by cfg. The schema is not created;
// call InitSchema.
func OpenConfig(cfg Config) (*DB, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return openSQLite(cfg.DSN)
	case DriverPostgres:
		return openPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openSQLite(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// PRAGMAs go in the DSN so every pooled connection gets them.
	// Immediate transactions take the write lock up front, which avoids
	// SQLITE_BUSY on lock upgrade when pushes commit concurrently.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, driver: DriverSQLite, path: path}, nil
}

func openPostgres(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	conn, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, driver: DriverPostgres}, nil
}

// Driver returns the backend name.
func (db *DB) Driver() string {
	return db.driver
}

// Ping checks the connection; used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection.
// On SQLite it checkpoints the WAL first so all changes land in the main file.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.driver == DriverSQLite {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		body TEXT NOT NULL,  -- JSON record
		deleted INTEGER NOT NULL DEFAULT 0,
		has_recurrence INTEGER NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL,  -- unix ms
		updated_at BIGINT NOT NULL,  -- unix ms, server stamped
		PRIMARY KEY (collection, id)
	);

	-- Delta pulls: per owner, per collection, by server stamp
	CREATE INDEX IF NOT EXISTS idx_documents_delta
	    ON documents(collection, owner_id, updated_at);

	-- Recurrence scan across all owners
	CREATE INDEX IF NOT EXISTS idx_documents_recurring
	    ON documents(collection, has_recurrence, deleted);

	-- Single row: the last stamp handed out by Commit or Snapshot
	CREATE TABLE IF NOT EXISTS sync_clock (
		id INTEGER PRIMARY KEY,
		last_stamp BIGINT NOT NULL  -- unix ms
	);
	-- WHERE true keeps SQLite from reading ON CONFLICT as a join clause
	INSERT INTO sync_clock (id, last_stamp)
	    SELECT 1, COALESCE(MAX(updated_at), 0) FROM documents WHERE true
	    ON CONFLICT (id) DO NOTHING;

	CREATE TABLE IF NOT EXISTS rate_limits (
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		day TEXT NOT NULL,  -- yyyy-mm-dd, UTC
		count INTEGER NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (user_id, action, day)
	);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
