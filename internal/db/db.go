// Package db provides the SQLite persistence layer for mindsync.
//
// The database runs embedded (ncruces/go-sqlite3, WAL mode) and holds four
// tables:
//   - mindmaps: one JSON document per project (body, version, timestamps)
//   - features: one row per feature, metadata stored as JSON
//   - user_stories: stories attached to features (cascade on feature delete)
//   - pending_ops: the offline operation log, replayed in seq order
//
// Every query method has a Context variant; the plain variant uses
// context.Background().
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrVersionMismatch is returned by a guarded mindmap write when the stored
// version differs from the expected one.
var ErrVersionMismatch = errors.New("mindmap version mismatch")

// AnyVersion disables the version guard on WriteMindmapBodyContext.
const AnyVersion int64 = -1

// openers open non-file DSNs by scheme. Populated by build-tagged driver files.
var openers = map[string]func(dsn string) (*sql.DB, error){}

// DB wraps the database connection.
type DB struct {
	conn   *sql.DB
	path   string
	remote bool
}

// Open creates a database connection at the given path or DSN.
//
// A plain path opens an embedded SQLite file (created if missing) in WAL
// mode. DSNs with a registered scheme (libsql://, when built with the
// libsql tag) are handed to that driver.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	if scheme, _, ok := strings.Cut(path, "://"); ok {
		open, found := openers[scheme]
		if !found {
			return nil, fmt.Errorf("unsupported database scheme %q", scheme)
		}
		conn, err := open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := conn.Ping(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return &DB{conn: conn, path: path, remote: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", dsn)
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

	db := &DB{conn: conn, path: path}

	var mode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode (journal_mode=%s)", mode)
	}

	return db, nil
}

// Path returns the path or DSN the database was opened with.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection, checkpointing the WAL first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if !db.remote {
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

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return fmt.Errorf("database is closed")
	}
	return db.conn.PingContext(ctx)
}

// InitSchema creates the database schema if it doesn't exist.
// Safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mindmaps (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,  -- JSON {rootNode, nodes, connections}
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS features (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT '',
		complexity TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',  -- JSON FeatureMetadata
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_stories (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		feature_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '[]',  -- JSON array
		priority TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (feature_id) REFERENCES features(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS pending_ops (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_features_project ON features(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_stories_feature ON user_stories(feature_id);
	CREATE INDEX IF NOT EXISTS idx_stories_project ON user_stories(project_id);
	CREATE INDEX IF NOT EXISTS idx_pending_project ON pending_ops(project_id, seq);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
