// Package controlplane stores cross-project metadata in one embedded SQLite
// database: which projects exist and, per (project, source), the last
// successful sync time and last-seen item cursor.
//
// A DB wraps a database/sql pool. Each goroutine borrows its own connection
// from the pool for the duration of a call; connections are never shared
// between concurrent callers. Close releases every pooled connection.
package controlplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrProjectNotFound is returned when a project key has not been registered.
var ErrProjectNotFound = errors.New("project not found")

// DB is the shared control-plane database.
type DB struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// Config holds control-plane database configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// Open opens (creating if needed) the control-plane database and applies the schema.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	c := &DB{
		db:     db,
		path:   cfg.Path,
		logger: cfg.Logger.With().Str("component", "controlplane").Logger(),
	}

	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	c.logger.Debug().Str("path", cfg.Path).Msg("Control-plane database opened")
	return c, nil
}

func (c *DB) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS projects (
			key TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sync_state (
			project_key TEXT NOT NULL,
			source TEXT NOT NULL,
			last_sync_at INTEGER NOT NULL,
			last_item_id TEXT,
			PRIMARY KEY (project_key, source)
		);
		CREATE INDEX IF NOT EXISTS idx_sync_state_project ON sync_state(project_key);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (c *DB) Path() string {
	return c.path
}

// Projects returns the project registry backed by this database.
func (c *DB) Projects() *Registry {
	return &Registry{db: c.db, logger: c.logger}
}

// SyncState returns the sync-state manager for one project.
func (c *DB) SyncState(projectKey string) *SyncStateManager {
	return &SyncStateManager{db: c.db, projectKey: projectKey, logger: c.logger}
}

// Ping verifies the database is reachable.
func (c *DB) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes every pooled connection.
func (c *DB) Close() error {
	return c.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
