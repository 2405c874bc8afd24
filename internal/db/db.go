// Package db provides database connection management and operations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kimhsiao/logistik/backend/internal/logging"

	_ "modernc.org/sqlite"
)

// FileName is the SQLite database file inside the data directory.
const FileName = "logistik.db"

// DB wraps the sql.DB with the courier store configuration.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database in dataDir.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - a busy timeout so short lock contention is absorbed by SQLite
// - a single connection, since SQLite doesn't support multiple writers
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return openDSN(filepath.Join(dataDir, FileName), true)
}

// OpenMemory opens a private in-memory database. Used by tests and by
// tooling that must not touch the device store.
func OpenMemory() (*DB, error) {
	return openDSN(":memory:", false)
}

func openDSN(dsn string, wal bool) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{"PRAGMA busy_timeout=5000;", "PRAGMA foreign_keys=ON;"}
	if wal {
		pragmas = append([]string{"PRAGMA journal_mode=WAL;"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{db}, nil
}

// OpenWithRetry calls Open up to attempts times, sleeping delay between
// tries, and applies pending migrations on success.
func OpenWithRetry(ctx context.Context, dataDir string, attempts int, delay time.Duration) (*DB, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		db, err := Open(dataDir)
		if err == nil {
			if err = db.Migrate(); err == nil {
				return db, nil
			}
			db.Close()
		}
		lastErr = err
		logging.Warn("store open failed", map[string]interface{}{
			"attempt": i,
			"of":      attempts,
			"error":   err.Error(),
		})
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("open store after %d attempts: %w", attempts, lastErr)
}

// Migrate applies every embedded migration that has not run yet.
func (db *DB) Migrate() error {
	m := NewMigrator(db.DB, Migrations)
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return m.Up()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
