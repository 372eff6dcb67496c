// Package db provides the SQLite connection and schema backing the group
// state store.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer; the scheduler loop is the only caller.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Group state - last known attributes per (device, group, remote type)
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS group_state (
			device_id INTEGER NOT NULL,
			group_id INTEGER NOT NULL,
			remote_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			version INTEGER DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (device_id, group_id, remote_type)
		);
		CREATE INDEX IF NOT EXISTS idx_group_state_device ON group_state(device_id, remote_type);
	`)
	if err != nil {
		return fmt.Errorf("failed to create group_state table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
