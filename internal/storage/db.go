package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// DB wraps the SQLite database of one endpoint.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates calls.db in the given directory.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "calls.db")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the API read history while a session is being recorded.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id           TEXT PRIMARY KEY,
			channel      TEXT NOT NULL,
			mode         TEXT NOT NULL,
			kind         TEXT NOT NULL,
			direction    TEXT NOT NULL,
			peer         TEXT DEFAULT '',
			started_at   INTEGER NOT NULL,
			connected_at INTEGER DEFAULT 0,
			ended_at     INTEGER NOT NULL,
			duration_ms  INTEGER DEFAULT 0,
			reason       TEXT DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS calls_ended_at ON calls(ended_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			user_id      TEXT PRIMARY KEY,
			name         TEXT DEFAULT '',
			avatar       TEXT DEFAULT '',
			last_seen    INTEGER NOT NULL,
			call_count   INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create contacts table: %w", err)
	}

	log.Debugf("opened %s", dbPath)
	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}
