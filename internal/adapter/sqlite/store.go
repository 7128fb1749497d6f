// Package sqlite persists reconcile cycle history in a local SQLite file.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultRetain is how many cycles the journal keeps when no limit is set.
const DefaultRetain = 1000

// ErrNotFound is returned for an unknown cycle id.
var ErrNotFound = errors.New("not found")

// Journal records cycle reports. It is write-only from the engine's point
// of view: nothing in the reconcile path reads it back.
type Journal struct {
	db     *sql.DB
	retain int
}

// Open opens (creating if needed) the journal at path. retain <= 0 means
// DefaultRetain.
func Open(path string, retain int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// One connection keeps per-connection pragmas in force and serializes
	// writers from concurrent engines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db busy timeout: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Journal{db: db, retain: retain}, nil
}

// OpenReadOnly opens an existing journal for inspection. It never creates
// the file or its schema, and the connection refuses writes.
func OpenReadOnly(path string) (*Journal, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("open journal: %s is not a regular file", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA query_only = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db read-only: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db busy timeout: %w", err)
	}
	var tables int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('cycles', 'operations')`).Scan(&tables)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("inspect journal schema: %w", err)
	}
	if tables != 2 {
		_ = db.Close()
		return nil, fmt.Errorf("open journal: %s is not a cycle journal", path)
	}
	return &Journal{db: db, retain: DefaultRetain}, nil
}

func ensureSchema(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS cycles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	target TEXT NOT NULL,
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	desired INTEGER NOT NULL,
	observed INTEGER NOT NULL,
	added INTEGER NOT NULL,
	removed INTEGER NOT NULL,
	updated INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	fetch_kind TEXT NOT NULL DEFAULT '',
	fetch_error TEXT NOT NULL DEFAULT ''
)`); err != nil {
		return fmt.Errorf("initialize cycles schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS operations (
	cycle_id INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	op TEXT NOT NULL,
	identity TEXT NOT NULL,
	outcome TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL,
	PRIMARY KEY (cycle_id, seq)
)`); err != nil {
		return fmt.Errorf("initialize operations schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS cycles_target_idx ON cycles (target, id)`); err != nil {
		return fmt.Errorf("initialize cycles index: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
