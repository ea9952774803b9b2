package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/petervdpas/goopcall/internal/push"
	"github.com/petervdpas/goopcall/internal/record"
)

// DB is a Store backed by a SQLite file. Several peer processes on one host
// may open the same file; writes are guarded by the revision column so a
// concurrent writer in another process is detected and the merge replayed.
type DB struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	hub    *push.Hub
	policy record.Policy
}

// Open opens or creates the call database at path. Effective writes are
// announced on hub; policy decides which writes are allowed.
func Open(path string, hub *push.Hub, policy record.Policy) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the other participant's process read while we write.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _calls (
			id             TEXT PRIMARY KEY,
			pair_key       TEXT NOT NULL,
			initiator_role TEXT NOT NULL,
			participant_a  TEXT NOT NULL,
			participant_b  TEXT NOT NULL,
			status         TEXT NOT NULL,
			reason         TEXT NOT NULL DEFAULT '',
			epoch          INTEGER NOT NULL DEFAULT 0,
			offer          TEXT,
			answer         TEXT,
			candidates_a   TEXT NOT NULL DEFAULT '[]',
			candidates_b   TEXT NOT NULL DEFAULT '[]',
			created_at     TEXT NOT NULL,
			ended_at       TEXT,
			revision       INTEGER NOT NULL DEFAULT 1
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	// At most one live record per pair.
	if _, err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS _calls_live_pair
			ON _calls (pair_key) WHERE status IN ('ringing', 'active');
		CREATE INDEX IF NOT EXISTS _calls_a ON _calls (participant_a, status);
		CREATE INDEX IF NOT EXISTS _calls_b ON _calls (participant_b, status);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls indexes: %w", err)
	}

	if hub == nil {
		hub = push.NewHub()
	}
	if policy == nil {
		policy = record.ParticipantPolicy{}
	}
	return &DB{db: db, path: path, hub: hub, policy: policy}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Subscribe returns notices for writes made through this DB and anything else
// published on its hub.
func (d *DB) Subscribe() (<-chan push.Notice, func()) {
	return d.hub.Subscribe()
}

// Ping checks that the database answers.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
