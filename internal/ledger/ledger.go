// Package ledger persists the set of feed entry ids the relay has acted on,
// plus the highest of them, so a restart never re-dispatches an entry.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agentrelay/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger is the processed-id set. Reads are served from memory; every Mark
// is written through to sqlite before it is visible.
type Ledger struct {
	db     *sql.DB
	dbPath string

	mu        sync.RWMutex
	processed map[int64]struct{}
	lastSeen  int64
}

// Open creates or opens the ledger at path and loads it into memory.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db, dbPath: path, processed: make(map[int64]struct{})}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := l.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	logging.Ledger("Ledger %s loaded: %d processed, last seen %d", path, len(l.processed), l.lastSeen)
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed (
		entry_id INTEGER PRIMARY KEY,
		intent TEXT NOT NULL,
		marked_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *Ledger) load() error {
	rows, err := l.db.Query(`SELECT entry_id FROM processed`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		l.processed[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	err = l.db.QueryRow(`SELECT value FROM meta WHERE key = 'last_seen'`).Scan(&l.lastSeen)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.dbPath
}

// Contains reports whether id has been processed.
func (l *Ledger) Contains(id int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.processed[id]
	return ok
}

// Mark records id as processed. Marking an id twice is a no-op.
func (l *Ledger) Mark(id int64, intent string) error {
	if l.Contains(id) {
		return nil
	}
	_, err := l.db.Exec(
		`INSERT OR IGNORE INTO processed (entry_id, intent, marked_at) VALUES (?, ?, ?)`,
		id, intent, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark %d: %w", id, err)
	}

	l.mu.Lock()
	l.processed[id] = struct{}{}
	l.mu.Unlock()
	return nil
}

// Observe raises the last-seen id. Lower ids are ignored.
func (l *Ledger) Observe(id int64) error {
	l.mu.RLock()
	current := l.lastSeen
	l.mu.RUnlock()
	if id <= current {
		return nil
	}

	_, err := l.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('last_seen', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value WHERE excluded.value > meta.value`,
		id,
	)
	if err != nil {
		return fmt.Errorf("observe %d: %w", id, err)
	}

	l.mu.Lock()
	if id > l.lastSeen {
		l.lastSeen = id
	}
	l.mu.Unlock()
	return nil
}

// LastSeen returns the highest id observed, 0 on a fresh ledger.
func (l *Ledger) LastSeen() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeen
}

// Len returns the number of processed ids.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.processed)
}
