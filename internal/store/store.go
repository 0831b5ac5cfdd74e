package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is the canonical storage timestamp format, always UTC.
// Lexicographic order on these strings equals temporal order.
const TimeLayout = "2006-01-02 15:04:05"

// HourLayout is the bucket key format used by the hourly aggregates.
const HourLayout = "2006-01-02 15:00"

// Store wraps the SQLite database holding cameras, ROI configuration,
// detection events, settings and persisted log lines. Writes are serialized
// by a process-wide lock; reads run on independent pool connections.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	// lastStamp is the most recent self-assigned event timestamp, guarded
	// by mu. Stamps never run backwards, so rows ordered by id stay
	// ordered by time even if the wall clock steps.
	lastStamp string
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// migrate creates missing tables and additively heals older schemas.
// Columns are only ever added, never dropped or renamed, so readers built
// against an older schema keep working.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			camera_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			name TEXT NOT NULL,
			width INTEGER DEFAULT 640,
			height INTEGER DEFAULT 480,
			fps INTEGER DEFAULT 30,
			enabled INTEGER DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS camera_config (
			camera_id TEXT PRIMARY KEY,
			roi_x1 INTEGER NOT NULL,
			roi_y1 INTEGER NOT NULL,
			roi_x2 INTEGER NOT NULL,
			roi_y2 INTEGER NOT NULL,
			entry_direction TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS detection_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			event_type TEXT NOT NULL,
			direction TEXT,
			confidence REAL,
			details TEXT,
			camera_id TEXT,
			snapshot_path TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			type TEXT NOT NULL,
			data TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS system_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			level TEXT NOT NULL,
			module TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Databases written before per-camera attribution lack these columns.
	for _, col := range []struct{ name, typ string }{
		{"camera_id", "TEXT"},
		{"snapshot_path", "TEXT"},
	} {
		if err := s.ensureColumn("detection_events", col.name, col.typ); err != nil {
			return err
		}
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_detection_events_camera_time
		ON detection_events(camera_id, timestamp)`); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// ensureColumn probes for a column with a SELECT and adds it when the probe
// fails.
func (s *Store) ensureColumn(table, column, typ string) error {
	probe := fmt.Sprintf("SELECT %s FROM %s LIMIT 1", column, table)
	if _, err := s.db.Exec(probe); err == nil {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ)
	if _, err := s.db.Exec(alter); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}

// UTCNow returns the current time formatted for storage.
func UTCNow() string {
	return time.Now().UTC().Format(TimeLayout)
}

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// stamp returns the next self-assigned event timestamp. Callers must hold mu.
func (s *Store) stamp() string {
	now := UTCNow()
	if now < s.lastStamp {
		now = s.lastStamp
	}
	s.lastStamp = now
	return now
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
