package database

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jnesss/procmon/types"
)

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// EventRecord is one stored process event
type EventRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	PID       uint32    `json:"pid"`
	PPID      uint32    `json:"ppid"`
	Kind      string    `json:"kind"`
	Image     string    `json:"image"`
	MD5       string    `json:"md5,omitempty"`
}

// MatchRecord is one stored rule match
type MatchRecord struct {
	EventID   int64
	RuleID    string
	RuleName  string
	Severity  string
	Timestamp time.Time
}

// NewDB opens or creates the database file at path
func NewDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := initSnapshotSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}

	if err := initEventSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}

	return &DB{Db: db}, nil
}

func initSnapshotSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS config_keys (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		path         TEXT NOT NULL,
		path_lower   TEXT NOT NULL UNIQUE,
		parent_lower TEXT NOT NULL,
		name         TEXT NOT NULL,
		unreadable   BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS config_values (
		key_id     INTEGER NOT NULL REFERENCES config_keys(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		name_lower TEXT NOT NULL,
		kind       TEXT NOT NULL,  -- text or integer
		text       TEXT,           -- JSON array for multi-strings
		num        INTEGER,
		PRIMARY KEY (key_id, name_lower)
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create snapshot tables: %w", err)
	}

	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_keys_parent ON config_keys(parent_lower);"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func initEventSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp  DATETIME NOT NULL,
		pid        INTEGER NOT NULL,
		ppid       INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		image      TEXT NOT NULL,
		binary_md5 TEXT
	);

	CREATE TABLE IF NOT EXISTS rule_matches (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id   INTEGER NOT NULL,
		rule_id    TEXT NOT NULL,
		rule_name  TEXT NOT NULL,
		severity   TEXT NOT NULL,
		timestamp  DATETIME NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create event tables: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_pid ON events(pid);",
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_matches_rule_id ON rule_matches(rule_id);",
		"CREATE INDEX IF NOT EXISTS idx_matches_event_id ON rule_matches(event_id);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// InsertEvent stores one process event and returns its row id
func (db *DB) InsertEvent(e types.Event) (int64, error) {
	var md5 sql.NullString
	if e.HashValid {
		md5 = sql.NullString{String: hex.EncodeToString(e.Hash[:]), Valid: true}
	}

	res, err := db.Db.Exec(`
        INSERT INTO events (timestamp, pid, ppid, kind, image, binary_md5)
        VALUES (?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.ProcessID, e.ParentProcessID, e.Kind.String(), e.ImageName, md5)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return res.LastInsertId()
}

// InsertMatch stores one rule match against a stored event
func (db *DB) InsertMatch(m MatchRecord) error {
	_, err := db.Db.Exec(`
        INSERT INTO rule_matches (event_id, rule_id, rule_name, severity, timestamp)
        VALUES (?, ?, ?, ?, ?)`,
		m.EventID, m.RuleID, m.RuleName, m.Severity, m.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert rule match: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit stored events, newest first
func (db *DB) RecentEvents(limit int) ([]EventRecord, error) {
	rows, err := db.Db.Query(`
        SELECT id, timestamp, pid, ppid, kind, image, COALESCE(binary_md5, '')
        FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.PID, &r.PPID, &r.Kind, &r.Image, &r.MD5); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MatchesForRule returns the stored matches of one rule
func (db *DB) MatchesForRule(ruleID string) ([]MatchRecord, error) {
	rows, err := db.Db.Query(`
        SELECT event_id, rule_id, rule_name, severity, timestamp
        FROM rule_matches WHERE rule_id = ? ORDER BY id`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule matches: %w", err)
	}
	defer rows.Close()

	var out []MatchRecord
	for rows.Next() {
		var m MatchRecord
		if err := rows.Scan(&m.EventID, &m.RuleID, &m.RuleName, &m.Severity, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan rule match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Db.Close()
}
