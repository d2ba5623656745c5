// Package db provides the SQLite-backed event log for tunnel, auth and
// daemon lifecycle history.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection and provides event logging methods
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency between the daemon goroutines
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close checkpoints the WAL and closes the connection
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Tunnel lifecycle events
	CREATE TABLE IF NOT EXISTS tunnel_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tunnel_name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Login flow events
	CREATE TABLE IF NOT EXISTS auth_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tunnel_events_timestamp ON tunnel_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_name ON tunnel_events(tunnel_name);
	CREATE INDEX IF NOT EXISTS idx_auth_events_timestamp ON auth_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// TunnelEvent represents a tunnel lifecycle event
type TunnelEvent struct {
	ID         int64
	TunnelName string
	EventType  string
	Details    string
	Timestamp  time.Time
}

// LogTunnelEvent records a tunnel lifecycle event. Retries briefly on
// SQLITE_BUSY so a locked database never blocks the supervisor.
func (db *DB) LogTunnelEvent(tunnelName, eventType, details string) error {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO tunnel_events (tunnel_name, event_type, details, timestamp)
			 VALUES (?, ?, ?, ?)`,
			tunnelName, eventType, details, time.Now(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log tunnel event after %d retries: database locked", 3)
}

// LogAuthEvent records a login flow event
func (db *DB) LogAuthEvent(eventType, details string) error {
	_, err := db.conn.Exec(
		`INSERT INTO auth_events (event_type, details, timestamp) VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
	return err
}

// LogDaemonEvent records a daemon lifecycle event
func (db *DB) LogDaemonEvent(eventType, details string) error {
	_, err := db.conn.Exec(
		`INSERT INTO daemon_events (event_type, details, timestamp) VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
	return err
}

// GetRecentTunnelEvents retrieves recent events, newest first
func (db *DB) GetRecentTunnelEvents(limit int) ([]TunnelEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, tunnel_name, event_type, details, timestamp
		 FROM tunnel_events
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TunnelEvent
	for rows.Next() {
		var e TunnelEvent
		if err := rows.Scan(&e.ID, &e.TunnelName, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetTunnelEvents retrieves recent events for one tunnel, newest first
func (db *DB) GetTunnelEvents(tunnelName string, limit int) ([]TunnelEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, tunnel_name, event_type, details, timestamp
		 FROM tunnel_events
		 WHERE tunnel_name = ?
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		tunnelName, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TunnelEvent
	for rows.Next() {
		var e TunnelEvent
		if err := rows.Scan(&e.ID, &e.TunnelName, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
