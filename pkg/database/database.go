// Package database provides a SQLite-backed journal.
package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/livefish/cmdrelay/pkg/journal"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// pragmas applied to every connection pool
var pragmas = []struct {
	stmt string
	desc string
}{
	// WAL allows multiple readers and one writer at the same time
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	// Wait and retry instead of immediately failing with SQLITE_BUSY
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}
	return nil
}

// Open opens the SQLite database at the given path and brings the schema up
// to date
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Create dedicated write connection (single connection, no pooling)
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes both connection pools
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// migrations are applied in order; the index + 1 is the schema version
var migrations = []string{
	// v1: journal entries
	`CREATE TABLE IF NOT EXISTS JournalEntry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		line TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_category ON JournalEntry(category, id);`,
}

// runMigrations applies every migration newer than the stored schema version
func runMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := schemaVersion(conn)
	if err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := conn.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, nowMillis()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration v%d: %w", version, err)
		}
	}

	return nil
}

func schemaVersion(conn *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := conn.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// SchemaVersion returns the applied schema version
func (db *DB) SchemaVersion() (int, error) {
	return schemaVersion(db.conn)
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func checkEntry(c journal.Category, line string) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %d", journal.ErrUnknownCategory, uint8(c))
	}
	return journal.ValidateLine(line)
}

// Record appends one line to the category
func (db *DB) Record(c journal.Category, line string) error {
	if err := checkEntry(c, line); err != nil {
		return err
	}
	_, err := db.writeConn.Exec(
		"INSERT INTO JournalEntry (category, line, created_at) VALUES (?, ?, ?)",
		c.String(), line, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s entry: %w", c, err)
	}
	return nil
}

// ClearAndRecord replaces every line of the category with one line
func (db *DB) ClearAndRecord(c journal.Category, line string) error {
	if err := checkEntry(c, line); err != nil {
		return err
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM JournalEntry WHERE category = ?", c.String()); err != nil {
		return fmt.Errorf("failed to clear %s entries: %w", c, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO JournalEntry (category, line, created_at) VALUES (?, ?, ?)",
		c.String(), line, nowMillis(),
	); err != nil {
		return fmt.Errorf("failed to record %s entry: %w", c, err)
	}
	return tx.Commit()
}

// ReadAll returns the category's lines in insertion order, each newline-terminated
func (db *DB) ReadAll(c journal.Category) (string, error) {
	if !c.Valid() {
		return "", fmt.Errorf("%w: %d", journal.ErrUnknownCategory, uint8(c))
	}

	rows, err := db.conn.Query("SELECT line FROM JournalEntry WHERE category = ? ORDER BY id", c.String())
	if err != nil {
		return "", fmt.Errorf("failed to read %s entries: %w", c, err)
	}
	defer rows.Close()

	var sb strings.Builder
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", err
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// CountEntries returns the number of lines stored for the category
func (db *DB) CountEntries(c journal.Category) (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM JournalEntry WHERE category = ?", c.String()).Scan(&count)
	return count, err
}

var _ journal.Journal = (*DB)(nil)
