package datasource

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the sqlite3 dialect of the queue store
type SQLite struct {
	config Config
	dbPath string
}

// NewSQLite creates a new SQLite dialect
func NewSQLite(config Config) *SQLite {
	// Set default values if not provided
	if config.Database == "" {
		config.Database = "mailq.db"
	}

	// Determine database path
	dbPath := config.Database
	if path := optionString(config.Options, "db_path"); path != "" {
		dbPath = path
	} else if dir := optionString(config.Options, "db_dir"); dir != "" && !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(dir, config.Database)
	}

	return &SQLite{config: config, dbPath: dbPath}
}

// Type returns the type of the datasource
func (s *SQLite) Type() string {
	return "sqlite"
}

// Path returns the database file path
func (s *SQLite) Path() string {
	return s.dbPath
}

func (s *SQLite) driverName() string { return "sqlite3" }

func (s *SQLite) dsn() string {
	// Several sweep processes may share the file; wait on SQLITE_BUSY
	// instead of failing.
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", s.dbPath)
}

func (s *SQLite) prepare() error {
	dir := filepath.Dir(s.dbPath)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for SQLite database: %w", err)
		}
	}
	return nil
}

func (s *SQLite) configurePool(db *sql.DB) {
	db.SetMaxOpenConns(1) // SQLite supports only one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
}

func (s *SQLite) rebind(query string) string { return query }

func (s *SQLite) insertIgnore(table, columns, values string) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", table, columns, values)
}

func (s *SQLite) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + queueTable + ` (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			subject TEXT NOT NULL,
			body BLOB NOT NULL,
			priority INTEGER NOT NULL DEFAULT 2,
			deferred_at INTEGER,
			retries INTEGER NOT NULL DEFAULT 0,
			queued_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + queueTable + `_order ON ` + queueTable + ` (deferred_at, priority, queued_at)`,
		`CREATE TABLE IF NOT EXISTS ` + blacklistTable + ` (
			address TEXT PRIMARY KEY,
			added_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + logTable + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			subject TEXT NOT NULL,
			result INTEGER NOT NULL,
			detail TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
}
