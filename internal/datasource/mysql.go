package datasource

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQL is the MySQL dialect of the queue store
type MySQL struct {
	config Config
}

// NewMySQL creates a new MySQL dialect
func NewMySQL(config Config) *MySQL {
	if config.Port == 0 {
		config.Port = 3306
	}
	return &MySQL{config: config}
}

// Type returns the type of the datasource
func (m *MySQL) Type() string {
	return "mysql"
}

func (m *MySQL) driverName() string { return "mysql" }

func (m *MySQL) dsn() string {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		m.config.Username,
		m.config.Password,
		m.config.Host,
		m.config.Port,
		m.config.Database)

	// Add any additional connection parameters from options
	if params := optionString(m.config.Options, "connection_params"); params != "" {
		if !strings.Contains(dsn, "?") {
			dsn += "?"
		} else {
			dsn += "&"
		}
		dsn += params
	}
	return dsn
}

func (m *MySQL) prepare() error { return nil }

func (m *MySQL) configurePool(db *sql.DB) {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
}

func (m *MySQL) rebind(query string) string { return query }

func (m *MySQL) insertIgnore(table, columns, values string) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, columns, values)
}

func (m *MySQL) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + queueTable + ` (
			seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(36) NOT NULL UNIQUE,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			subject TEXT NOT NULL,
			body LONGBLOB NOT NULL,
			priority SMALLINT NOT NULL DEFAULT 2,
			deferred_at BIGINT NULL,
			retries INT NOT NULL DEFAULT 0,
			queued_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX ` + queueTable + `_order (deferred_at, priority, queued_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS ` + blacklistTable + ` (
			address VARCHAR(320) NOT NULL PRIMARY KEY,
			added_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS ` + logTable + ` (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			message_id VARCHAR(36) NOT NULL,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			subject TEXT NOT NULL,
			result SMALLINT NOT NULL,
			detail TEXT NOT NULL,
			created_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
}
