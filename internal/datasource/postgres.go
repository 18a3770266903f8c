package datasource

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Postgres is the PostgreSQL dialect of the queue store
type Postgres struct {
	config Config
}

// NewPostgres creates a new PostgreSQL dialect
func NewPostgres(config Config) *Postgres {
	if config.Port == 0 {
		config.Port = 5432
	}
	return &Postgres{config: config}
}

// Type returns the type of the datasource
func (p *Postgres) Type() string {
	return "postgres"
}

func (p *Postgres) driverName() string { return "postgres" }

func (p *Postgres) dsn() string {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		p.config.Host,
		p.config.Port,
		p.config.Username,
		p.config.Password,
		p.config.Database)

	if params := optionString(p.config.Options, "connection_params"); params != "" {
		connStr += " " + params
	}
	return connStr
}

func (p *Postgres) prepare() error { return nil }

func (p *Postgres) configurePool(db *sql.DB) {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
}

// rebind rewrites ? placeholders to $n.
func (p *Postgres) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (p *Postgres) insertIgnore(table, columns, values string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, columns, values)
}

func (p *Postgres) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + queueTable + ` (
			seq BIGSERIAL PRIMARY KEY,
			id VARCHAR(36) NOT NULL UNIQUE,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			subject TEXT NOT NULL,
			body BYTEA NOT NULL,
			priority SMALLINT NOT NULL DEFAULT 2,
			deferred_at BIGINT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			queued_at BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + queueTable + `_order ON ` + queueTable + ` (deferred_at, priority, queued_at)`,
		`CREATE TABLE IF NOT EXISTS ` + blacklistTable + ` (
			address VARCHAR(320) PRIMARY KEY,
			added_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + logTable + ` (
			id BIGSERIAL PRIMARY KEY,
			message_id VARCHAR(36) NOT NULL,
			from_address TEXT NOT NULL,
			to_address TEXT NOT NULL,
			subject TEXT NOT NULL,
			result SMALLINT NOT NULL,
			detail TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	}
}
