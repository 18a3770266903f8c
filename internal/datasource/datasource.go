package datasource

import (
	"errors"
	"fmt"

	"github.com/busybox42/mailq/internal/queue"
)

// Common errors
var (
	ErrNotConnected = errors.New("not connected to datasource")
	ErrInvalidInput = errors.New("invalid input")
)

// Config represents the configuration for a datasource
type Config struct {
	Type     string                 `toml:"type"`              // sqlite, mysql, postgres, memory
	Name     string                 `toml:"name"`              // Name of this datasource instance
	Host     string                 `toml:"host"`              // Hostname or IP address
	Port     int                    `toml:"port"`              // Port number
	Database string                 `toml:"database"`          // Database name
	Username string                 `toml:"username"`          // Username for authentication
	Password string                 `toml:"password"`          // Password for authentication
	Options  map[string]interface{} `toml:"options,omitempty"` // db_path, db_dir, connection_params, ...
}

// Factory creates and connects a store based on configuration
func Factory(config Config) (queue.Store, error) {
	switch config.Type {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3", "":
		return openSQL(config, NewSQLite(config))
	case "mysql":
		return openSQL(config, NewMySQL(config))
	case "postgres", "postgresql":
		return openSQL(config, NewPostgres(config))
	default:
		return nil, fmt.Errorf("unsupported datasource type: %s", config.Type)
	}
}

func openSQL(config Config, d dialect) (queue.Store, error) {
	s := NewSQLStore(config, d)
	if err := s.Connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func optionString(opts map[string]interface{}, key string) string {
	if opts == nil {
		return ""
	}
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}
