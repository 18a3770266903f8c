package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/mailq/internal/datasource"
	"github.com/busybox42/mailq/internal/lock"
	"github.com/busybox42/mailq/internal/logging"
	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/transport"
)

// EnvConfigPath names the environment variable that overrides the search path
const EnvConfigPath = "MAILQ_CONFIG"

// Config represents the application configuration
type Config struct {
	// Queue, blacklist and audit log tables
	Store datasource.Config `toml:"store"`

	// Outbound relay
	SMTP struct {
		Host               string `toml:"host"`
		Port               int    `toml:"port"`
		Username           string `toml:"username"`
		Password           string `toml:"password"`
		TLS                string `toml:"tls"` // none, starttls, tls
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
		HeloName           string `toml:"helo_name"`
		Timeout            int    `toml:"timeout"` // seconds

		Breaker struct {
			Enabled             bool   `toml:"enabled"`
			ConsecutiveFailures uint32 `toml:"consecutive_failures"`
			Timeout             int    `toml:"timeout"`  // seconds the breaker stays open
			Interval            int    `toml:"interval"` // seconds between failure count resets
		} `toml:"breaker"`
	} `toml:"smtp"`

	// Single-run lock
	Lock struct {
		Backend     string `toml:"backend"` // file, redis, memcached
		Name        string `toml:"name"`
		Dir         string `toml:"dir"`
		Addr        string `toml:"addr"`
		Password    string `toml:"password"`
		DB          int    `toml:"db"`
		Prefix      string `toml:"prefix"`
		TTL         int    `toml:"ttl"`          // seconds
		WaitTimeout int    `toml:"wait_timeout"` // seconds, <= 0 gives up at once
	} `toml:"lock"`

	// Sweep behaviour
	Delivery struct {
		BlockSize       int    `toml:"block_size"`
		PauseSend       bool   `toml:"pause_send"`
		DisableAuditLog bool   `toml:"disable_audit_log"`
		EmptyQueueSleep int    `toml:"empty_queue_sleep"` // seconds
		MaxRetries      int    `toml:"max_retries"`       // automatic retry cap, negative = unlimited
		RetryInterval   int    `toml:"retry_interval"`    // seconds, 0 disables automatic retry
		RetryPriority   string `toml:"retry_priority"`    // empty keeps the stored priority
	} `toml:"delivery"`

	// How callers hand over messages
	Sender struct {
		Mode            string `toml:"mode"` // queue or direct
		DefaultPriority string `toml:"default_priority"`
	} `toml:"sender"`

	Logging logging.Config `toml:"logging"`

	Metrics struct {
		Listen      string `toml:"listen"`       // /metrics and /healthz, empty disables
		StatsAddr   string `toml:"stats_addr"`   // valkey server for shared statistics
		StatsPrefix string `toml:"stats_prefix"` // key prefix in valkey

		RateLimit struct {
			Enabled           bool    `toml:"enabled"`
			RequestsPerSecond float64 `toml:"requests_per_second"`
			Burst             int     `toml:"burst"`
		} `toml:"rate_limit"`
	} `toml:"metrics"`

	// Path the configuration was loaded from, empty for defaults
	Path string `toml:"-"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Store.Type = "sqlite"
	cfg.Store.Name = "mailq"

	cfg.SMTP.Host = "localhost"
	cfg.SMTP.Port = 25
	cfg.SMTP.TLS = transport.TLSStartTLS
	cfg.SMTP.HeloName = "localhost"
	cfg.SMTP.Timeout = 30
	cfg.SMTP.Breaker.Enabled = true
	cfg.SMTP.Breaker.ConsecutiveFailures = 5
	cfg.SMTP.Breaker.Timeout = 30
	cfg.SMTP.Breaker.Interval = 60

	cfg.Lock.Backend = "file"
	cfg.Lock.Name = "send_mail"
	cfg.Lock.TTL = 300
	cfg.Lock.WaitTimeout = -1

	cfg.Delivery.BlockSize = queue.DefaultBlockSize
	cfg.Delivery.EmptyQueueSleep = 30
	cfg.Delivery.MaxRetries = -1

	cfg.Sender.Mode = "queue"
	cfg.Sender.DefaultPriority = "normal"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath == "" {
		configPath = os.Getenv(EnvConfigPath)
	}

	// If a specific path is provided, check only that
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./mailq.toml",
		"./config/mailq.toml",
		os.ExpandEnv("$HOME/.mailq.toml"),
		"/etc/mailq/mailq.toml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", errNoConfigFile
}

var errNoConfigFile = errors.New("no config file found")

// LoadConfig loads a configuration from a file. With no explicit path and
// no file in the search path, the defaults are returned.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if errors.Is(err, errNoConfigFile) {
		slog.Debug("no config file found, using defaults")
		return cfg, cfg.check()
	}
	if err != nil {
		return nil, err
	}

	cfg, err = ParseFile(configFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.check(); err != nil {
		return nil, err
	}

	slog.Debug("configuration loaded", "path", configFile)
	return cfg, nil
}

// ParseFile reads a configuration file over the defaults without
// validating it. Relative paths in the file are resolved against its
// directory.
func ParseFile(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if err := NewSecurityValidator().ValidateConfigFileSize(configFile); err != nil {
		return nil, fmt.Errorf("config file security validation failed: %w", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}
	cfg.Path = configFile

	configDir := filepath.Dir(configFile)
	if p := optionString(cfg.Store.Options, "db_path"); p != "" && !filepath.IsAbs(p) {
		cfg.Store.Options["db_path"] = filepath.Join(configDir, p)
	}
	if cfg.Lock.Dir != "" && !filepath.IsAbs(cfg.Lock.Dir) {
		cfg.Lock.Dir = filepath.Join(configDir, cfg.Lock.Dir)
	}
	if cfg.Logging.File != "" && !filepath.IsAbs(cfg.Logging.File) {
		cfg.Logging.File = filepath.Join(configDir, cfg.Logging.File)
	}

	return cfg, nil
}

// check runs Validate and folds errors into one, logging warnings
func (c *Config) check() error {
	result := c.Validate()
	if !result.Valid {
		var errorMessages []string
		for _, err := range result.Errors {
			errorMessages = append(errorMessages, err.Error())
		}
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errorMessages, "; "))
	}
	for _, warning := range result.Warnings {
		slog.Warn("configuration warning", "field", warning.Field, "message", warning.Message)
	}
	return nil
}

// SaveConfig writes the configuration to a file in TOML format
func (c *Config) SaveConfig(configPath string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file can carry relay and database passwords
	content := append([]byte("# mailq configuration\n\n"), data...)
	if err := os.WriteFile(configPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}
	return DefaultConfig().SaveConfig(configPath)
}

// TransportConfig returns the relay settings
func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		Host:               c.SMTP.Host,
		Port:               c.SMTP.Port,
		Username:           c.SMTP.Username,
		Password:           c.SMTP.Password,
		TLS:                c.SMTP.TLS,
		InsecureSkipVerify: c.SMTP.InsecureSkipVerify,
		HeloName:           c.SMTP.HeloName,
		Timeout:            seconds(c.SMTP.Timeout),
	}
}

// BreakerConfig returns the relay circuit breaker settings
func (c *Config) BreakerConfig() transport.BreakerConfig {
	return transport.BreakerConfig{
		Enabled:             c.SMTP.Breaker.Enabled,
		MaxRequests:         1,
		Interval:            seconds(c.SMTP.Breaker.Interval),
		Timeout:             seconds(c.SMTP.Breaker.Timeout),
		ConsecutiveFailures: c.SMTP.Breaker.ConsecutiveFailures,
	}
}

// LockConfig returns the lock backend settings
func (c *Config) LockConfig() lock.Config {
	return lock.Config{
		Backend:  c.Lock.Backend,
		Dir:      c.Lock.Dir,
		Addr:     c.Lock.Addr,
		Password: c.Lock.Password,
		DB:       c.Lock.DB,
		Prefix:   c.Lock.Prefix,
		TTL:      seconds(c.Lock.TTL),
	}
}

// LockWaitTimeout returns how long a sweep waits for the lock
func (c *Config) LockWaitTimeout() time.Duration {
	if c.Lock.WaitTimeout <= 0 {
		return -1
	}
	return seconds(c.Lock.WaitTimeout)
}

// RetryPriority returns the priority requeued messages get, or PriorityNow
// to keep the stored one.
func (c *Config) RetryPriority() queue.Priority {
	if c.Delivery.RetryPriority == "" {
		return queue.PriorityNow
	}
	p, _ := queue.ParsePriority(c.Delivery.RetryPriority)
	return p
}

// DefaultPriority returns the priority for messages that do not name one
func (c *Config) DefaultPriority() queue.Priority {
	p, _ := queue.ParsePriority(c.Sender.DefaultPriority)
	return p
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func optionString(opts map[string]interface{}, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}
