package config

import (
	"fmt"
	"strings"

	"github.com/busybox42/mailq/internal/logging"
	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/transport"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate checks every section of the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateStore(result, sv)
	c.validateSMTP(result, sv)
	c.validateLock(result, sv)
	c.validateDelivery(result, sv)
	c.validateSender(result)
	c.validateLogging(result, sv)
	c.validateMetrics(result, sv)

	return result
}

func (c *Config) validateStore(result *ValidationResult, sv *SecurityValidator) {
	switch c.Store.Type {
	case "", "sqlite", "sqlite3":
		for _, key := range []string{"db_path", "db_dir"} {
			p := optionString(c.Store.Options, key)
			if p == "" {
				continue
			}
			p = sv.SanitizePath(p)
			c.Store.Options[key] = p
			if err := sv.ValidatePath(p, "store.options."+key); err != nil {
				result.AddError("store.options."+key, p, err.Error())
			}
		}
	case "mysql", "postgres", "postgresql":
		if c.Store.Host == "" {
			result.AddError("store.host", c.Store.Host, "host is required for "+c.Store.Type)
		} else if err := sv.ValidateHostname(c.Store.Host, "store.host"); err != nil {
			result.AddError("store.host", c.Store.Host, err.Error())
		}
		if c.Store.Database == "" {
			result.AddError("store.database", c.Store.Database, "database name is required for "+c.Store.Type)
		}
		if c.Store.Port != 0 {
			if err := sv.ValidatePort(c.Store.Port, "store.port"); err != nil {
				result.AddError("store.port", c.Store.Port, err.Error())
			}
		}
	case "memory":
		result.AddWarning("store.type", c.Store.Type, "memory store loses the queue when the process exits")
	default:
		result.AddError("store.type", c.Store.Type, "invalid store type, must be one of: sqlite, mysql, postgres, memory")
	}
}

func (c *Config) validateSMTP(result *ValidationResult, sv *SecurityValidator) {
	c.SMTP.Host = sv.SanitizeString(c.SMTP.Host)
	if err := sv.ValidateHostname(c.SMTP.Host, "smtp.host"); err != nil {
		result.AddError("smtp.host", c.SMTP.Host, err.Error())
	}
	if err := sv.ValidatePort(c.SMTP.Port, "smtp.port"); err != nil {
		result.AddError("smtp.port", c.SMTP.Port, err.Error())
	}

	validTLS := []string{transport.TLSNone, transport.TLSStartTLS, transport.TLSImplicit}
	if !contains(validTLS, c.SMTP.TLS) {
		result.AddError("smtp.tls", c.SMTP.TLS, fmt.Sprintf("invalid TLS mode, must be one of: %s", strings.Join(validTLS, ", ")))
	}
	if c.SMTP.InsecureSkipVerify {
		result.AddWarning("smtp.insecure_skip_verify", true, "relay certificate is not verified")
	}
	if c.SMTP.Username != "" && c.SMTP.TLS == transport.TLSNone && c.SMTP.Host != "localhost" {
		result.AddError("smtp.tls", c.SMTP.TLS, "credentials require TLS for a remote relay")
	}

	if err := sv.ValidateNumericBounds(int64(c.SMTP.Timeout), "smtp.timeout", 1, 3600); err != nil {
		result.AddError("smtp.timeout", c.SMTP.Timeout, err.Error())
	}
	if c.SMTP.Breaker.Enabled {
		if err := sv.ValidateNumericBounds(int64(c.SMTP.Breaker.ConsecutiveFailures), "smtp.breaker.consecutive_failures", 1, 1000); err != nil {
			result.AddError("smtp.breaker.consecutive_failures", c.SMTP.Breaker.ConsecutiveFailures, err.Error())
		}
		if err := sv.ValidateNumericBounds(int64(c.SMTP.Breaker.Timeout), "smtp.breaker.timeout", 1, 86400); err != nil {
			result.AddError("smtp.breaker.timeout", c.SMTP.Breaker.Timeout, err.Error())
		}
	}
}

func (c *Config) validateLock(result *ValidationResult, sv *SecurityValidator) {
	if c.Lock.Name == "" || strings.ContainsAny(c.Lock.Name, `/\`) {
		result.AddError("lock.name", c.Lock.Name, "lock name must be a non-empty file name")
	}

	switch c.Lock.Backend {
	case "", "file":
		if c.Lock.Dir != "" {
			c.Lock.Dir = sv.SanitizePath(c.Lock.Dir)
			if err := sv.ValidatePath(c.Lock.Dir, "lock.dir"); err != nil {
				result.AddError("lock.dir", c.Lock.Dir, err.Error())
			}
		}
	case "redis", "memcached":
		if c.Lock.Addr != "" {
			if err := sv.ValidateNetworkAddress(c.Lock.Addr, "lock.addr"); err != nil {
				result.AddError("lock.addr", c.Lock.Addr, err.Error())
			}
		}
		if err := sv.ValidateNumericBounds(int64(c.Lock.TTL), "lock.ttl", 1, 86400); err != nil {
			result.AddError("lock.ttl", c.Lock.TTL, err.Error())
		}
	default:
		result.AddError("lock.backend", c.Lock.Backend, "invalid lock backend, must be one of: file, redis, memcached")
	}
}

func (c *Config) validateDelivery(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidateNumericBounds(int64(c.Delivery.BlockSize), "delivery.block_size", 0, 1000000); err != nil {
		result.AddError("delivery.block_size", c.Delivery.BlockSize, err.Error())
	}
	if err := sv.ValidateNumericBounds(int64(c.Delivery.EmptyQueueSleep), "delivery.empty_queue_sleep", 1, 86400); err != nil {
		result.AddError("delivery.empty_queue_sleep", c.Delivery.EmptyQueueSleep, err.Error())
	}
	if err := sv.ValidateNumericBounds(int64(c.Delivery.RetryInterval), "delivery.retry_interval", 0, 7*86400); err != nil {
		result.AddError("delivery.retry_interval", c.Delivery.RetryInterval, err.Error())
	}
	if c.Delivery.RetryPriority != "" {
		p, err := queue.ParsePriority(c.Delivery.RetryPriority)
		if err != nil || !p.Persistable() {
			result.AddError("delivery.retry_priority", c.Delivery.RetryPriority, "must be one of: high, normal, low")
		}
	}
	if c.Delivery.PauseSend {
		result.AddWarning("delivery.pause_send", true, "sending is paused, sweeps will not deliver")
	}
}

func (c *Config) validateSender(result *ValidationResult) {
	validModes := []string{"queue", "direct"}
	if !contains(validModes, c.Sender.Mode) {
		result.AddError("sender.mode", c.Sender.Mode, fmt.Sprintf("invalid sender mode, must be one of: %s", strings.Join(validModes, ", ")))
	}
	if _, err := queue.ParsePriority(c.Sender.DefaultPriority); err != nil {
		result.AddError("sender.default_priority", c.Sender.DefaultPriority, "must be one of: now, high, normal, low")
	}
}

func (c *Config) validateLogging(result *ValidationResult, sv *SecurityValidator) {
	if _, err := logging.StringToLevel(c.Logging.Level); err != nil {
		result.AddError("logging.level", c.Logging.Level, "invalid log level, must be one of: debug, info, warn, error")
	}

	validFormats := []string{"text", "json"}
	if c.Logging.Format != "" && !contains(validFormats, c.Logging.Format) {
		result.AddError("logging.format", c.Logging.Format, fmt.Sprintf("invalid log format, must be one of: %s", strings.Join(validFormats, ", ")))
	}

	if c.Logging.File != "" {
		c.Logging.File = sv.SanitizePath(c.Logging.File)
		if err := sv.ValidatePath(c.Logging.File, "logging.file"); err != nil {
			result.AddError("logging.file", c.Logging.File, err.Error())
		} else if err := sv.ValidateFileSize(c.Logging.File, "logging.file"); err != nil {
			result.AddWarning("logging.file", c.Logging.File, err.Error())
		}
	}
}

func (c *Config) validateMetrics(result *ValidationResult, sv *SecurityValidator) {
	if c.Metrics.Listen != "" {
		if err := sv.ValidateNetworkAddress(c.Metrics.Listen, "metrics.listen"); err != nil {
			result.AddError("metrics.listen", c.Metrics.Listen, err.Error())
		}
	}
	if c.Metrics.StatsAddr != "" {
		if err := sv.ValidateNetworkAddress(c.Metrics.StatsAddr, "metrics.stats_addr"); err != nil {
			result.AddError("metrics.stats_addr", c.Metrics.StatsAddr, err.Error())
		}
	}
	if rl := c.Metrics.RateLimit; rl.Enabled && (rl.RequestsPerSecond < 0 || rl.Burst < 0) {
		result.AddError("metrics.rate_limit", rl, "rate and burst must not be negative")
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
