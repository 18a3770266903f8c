// Package logging configures the process-wide slog logger.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

// Config selects log level, format and an optional log file
type Config struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
	File   string `toml:"file"`   // also append to this file when set
}

// Sanitize normalizes a value to a single line and removes control
// characters that could be used for log injection. SMTP diagnostics and
// message subjects are attacker-controlled and go through here.
func Sanitize(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	// Drop other control characters except tab
	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}

	return b.String()
}

var sensitiveKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
}

// redact replaces sensitive attribute values and sanitizes strings
func redact(groups []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(key, sk) {
			return slog.String(a.Key, "***REDACTED***")
		}
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Sanitize(a.Value.String()))
	}
	return a
}

// LevelManager manages runtime log level adjustment
type LevelManager struct {
	level slog.LevelVar
	mu    sync.Mutex
}

var globalLevelManager = &LevelManager{}

// GetLevelManager returns the global log level manager
func GetLevelManager() *LevelManager {
	return globalLevelManager
}

// SetLevel sets the current log level
func (m *LevelManager) SetLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level.Set(level)
}

// GetLevel returns the current log level
func (m *LevelManager) GetLevel() slog.Level {
	return m.level.Level()
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// NewHandler builds a text or JSON handler writing to w at the managed level
func NewHandler(w io.Writer, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level:       &globalLevelManager.level,
		ReplaceAttr: redact,
	}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

// Setup installs the configured logger as the slog default. Output goes to
// stdout and, when cfg.File is set, to that file as well. The returned
// closer releases the file.
func Setup(cfg Config, stdout io.Writer) (io.Closer, error) {
	level, err := StringToLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, cfg.Level)
	}

	var closer io.Closer = nopCloser{}
	w := stdout
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(stdout, f)
		closer = f
	}

	handler, err := NewHandler(w, cfg.Format)
	if err != nil {
		closer.Close()
		return nil, err
	}

	globalLevelManager.SetLevel(level)
	slog.SetDefault(slog.New(handler))
	slog.Debug("logging initialized",
		"log_level", LevelToString(level),
		"log_file", cfg.File)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
