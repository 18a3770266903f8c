package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// SecurityConfig bounds what a configuration file may point the queue at
type SecurityConfig struct {
	MaxFileSize       int64    // log files and sqlite databases
	MaxConfigFileSize int64    // the TOML file itself
	ForbiddenPaths    []string // substrings a configured path must not contain
}

// DefaultSecurityConfig returns the limits used by Validate
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		MaxFileSize:       10 << 30,
		MaxConfigFileSize: 1 << 20,
		ForbiddenPaths: []string{
			"/etc/passwd",
			"/etc/shadow",
			"/proc/",
			"/sys/",
			"/dev/",
			"/.ssh/",
		},
	}
}

// SecurityValidator checks configured paths and addresses before the queue
// opens files or dials servers with them.
type SecurityValidator struct {
	config *SecurityConfig
}

// NewSecurityValidator creates a validator with the default limits
func NewSecurityValidator() *SecurityValidator {
	return &SecurityValidator{config: DefaultSecurityConfig()}
}

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// shellMeta are characters with no business in a host or address; they
// show up when a value was meant to be interpolated into a command.
const shellMeta = ";|&`$<>\"'\\"

// ValidatePath rejects parent references, forbidden system locations and
// symlinks that resolve to either. An empty path is accepted.
func (sv *SecurityValidator) ValidatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	if len(path) > 4096 {
		return fmt.Errorf("%s: path is %d characters long (max 4096)", fieldName, len(path))
	}
	if err := sv.checkPath(path); err != nil {
		return fmt.Errorf("%s: %w", fieldName, err)
	}

	// Only an existing symlink needs resolving; a missing file is created later.
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("%s: cannot resolve symlink: %w", fieldName, err)
		}
		if err := sv.checkPath(target); err != nil {
			return fmt.Errorf("%s: symlink target: %w", fieldName, err)
		}
	}
	return nil
}

func (sv *SecurityValidator) checkPath(path string) error {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("parent directory reference in %q", path)
		}
	}

	lower := strings.ToLower(filepath.Clean(path))
	for _, forbidden := range sv.config.ForbiddenPaths {
		if strings.Contains(lower+"/", forbidden) {
			return fmt.Errorf("%q is inside forbidden location %s", path, forbidden)
		}
	}
	return nil
}

// ValidateNumericBounds checks min <= value <= max
func (sv *SecurityValidator) ValidateNumericBounds(value int64, fieldName string, min, max int64) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", fieldName, min, max, value)
	}
	return nil
}

// ValidatePort checks a TCP port number
func (sv *SecurityValidator) ValidatePort(port int, fieldName string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s: invalid port %d (must be 1-65535)", fieldName, port)
	}
	return nil
}

// ValidateNetworkAddress checks a host:port or :port listen/dial address
func (sv *SecurityValidator) ValidateNetworkAddress(addr, fieldName string) error {
	if addr == "" {
		return fmt.Errorf("%s: address cannot be empty", fieldName)
	}
	if strings.ContainsAny(addr, shellMeta) {
		return fmt.Errorf("%s: unexpected characters in %q", fieldName, addr)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: %w", fieldName, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("%s: invalid port %q", fieldName, portStr)
	}
	if err := sv.ValidatePort(port, fieldName); err != nil {
		return err
	}

	// Empty host and wildcard IPs mean every interface
	if host == "" || net.ParseIP(host) != nil {
		return nil
	}
	return sv.ValidateHostname(host, fieldName)
}

// ValidateHostname checks an IP address, "localhost" or a DNS name
func (sv *SecurityValidator) ValidateHostname(hostname, fieldName string) error {
	switch {
	case hostname == "":
		return fmt.Errorf("%s: hostname cannot be empty", fieldName)
	case len(hostname) > 253:
		return fmt.Errorf("%s: hostname is %d characters long (max 253)", fieldName, len(hostname))
	case strings.ContainsAny(hostname, shellMeta):
		return fmt.Errorf("%s: unexpected characters in %q", fieldName, hostname)
	case hostname == "localhost", net.ParseIP(hostname) != nil:
		return nil
	case !hostnamePattern.MatchString(hostname):
		return fmt.Errorf("%s: invalid hostname %q", fieldName, hostname)
	}
	return nil
}

// ValidateFileSize warns about oversized existing files. Missing files pass.
func (sv *SecurityValidator) ValidateFileSize(filePath, fieldName string) error {
	if filePath == "" {
		return nil
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return nil
	}
	if info.Size() > sv.config.MaxFileSize {
		return fmt.Errorf("%s: %s is %d bytes (max %d)", fieldName, filePath, info.Size(), sv.config.MaxFileSize)
	}
	return nil
}

// ValidateConfigFileSize refuses to parse an unreasonably large config file
func (sv *SecurityValidator) ValidateConfigFileSize(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Size() > sv.config.MaxConfigFileSize {
		return fmt.Errorf("config file is %d bytes (max %d)", info.Size(), sv.config.MaxConfigFileSize)
	}
	return nil
}

// SanitizePath drops NUL bytes and cleans the path
func (sv *SecurityValidator) SanitizePath(path string) string {
	return filepath.Clean(strings.ReplaceAll(path, "\x00", ""))
}

// SanitizeString drops NUL bytes and control characters other than tab
func (sv *SecurityValidator) SanitizeString(str string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' {
			return -1
		}
		return r
	}, str)
}
