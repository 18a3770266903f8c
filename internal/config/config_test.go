package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailq/internal/queue"
	"github.com/busybox42/mailq/internal/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailq.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	result := cfg.Validate()
	assert.True(t, result.Valid, "%v", result.Errors)

	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, queue.DefaultBlockSize, cfg.Delivery.BlockSize)
	assert.Equal(t, time.Duration(-1), cfg.LockWaitTimeout())
	assert.Equal(t, queue.PriorityNow, cfg.RetryPriority())
	assert.Equal(t, queue.PriorityNormal, cfg.DefaultPriority())
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[store]
type = "sqlite"
[store.options]
db_path = "data/queue.db"

[smtp]
host = "relay.example.com"
port = 587
username = "mailer"
password = "secret"
timeout = 10

[smtp.breaker]
enabled = false

[lock]
backend = "redis"
addr = "127.0.0.1:6379"
wait_timeout = 5

[delivery]
block_size = 100
pause_send = true
retry_interval = 600
max_retries = 3
retry_priority = "low"

[sender]
mode = "direct"

[logging]
level = "debug"
format = "json"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)

	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "data/queue.db"), cfg.Store.Options["db_path"])

	tc := cfg.TransportConfig()
	assert.Equal(t, "relay.example.com", tc.Host)
	assert.Equal(t, 587, tc.Port)
	assert.Equal(t, transport.TLSStartTLS, tc.TLS, "unset keys keep their defaults")
	assert.Equal(t, 10*time.Second, tc.Timeout)
	assert.False(t, cfg.BreakerConfig().Enabled)

	lc := cfg.LockConfig()
	assert.Equal(t, "redis", lc.Backend)
	assert.Equal(t, 300*time.Second, lc.TTL)
	assert.Equal(t, 5*time.Second, cfg.LockWaitTimeout())

	assert.Equal(t, 100, cfg.Delivery.BlockSize)
	assert.True(t, cfg.Delivery.PauseSend)
	assert.Equal(t, 3, cfg.Delivery.MaxRetries)
	assert.Equal(t, queue.PriorityLow, cfg.RetryPriority())
	assert.Equal(t, "direct", cfg.Sender.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigMissingExplicitPath(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	path := writeConfig(t, "[delivery]\nblock_size = 7\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Delivery.BlockSize)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad toml":       "[store\n",
		"store type":     "[store]\ntype = \"oracle\"\n",
		"tls mode":       "[smtp]\ntls = \"maybe\"\n",
		"lock backend":   "[lock]\nbackend = \"zookeeper\"\n",
		"sender mode":    "[sender]\nmode = \"carrier-pigeon\"\n",
		"retry priority": "[delivery]\nretry_priority = \"now\"\n",
		"log level":      "[logging]\nlevel = \"loud\"\n",
		"mysql host":     "[store]\ntype = \"mysql\"\ndatabase = \"mail\"\n",
		"plain auth":     "[smtp]\nhost = \"relay.example.com\"\nusername = \"u\"\ntls = \"none\"\n",
		"metrics listen": "[metrics]\nlisten = \"nope\"\n",
		"blocked path":   "[store.options]\ndb_path = \"/proc/self/queue.db\"\n",
		"block size":     "[delivery]\nblock_size = -5\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Type = "memory"
	cfg.Delivery.PauseSend = true

	result := cfg.Validate()
	assert.True(t, result.Valid)
	assert.Len(t, result.Warnings, 2)
}

func TestCreateDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "mailq.toml")
	require.NoError(t, CreateDefaultConfig(path))
	assert.Error(t, CreateDefaultConfig(path), "existing files are not overwritten")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	want := DefaultConfig()
	want.Path = path
	assert.Equal(t, want, cfg)
}

func TestSecurityValidator(t *testing.T) {
	sv := NewSecurityValidator()
	assert.Error(t, sv.ValidatePath("../../etc/queue.db", "p"))
	assert.Error(t, sv.ValidatePath("/etc/shadow", "p"))
	assert.NoError(t, sv.ValidatePath("/var/lib/mailq/queue.db", "p"))
	assert.Error(t, sv.ValidateHostname("relay;rm -rf", "h"))
	assert.NoError(t, sv.ValidateNetworkAddress("127.0.0.1:9100", "a"))
	assert.Equal(t, "/var/lib/mailq", sv.SanitizePath("/var/lib/mailq/"))
	assert.Equal(t, "relay.example.com", sv.SanitizeString("relay.example.com\r\n\x00"))
	assert.NoError(t, sv.ValidateNetworkAddress(":9465", "a"))
	assert.Error(t, sv.ValidateNetworkAddress("localhost:99999", "a"))

	link := filepath.Join(t.TempDir(), "queue.db")
	require.NoError(t, os.Symlink("/etc/shadow", link))
	assert.Error(t, sv.ValidatePath(link, "p"))
}
