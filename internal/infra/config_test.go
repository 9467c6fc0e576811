package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
database:
  driver: postgres
  url: postgres://latch@localhost/latch
approval:
  window: 10m
policy:
  class_defaults:
    read: allow
    send: deny
redaction:
  keys: [ssn]
`), 0o600))

	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("APPROVAL_TOKEN_TTL", "2m")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "ENV перекрывает файл")
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Approval.Window)
	assert.Equal(t, 2*time.Minute, cfg.Approval.TokenTTL)
	assert.Equal(t, "deny", cfg.Policy.ClassDefaults["send"])
	assert.Equal(t, []string{"ssn"}, cfg.Redaction.Keys)
	assert.Equal(t, 8081, cfg.Console.Port)
	assert.Equal(t, "require_approval", cfg.Policy.DefaultEffect)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, 100, cfg.Policy.PersistedDenyPriority)
}

func TestLoadConfig_RejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: mysql\n"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_RejectsDenyPriorityOutOfRange(t *testing.T) {
	for _, prio := range []string{"0", "101"} {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("policy:\n  persisted_deny_priority: "+prio+"\n"), 0o600))

		_, err := LoadConfig(path)
		assert.Error(t, err, prio)
	}
}

func TestLoadConfig_KeyFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: debug\n"), 0o600))
	t.Setenv("AUTH_PUBLIC_KEY_DATA", "-----BEGIN PUBLIC KEY-----")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("-----BEGIN PUBLIC KEY-----"), cfg.Auth.PublicKey)

	log, err := NewLogger(cfg.Logger)
	require.NoError(t, err)
	assert.NotNil(t, log)
}
