package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "platform.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "messages", cfg.Queue.Name)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Locks.TTL)
	assert.Equal(t, "America/Mexico_City", cfg.Scheduler.Timezone)
}

func TestFileOverridesAndDurationStrings(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
queue:
  name: inbox
  max_attempts: 5
  backoff_base: 2s
  stall_lease: 45s
locks:
  ttl: 10s
  wait: 3s
registry:
  path: /etc/platform/registry.yaml
  refresh_every: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "inbox", cfg.Queue.Name)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 45*time.Second, cfg.Queue.StallLease)
	assert.Equal(t, 10*time.Second, cfg.Locks.TTL)
	assert.Equal(t, 30*time.Second, cfg.Registry.RefreshEvery)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "queue:\n  name: inbox\n")
	t.Setenv("PLATFORM_QUEUE_NAME", "priority")
	t.Setenv("PLATFORM_WORKER_CONCURRENCY", "8")
	t.Setenv("PLATFORM_LOCK_TTL", "45s")
	t.Setenv("PLATFORM_ADMIN_TOKEN", "sekrit")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "priority", cfg.Queue.Name)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Locks.TTL)
	assert.Equal(t, "sekrit", cfg.Server.AdminToken)
}

func TestInvalidValuesAreConfigErrors(t *testing.T) {
	cases := map[string]func(t *testing.T) string{
		"bad yaml":     func(t *testing.T) string { return writeConfig(t, "queue: [") },
		"bad duration": func(t *testing.T) string { return writeConfig(t, "locks:\n  ttl: soon\n") },
		"bad port":     func(t *testing.T) string { return writeConfig(t, "server:\n  port: 99999\n") },
		"bad timezone": func(t *testing.T) string { return writeConfig(t, "scheduler:\n  timezone: Mars/Olympus\n") },
	}
	for name, mk := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(mk(t))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestBadEnvValueIsConfigError(t *testing.T) {
	t.Setenv("PLATFORM_WORKER_CONCURRENCY", "many")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}
