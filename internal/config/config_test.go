package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Connection.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Connection.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.Connection.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Connection.QueueTTL)
	assert.Equal(t, 1.0, cfg.Budget.MaxCost)

	opts := cfg.ClientOptions()
	assert.Equal(t, cfg.Connection.AckTimeout, opts.Connection.AckTimeout)
	assert.Equal(t, 1.0, opts.MaxCost)
}

func TestLayering(t *testing.T) {
	yamlPath := writeFile(t, "config.yaml", `
server:
  url: ws://backend:9000/ws
  workflow_id: portfolio
connection:
  reconnect_delay: 2s
  max_reconnect_attempts: 3
budget:
  max_cost: 0.5
devserver:
  branches: 4
`)
	envPath := writeFile(t, ".env", "GOTSYNC_BUDGET_MAX_COST=0.25\n")
	t.Setenv("GOTSYNC_CONNECTION_MAX_RECONNECT_ATTEMPTS", "7")
	t.Setenv("GOTSYNC_LOG_LEVEL", "debug")
	// registered so the value godotenv sets is removed after the test
	t.Setenv("GOTSYNC_BUDGET_MAX_COST", "")
	require.NoError(t, os.Unsetenv("GOTSYNC_BUDGET_MAX_COST"))

	cfg, err := Load(yamlPath, envPath)
	require.NoError(t, err)

	assert.Equal(t, "ws://backend:9000/ws", cfg.Server.URL)
	assert.Equal(t, "portfolio", cfg.Server.WorkflowID)
	assert.Equal(t, 2*time.Second, cfg.Connection.ReconnectDelay)
	assert.Equal(t, 7, cfg.Connection.MaxReconnectAttempts)
	assert.Equal(t, 0.25, cfg.Budget.MaxCost)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Connection.AckTimeout, "untouched default")
	assert.Equal(t, 4, cfg.DevServerOptions().Plan.Branches)
}

func TestMissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "connection: [not a map"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.Connection.MaxReconnectAttempts = 0 }},
		{"zero delay", func(c *Config) { c.Connection.ReconnectDelay = 0 }},
		{"negative heartbeat", func(c *Config) { c.Connection.HeartbeatInterval = -time.Second }},
		{"zero queue ttl", func(c *Config) { c.Connection.QueueTTL = 0 }},
		{"zero budget", func(c *Config) { c.Budget.MaxCost = 0 }},
		{"no url", func(c *Config) { c.Server.URL = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}
