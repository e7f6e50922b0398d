package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/internal/scheduler"
)

const settingsYAML = `
db_path: /var/lib/convo/convo.db
log_format: json
max_steps: 40
run_ttl: 2h
lock_wait: 1s
webhook_url: https://hooks.example.com/convo
triggers:
  - name: morning
    schedule: "0 9 * * *"
    graph_id: checkin
    conversation: {tenant_id: acme, channel: sms, contact_id: "+15550001"}
    input: {source: cron}
mcp_servers:
  - name: docs
    command: docs-server
    args: [--stdio]
    register_tools: true
script:
  timeout: 5s
  paths:
    deny_paths: [/etc]
`

func TestLoadConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".convo", "convo.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, scheduler.DefaultSweepSchedule, cfg.SweepSchedule)
	assert.Zero(t, cfg.MaxSteps, "engine defaults apply downstream")
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(settingsYAML), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/convo/convo.db", cfg.DBPath)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 40, cfg.MaxSteps)
	assert.Equal(t, 2*time.Hour, cfg.RunTTL)
	assert.Equal(t, time.Second, cfg.LockWait)
	assert.Equal(t, "info", cfg.LogLevel, "unset keys keep defaults")

	require.Len(t, cfg.Triggers, 1)
	trig := cfg.Triggers[0]
	assert.Equal(t, "checkin", trig.GraphID)
	assert.Equal(t, "+15550001", trig.Conversation.ContactID)
	assert.Equal(t, "cron", trig.Input["source"])

	require.Len(t, cfg.MCPServers, 1)
	assert.True(t, cfg.MCPServers[0].RegisterTools)
	assert.Equal(t, 5*time.Second, cfg.Script.Timeout)
	assert.Equal(t, []string{"/etc"}, cfg.Script.Paths.DenyPaths)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(settingsYAML), 0o600))

	t.Setenv("CONVO_DB_PATH", "/tmp/override.db")
	t.Setenv("CONVO_MAX_STEPS", "7")
	t.Setenv("CONVO_RUN_TTL", "15m")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.DBPath)
	assert.Equal(t, 7, cfg.MaxSteps)
	assert.Equal(t, 15*time.Minute, cfg.RunTTL)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit settings file must exist")

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_steps: [1"), 0o600))
	_, err = loadConfig(path)
	assert.Error(t, err)

	t.Setenv("CONVO_LOCK_TTL", "soon")
	_, err = loadConfig("")
	assert.ErrorContains(t, err, "CONVO_LOCK_TTL")
}
