package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 5*time.Minute, cfg.Monitor.Interval())
	assert.Equal(t, time.Second, cfg.Upload.RetryDelay())
	assert.Equal(t, 41, cfg.Upload.Template["type"])
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
channel_api:
  base_url: http://upstream:3058
  token: abc
monitor:
  min_channels: 6
  target_channels: 9
upload:
  concurrency: 2
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://upstream:3058", cfg.ChannelAPI.BaseURL)
	assert.Equal(t, "abc", cfg.ChannelAPI.Token)
	assert.Equal(t, 6, cfg.Monitor.MinChannels)
	assert.Equal(t, 9, cfg.Monitor.TargetChannels)
	assert.Equal(t, 2, cfg.Upload.Concurrency)
	assert.Equal(t, "/api/channel/search", cfg.ChannelAPI.SearchPath)
	assert.NotEmpty(t, cfg.Upload.Template)
}

func TestLoadRejectsMinAboveTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  min_channels: 20\n  target_channels: 15\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MinChannels")
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [1, 2"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := applyEnv(cfg, envMap(map[string]string{
		"NEW_API_BASE_URL": "http://10.0.0.2:3000",
		"NEW_API_TOKEN":    "tok",
		"MIN_CHANNELS":     "3",
		"TARGET_CHANNELS":  "6",
		"CHECK_INTERVAL":   "60",
		"DB_DRIVER":        "postgres",
		"DB_DSN":           "postgres://u:p@db/pool?sslmode=disable",
		"WEB_PORT":         "8080",
	}))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "http://10.0.0.2:3000", cfg.ChannelAPI.BaseURL)
	assert.Equal(t, "tok", cfg.ChannelAPI.Token)
	assert.Equal(t, 3, cfg.Monitor.MinChannels)
	assert.Equal(t, 6, cfg.Monitor.TargetChannels)
	assert.Equal(t, time.Minute, cfg.Monitor.Interval())
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestApplyEnvBadInteger(t *testing.T) {
	err := applyEnv(DefaultConfig(), envMap(map[string]string{"MIN_CHANNELS": "ten"}))
	assert.ErrorContains(t, err, "MIN_CHANNELS")
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "mysql"
	assert.Error(t, Validate(cfg))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Monitor.TargetChannels = 21
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 21, loaded.Monitor.TargetChannels)
}
