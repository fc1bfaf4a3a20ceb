package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livingrecord.yaml")
	writeConfig(t, path, `
database:
  driver: postgres
  dsn: postgres://localhost/crm
service:
  auto_merge_threshold: 0.9
  retry_initial_delay: 20ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 0.9, cfg.Service.AutoMergeThreshold)
	assert.Equal(t, 20*time.Millisecond, cfg.Service.RetryInitialDelay)

	d := Default()
	assert.Equal(t, d.Snapshots, cfg.Snapshots)
	assert.Equal(t, d.Service.EntityTypes, cfg.Service.EntityTypes)
	assert.Equal(t, d.Relay.Stream, cfg.Relay.Stream)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "database: [unclosed"},
		{"unknown driver", "database:\n  driver: oracle\n"},
		{"threshold above one", "service:\n  auto_merge_threshold: 1.5\n"},
		{"zero snapshot threshold", "snapshots:\n  threshold: 0\n"},
		{"bad log level", "log:\n  level: chatty\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "livingrecord.yaml")
			writeConfig(t, path, tt.body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoader_ReloadNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livingrecord.yaml")
	writeConfig(t, path, "snapshots:\n  threshold: 10\n")

	l, err := NewLoader(path, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), l.Config().Snapshots.Threshold)

	var seen int64
	l.OnChange(func(c *Config) { seen = c.Snapshots.Threshold })

	writeConfig(t, path, "snapshots:\n  threshold: 25\n")
	cfg, err := l.Reload()
	require.NoError(t, err)
	assert.Equal(t, int64(25), cfg.Snapshots.Threshold)
	assert.Equal(t, int64(25), seen)

	// A broken file keeps the previous config.
	writeConfig(t, path, "snapshots:\n  threshold: -1\n")
	_, err = l.Reload()
	assert.Error(t, err)
	assert.Equal(t, int64(25), l.Config().Snapshots.Threshold)
}

func TestLoader_WatchHotReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livingrecord.yaml")
	writeConfig(t, path, "service:\n  auto_merge_threshold: 0.95\n")

	l, err := NewLoader(path, nil)
	require.NoError(t, err)

	changed := make(chan float64, 8)
	l.OnChange(func(c *Config) { changed <- c.Service.AutoMergeThreshold })

	stop, err := l.Watch()
	require.NoError(t, err)
	defer stop()

	writeConfig(t, path, "service:\n  auto_merge_threshold: 0.8\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case v := <-changed:
			if v == 0.8 {
				assert.Equal(t, 0.8, l.Config().Service.AutoMergeThreshold)
				return
			}
		case <-deadline:
			t.Fatal("config change was not picked up")
		}
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	for _, format := range []string{"text", "json", "JSON"} {
		logger := LogConfig{Level: "debug", Format: format}.NewLogger()
		assert.NotNil(t, logger)
	}
}
