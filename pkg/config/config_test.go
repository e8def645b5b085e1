package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softpipe/pkg"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "softpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// =============================================================================
// Loading Tests
// =============================================================================

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, ":9464", cfg.Metrics.Address)
	assert.Equal(t, 500*time.Millisecond, cfg.Shutdown.JoinTimeout)
	assert.Empty(t, cfg.Pipes)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: json
device:
  path: /dev/bus/usb/001/004
  interface: 1
  transfer_timeout: 250ms
pipes:
  - address: 0x81
    mode: stream
    buffer_count: 8
    buffer_size: 512
    high_water_mark: 65536
  - address: 0x82
    mode: packet
    notify_interval: 100ms
metrics:
  enabled: true
shutdown:
  join_timeout: 1s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/dev/bus/usb/001/004", cfg.Device.Path)
	assert.Equal(t, uint8(1), cfg.Device.Interface)
	assert.Equal(t, 250*time.Millisecond, cfg.Device.TransferTimeout)
	require.Len(t, cfg.Pipes, 2)
	assert.Equal(t, PipeConfig{
		Address:       0x81,
		Mode:          "stream",
		BufferCount:   8,
		BufferSize:    512,
		HighWaterMark: 65536,
	}, cfg.Pipes[0])
	assert.Equal(t, 100*time.Millisecond, cfg.Pipes[1].NotifyInterval)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9464", cfg.Metrics.Address, "unset keys keep defaults")
	assert.Equal(t, time.Second, cfg.Shutdown.JoinTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "device:\n  path: /from/file\n")
	t.Setenv("SOFTPIPE_DEVICE_PATH", "/from/env")
	t.Setenv("SOFTPIPE_DEVICE_INTERFACE", "0x02")
	t.Setenv("SOFTPIPE_DEVICE_TRANSFER_TIMEOUT", "2s")
	t.Setenv("SOFTPIPE_METRICS_ENABLED", "true")
	t.Setenv("SOFTPIPE_LOG_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Device.Path)
	assert.Equal(t, uint8(2), cfg.Device.Interface)
	assert.Equal(t, 2*time.Second, cfg.Device.TransferTimeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoad_CustomPrefix(t *testing.T) {
	t.Setenv("PIPES_DEVICE_PATH", "/custom")
	cfg, err := NewLoader().WithEnvPrefix("PIPES").Load()
	require.NoError(t, err)
	assert.Equal(t, "/custom", cfg.Device.Path)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "pipes: [\n"))
		assert.Error(t, err)
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("SOFTPIPE_DEVICE_INTERFACE", "300")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("bad env duration", func(t *testing.T) {
		t.Setenv("SOFTPIPE_SHUTDOWN_JOIN_TIMEOUT", "soon")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("validator", func(t *testing.T) {
		sentinel := errors.New("rejected")
		_, err := NewLoader().WithValidator(func(*Config) error { return sentinel }).Load()
		assert.ErrorIs(t, err, sentinel)
	})
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"out pipe", func(c *Config) { c.Pipes = []PipeConfig{{Address: 0x02}} }},
		{"duplicate pipe", func(c *Config) { c.Pipes = []PipeConfig{{Address: 0x81}, {Address: 0x81}} }},
		{"bad mode", func(c *Config) { c.Pipes = []PipeConfig{{Address: 0x81, Mode: "datagram"}} }},
		{"negative size", func(c *Config) { c.Pipes = []PipeConfig{{Address: 0x81, BufferSize: -1}} }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"metrics without address", func(c *Config) { c.Metrics = MetricsConfig{Enabled: true} }},
		{"negative join timeout", func(c *Config) { c.Shutdown.JoinTimeout = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), pkg.ErrInvalidArgument)
		})
	}
}

func TestLogConfig_Apply(t *testing.T) {
	orig := pkg.GetLogLevel()
	defer pkg.SetLogLevel(orig)

	LogConfig{Level: "debug", Format: "text"}.Apply()
	assert.Equal(t, slog.LevelDebug, pkg.GetLogLevel())

	LogConfig{Level: "bogus"}.Apply()
	assert.Equal(t, slog.LevelWarn, pkg.GetLogLevel())
}
