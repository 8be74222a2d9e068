package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":6053", cfg.Server.ListenAddress)
	assert.Equal(t, "bleproxy.local", cfg.Server.DeviceName)
	assert.Equal(t, 60*time.Second, cfg.Device.PollInterval)
	assert.Equal(t, 20*time.Second, cfg.Device.ConnectTimeout)
	assert.Equal(t, 120*time.Second, cfg.Watchdog.StuckDiscoveryThreshold)
	assert.Equal(t, 180*time.Second, cfg.Watchdog.DeadScannerThreshold)
	assert.Equal(t, 10, cfg.Watchdog.RateLimit)
	assert.True(t, cfg.Discovery.Enabled)
	assert.False(t, cfg.Device.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
log_level: debug
server:
  device_name: shed-proxy.local
  password: secret
device:
  enabled: true
  address: "F0:F1:F2:F3:F4:F5"
  device_ids: [48, 49]
  poll_interval: 2m
watchdog:
  rate_limit: 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "shed-proxy.local", cfg.Server.DeviceName)
	assert.Equal(t, "secret", cfg.Server.Password)
	assert.True(t, cfg.Device.Enabled)
	assert.Equal(t, []int{48, 49}, cfg.Device.DeviceIDs)
	assert.Equal(t, 2*time.Minute, cfg.Device.PollInterval)
	assert.Equal(t, 5, cfg.Watchdog.RateLimit)

	// Untouched keys keep their defaults.
	assert.Equal(t, ":6053", cfg.Server.ListenAddress)
	assert.Equal(t, 20*time.Second, cfg.Device.ConnectTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "device name without dot",
			mutate:  func(c *Config) { c.Server.DeviceName = "bleproxy" },
			wantErr: "must contain a dot",
		},
		{
			name:    "polling enabled without address",
			mutate:  func(c *Config) { c.Device.Enabled = true },
			wantErr: "device.address is required",
		},
		{
			name:    "device id out of range",
			mutate:  func(c *Config) { c.Device.DeviceIDs = []int{48, 300} },
			wantErr: "out of range",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "chatty" },
			wantErr: "invalid log_level",
		},
		{
			name: "dead threshold not above stuck threshold",
			mutate: func(c *Config) {
				c.Watchdog.DeadScannerThreshold = c.Watchdog.StuckDiscoveryThreshold
			},
			wantErr: "must exceed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"

	logger := cfg.NewLogger()
	require.NotNil(t, logger)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	formatter, ok := logger.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, formatter.FullTimestamp)
	assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
}
