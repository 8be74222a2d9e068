// Package config loads and validates the daemon configuration from YAML,
// with struct-tag defaults for everything optional.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	Server    ServerConfig    `yaml:"server"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Device    DeviceConfig    `yaml:"device"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
}

// ServerConfig describes the native API surface.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address" default:":6053"`
	// DeviceName must contain a literal dot; controllers validate the
	// format and refuse names without one.
	DeviceName   string        `yaml:"device_name" default:"bleproxy.local"`
	FriendlyName string        `yaml:"friendly_name" default:"BLE Proxy"`
	Model        string        `yaml:"model" default:"Battery Proxy"`
	Password     string        `yaml:"password"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" default:"5m"`
	QueueSize    int           `yaml:"queue_size" default:"256"`
	AdsPerSecond float64       `yaml:"ads_per_second" default:"50"`
}

// DiscoveryConfig controls the mDNS advertisement.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled" default:"true"`
}

// DeviceConfig describes the polled battery bank.
type DeviceConfig struct {
	Enabled bool `yaml:"enabled"`
	// Address is the BT module's MAC address.
	Address string `yaml:"address"`
	Alias   string `yaml:"alias" default:"batt"`
	// DeviceIDs are the Modbus bus ids; empty means the standard
	// four-battery bank 48..51.
	DeviceIDs       []int         `yaml:"device_ids"`
	PollInterval    time.Duration `yaml:"poll_interval" default:"60s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"20s"`
	ResponseTimeout time.Duration `yaml:"response_timeout" default:"8s"`
	Fahrenheit      bool          `yaml:"fahrenheit"`
}

// WatchdogConfig tunes adapter health checking.
type WatchdogConfig struct {
	SampleInterval          time.Duration `yaml:"sample_interval" default:"60s"`
	StuckDiscoveryThreshold time.Duration `yaml:"stuck_discovery_threshold" default:"120s"`
	DeadScannerThreshold    time.Duration `yaml:"dead_scanner_threshold" default:"180s"`
	ActionTimeout           time.Duration `yaml:"action_timeout" default:"5s"`
	RateWindow              time.Duration `yaml:"rate_window" default:"1h"`
	RateLimit               int           `yaml:"rate_limit" default:"10"`
}

// Default returns the configuration with every default applied.
func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if !strings.Contains(c.Server.DeviceName, ".") {
		return fmt.Errorf("server.device_name %q must contain a dot (clients validate the format)", c.Server.DeviceName)
	}
	if c.Device.Enabled && c.Device.Address == "" {
		return fmt.Errorf("device.address is required when device polling is enabled")
	}
	for _, id := range c.Device.DeviceIDs {
		if id < 0 || id > 255 {
			return fmt.Errorf("device.device_ids entry %d is out of range", id)
		}
	}
	if c.Watchdog.DeadScannerThreshold <= c.Watchdog.StuckDiscoveryThreshold {
		return fmt.Errorf("watchdog.dead_scanner_threshold must exceed stuck_discovery_threshold")
	}
	return nil
}

// NewLogger creates the configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
