// Package config loads the node configuration from YAML and watches the
// file for changes.
package config

import (
	"bytes"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/scout-runtime/internal/logging"
)

// Defaults applied by Load and ApplyDefaults.
const (
	DefaultGranularity   = "minute"
	DefaultListen        = "127.0.0.1:50061"
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultCancelTimeout = 10 * time.Second
	DefaultCallTimeout   = 5 * time.Minute
	DefaultNotifyTTL     = 10 * time.Minute
	DefaultMetricsPort   = 9090
)

// Config represents the complete node configuration
type Config struct {
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Tunnel        TunnelConfig        `yaml:"tunnel"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Log           logging.Config      `yaml:"log"`
}

type SchedulerConfig struct {
	// Granularity is one of second, minute, hour.
	Granularity string `yaml:"granularity"`
	// Active is a pointer so that an omitted key means "active".
	Active *bool `yaml:"active"`
	// Location is an IANA zone name; empty means local time.
	Location string `yaml:"location"`
}

// IsActive reports the effective active flag.
func (s SchedulerConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

type NotificationsConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Piggyback  bool          `yaml:"piggyback"`
}

type TunnelConfig struct {
	Listen        string        `yaml:"listen"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	CancelTimeout time.Duration `yaml:"cancel_timeout"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Scheduler.Granularity == "" {
		c.Scheduler.Granularity = DefaultGranularity
	}
	if c.Notifications.DefaultTTL == 0 {
		c.Notifications.DefaultTTL = DefaultNotifyTTL
	}
	if c.Tunnel.Listen == "" {
		c.Tunnel.Listen = DefaultListen
	}
	if c.Tunnel.PollInterval == 0 {
		c.Tunnel.PollInterval = DefaultPollInterval
	}
	if c.Tunnel.CancelTimeout == 0 {
		c.Tunnel.CancelTimeout = DefaultCancelTimeout
	}
	if c.Tunnel.CallTimeout == 0 {
		c.Tunnel.CallTimeout = DefaultCallTimeout
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks value ranges. Errors carry a hint for the operator.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Scheduler.Granularity) {
	case "second", "minute", "hour":
	default:
		return errors.WithHint(
			errors.Newf("scheduler.granularity: unknown value %q", c.Scheduler.Granularity),
			"use one of second, minute, hour")
	}
	if c.Scheduler.Location != "" {
		if _, err := time.LoadLocation(c.Scheduler.Location); err != nil {
			return errors.WithHint(
				errors.Wrapf(err, "scheduler.location %q", c.Scheduler.Location),
				"use an IANA zone name such as Europe/Zurich")
		}
	}
	if c.Notifications.DefaultTTL < 0 {
		return errors.Newf("notifications.default_ttl must not be negative, got %s", c.Notifications.DefaultTTL)
	}
	if _, _, err := net.SplitHostPort(c.Tunnel.Listen); err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "tunnel.listen %q", c.Tunnel.Listen),
			"use host:port, for example 127.0.0.1:50061")
	}
	if c.Tunnel.PollInterval <= 0 {
		return errors.Newf("tunnel.poll_interval must be positive, got %s", c.Tunnel.PollInterval)
	}
	if c.Tunnel.CancelTimeout <= 0 {
		return errors.Newf("tunnel.cancel_timeout must be positive, got %s", c.Tunnel.CancelTimeout)
	}
	if c.Tunnel.CallTimeout < 0 {
		return errors.Newf("tunnel.call_timeout must not be negative, got %s", c.Tunnel.CallTimeout)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.Newf("metrics.port out of range: %d", c.Metrics.Port)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

// Parse decodes YAML, rejecting unknown keys, then applies defaults and
// validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to parse config YAML")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &cfg, nil
}

// Load reads and parses the config file at path. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}
