// Package config loads and validates the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/cosmic-connect/connect-go/pkg/manager"
	"github.com/cosmic-connect/connect-go/pkg/protocol"
	"github.com/cosmic-connect/connect-go/pkg/recovery"
	"github.com/cosmic-connect/connect-go/pkg/resource"
)

// ErrInvalidConfig reports a configuration that fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the daemon configuration file.
type Config struct {
	Device    Device    `yaml:"device"`
	Transport Transport `yaml:"transport"`
	Discovery Discovery `yaml:"discovery"`
	Pairing   Pairing   `yaml:"pairing"`
	Recovery  Recovery  `yaml:"recovery"`
	Limits    Limits    `yaml:"limits"`
	Log       Log       `yaml:"log"`

	// StateDir holds the trust store, the device key, and transfer
	// checkpoints.
	StateDir string `yaml:"state_dir"`
}

// Device names this endpoint to its peers.
type Device struct {
	// Name is the human-readable device name announced to peers.
	Name string `yaml:"name"`

	// Type is one of desktop, laptop, phone, tablet, tv.
	Type string `yaml:"type"`
}

// Transport selects and orders the transports.
type Transport struct {
	// Port is the TCP control port (default 1716).
	Port uint16 `yaml:"port"`

	// Preference orders connection attempts: prefer-tcp,
	// prefer-bluetooth, tcp-first, bluetooth-first, tcp-only,
	// bluetooth-only.
	Preference string `yaml:"preference"`

	// AutoFallback tries the other transport when the preferred one
	// fails.
	AutoFallback bool `yaml:"auto_fallback"`

	// Bluetooth enables the BLE transport when a backend is available.
	Bluetooth bool `yaml:"bluetooth"`

	// BluetoothAllow restricts BLE discovery to the listed adapter
	// addresses. Empty admits every advertiser of the service.
	BluetoothAllow []string `yaml:"bluetooth_allow"`
}

// Discovery enables the discovery producers.
type Discovery struct {
	Broadcast bool `yaml:"broadcast"`
	MDNS      bool `yaml:"mdns"`

	// BroadcastInterval spaces identity announcements (default 10s).
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`

	// LostTimeout declares a silent device lost (default 60s).
	LostTimeout time.Duration `yaml:"lost_timeout"`
}

// Pairing selects the trust policy.
type Pairing struct {
	// Policy is "manual" or "tofu".
	Policy string `yaml:"policy"`
}

// Recovery tunes reconnection and packet retries.
type Recovery struct {
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	TransferRetention time.Duration `yaml:"transfer_retention"`
}

// Limits caps resource consumption.
type Limits struct {
	PerDeviceConnections int   `yaml:"per_device_connections"`
	GlobalConnections    int   `yaml:"global_connections"`
	PerDeviceTransfers   int   `yaml:"per_device_transfers"`
	GlobalTransfers      int   `yaml:"global_transfers"`
	MaxFileSize          int64 `yaml:"max_file_size"`
	MaxAggregateBytes    int64 `yaml:"max_aggregate_bytes"`
	QueueDepth           int   `yaml:"queue_depth"`
	MemoryBudget         int64 `yaml:"memory_budget"`

	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ConnectionRate  float64       `yaml:"connection_rate"`
	ConnectionBurst int           `yaml:"connection_burst"`
}

// Log configures logging output.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Device: Device{
			Name: defaultDeviceName(),
			Type: "desktop",
		},
		Transport: Transport{
			Port:         protocol.DiscoveryPort,
			Preference:   "prefer-tcp",
			AutoFallback: true,
		},
		Discovery: Discovery{
			Broadcast: true,
			MDNS:      true,
		},
		Pairing: Pairing{Policy: "manual"},
		Log:     Log{Level: "info"},
		StateDir: func() string {
			dir, err := os.UserConfigDir()
			if err != nil {
				return ".cosmic-connect"
			}
			return filepath.Join(dir, "cosmic-connect")
		}(),
	}
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("%w: device name must not be empty", ErrInvalidConfig)
	}
	if _, err := c.DeviceType(); err != nil {
		return err
	}
	if _, err := manager.ParsePreference(c.Transport.Preference); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Transport.Port != 0 && (c.Transport.Port < protocol.PortRangeMin || c.Transport.Port > protocol.PortRangeMax) {
		return fmt.Errorf("%w: port %d outside %d-%d",
			ErrInvalidConfig, c.Transport.Port, protocol.PortRangeMin, protocol.PortRangeMax)
	}
	switch c.Pairing.Policy {
	case "", "manual", "tofu":
	default:
		return fmt.Errorf("%w: unknown pairing policy %q", ErrInvalidConfig, c.Pairing.Policy)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}

// DeviceType maps the configured type string to the protocol value.
func (c *Config) DeviceType() (protocol.DeviceType, error) {
	switch c.Device.Type {
	case "", "desktop":
		return protocol.DeviceDesktop, nil
	case "laptop":
		return protocol.DeviceLaptop, nil
	case "phone":
		return protocol.DevicePhone, nil
	case "tablet":
		return protocol.DeviceTablet, nil
	case "tv":
		return protocol.DeviceTV, nil
	default:
		return "", fmt.Errorf("%w: unknown device type %q", ErrInvalidConfig, c.Device.Type)
	}
}

// Preference returns the parsed transport preference.
func (c *Config) Preference() manager.Preference {
	p, err := manager.ParsePreference(c.Transport.Preference)
	if err != nil {
		return manager.PreferTCP
	}
	return p
}

// BackoffConfig maps the recovery section onto the reconnector, leaving
// unset fields at their package defaults.
func (c *Config) BackoffConfig() recovery.BackoffConfig {
	return recovery.BackoffConfig{
		Initial:     c.Recovery.InitialBackoff,
		Max:         c.Recovery.MaxBackoff,
		MaxAttempts: c.Recovery.MaxAttempts,
	}
}

// RetryConfig maps the recovery section onto the retry queue.
func (c *Config) RetryConfig() recovery.RetryQueueConfig {
	return recovery.RetryQueueConfig{
		MaxAttempts: c.Recovery.MaxRetryAttempts,
		Delay:       c.Recovery.RetryDelay,
		MaxDepth:    c.Limits.QueueDepth,
	}
}

// ResourceLimits maps the limits section onto the admission controller,
// leaving unset fields at their package defaults.
func (c *Config) ResourceLimits() resource.Limits {
	l := resource.DefaultLimits()
	if c.Limits.PerDeviceConnections > 0 {
		l.PerDeviceConnections = c.Limits.PerDeviceConnections
	}
	if c.Limits.GlobalConnections > 0 {
		l.GlobalConnections = c.Limits.GlobalConnections
	}
	if c.Limits.PerDeviceTransfers > 0 {
		l.PerDeviceTransfers = c.Limits.PerDeviceTransfers
	}
	if c.Limits.GlobalTransfers > 0 {
		l.GlobalTransfers = c.Limits.GlobalTransfers
	}
	if c.Limits.MaxFileSize > 0 {
		l.MaxFileSize = c.Limits.MaxFileSize
	}
	if c.Limits.MaxAggregateBytes > 0 {
		l.MaxAggregateBytes = c.Limits.MaxAggregateBytes
	}
	if c.Limits.QueueDepth > 0 {
		l.QueueDepth = c.Limits.QueueDepth
	}
	if c.Limits.MemoryBudget > 0 {
		l.MemoryBudget = c.Limits.MemoryBudget
	}
	if c.Limits.IdleTimeout > 0 {
		l.IdleTimeout = c.Limits.IdleTimeout
	}
	if c.Limits.ConnectionRate > 0 {
		l.ConnectionRate = rate.Limit(c.Limits.ConnectionRate)
	}
	if c.Limits.ConnectionBurst > 0 {
		l.ConnectionBurst = c.Limits.ConnectionBurst
	}
	return l
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "cosmic-connect"
	}
	return host
}
