package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion is the configuration layout written by Save.
const SchemaVersion = 1

// DefaultBaudRate is the DCS-BIOS serial speed used by panel firmware.
const DefaultBaudRate = 250000

// Config is the root configuration structure
type Config struct {
	Version    int              `json:"version"`
	App        AppConfig        `json:"app"`
	Devices    []DeviceConfig   `json:"devices"`
	Network    NetworkConfig    `json:"network"`
	Bridge     BridgeConfig     `json:"bridge"`
	NATS       NATSConfig       `json:"nats"`
	Logging    LoggingConfig    `json:"logging"`
	Monitoring MonitoringConfig `json:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
	AutoStart  bool   `json:"auto_start"` // Start bridging as soon as the daemon is up
}

// DeviceConfig describes one serial-attached panel controller
type DeviceConfig struct {
	Name     string `json:"name"`      // e.g., "AFCS"
	Port     string `json:"port"`      // e.g., "/dev/ttyACM0"
	BaudRate int    `json:"baud_rate"` // 0 = DefaultBaudRate
	Enabled  bool   `json:"enabled"`
}

// NetworkConfig contains the UDP settings shared with the simulator host
type NetworkConfig struct {
	SimulatorHost   string `json:"simulator_host"`   // Host running DCS-BIOS
	BindAddress     string `json:"bind_address"`     // Local listen address
	ListenPort      int    `json:"listen_port"`      // Export stream port
	MulticastGroup  string `json:"multicast_group"`  // Export stream group
	DestinationPort int    `json:"destination_port"` // Simulator import port
}

// BridgeConfig contains timing and behavior settings for the bridge engine
type BridgeConfig struct {
	ReconnectDelayMs     int   `json:"reconnect_delay_ms"`     // Wait after a link failure
	FaultDelayMs         int   `json:"fault_delay_ms"`         // Wait after any other failure
	ReceiveRetryDelayMs  int   `json:"receive_retry_delay_ms"` // Wait after a UDP receive failure
	IdleIntervalMs       int   `json:"idle_interval_ms"`       // Wait when a device has nothing to send
	ReadTimeoutMs        int   `json:"read_timeout_ms"`        // Serial read timeout
	NormalizeLineEndings *bool `json:"normalize_line_endings"` // nil = true
	EventLogSize         int   `json:"event_log_size"`         // Status messages kept
	ReceiveBufferSize    int   `json:"receive_buffer_size"`    // Largest accepted datagram
}

// NATSConfig contains optional NATS connection settings
type NATSConfig struct {
	Enabled           bool   `json:"enabled"`
	URL               string `json:"url"`
	SubjectPrefix     string `json:"subject_prefix"`
	MaxReconnects     int    `json:"max_reconnects"`
	ReconnectWaitSec  int    `json:"reconnect_wait_sec"`
	HealthIntervalSec int    `json:"health_interval_sec"`
}

// LoggingConfig contains logging and log rotation settings
type LoggingConfig struct {
	BasePath   string `json:"base_path"`   // Empty = log to stdout
	MaxSizeMB  int    `json:"max_size_mb"` // Max size before rotation
	MaxBackups int    `json:"max_backups"` // Max number of old log files
	Compress   bool   `json:"compress"`    // Compress rotated logs
	Level      string `json:"level"`       // Log level: debug, info, warn, error
	TrafficTap bool   `json:"traffic_tap"` // Record relayed datagrams
}

// MonitoringConfig contains HTTP monitoring server settings
type MonitoringConfig struct {
	Enabled  bool   `json:"enabled"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Version > SchemaVersion {
		return nil, fmt.Errorf("config version %d is newer than supported version %d", cfg.Version, SchemaVersion)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path, creating it from Default when it does not exist.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	cfg = Default()
	if err := cfg.Save(path); err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// Default returns the configuration used for a fresh install: the standard
// set of cockpit panels on consecutive ACM ports.
func Default() *Config {
	panels := []struct {
		name    string
		enabled bool
	}{
		{"AFCS", true},
		{"ICS", true},
		{"FUEL", true},
		{"ENGINE_START", true},
		{"VOR/ILS", true},
		{"O2", true},
		{"UTILITY_PANEL", true},
		{"OUTBOARD_THROTTLE_PANEL", true},
		{"CMS", false},
		{"LEFT_SUBPANEL", false},
	}

	cfg := &Config{}
	for i, p := range panels {
		cfg.Devices = append(cfg.Devices, DeviceConfig{
			Name:     p.name,
			Port:     fmt.Sprintf("/dev/ttyACM%d", i),
			BaudRate: DefaultBaudRate,
			Enabled:  p.enabled,
		})
	}
	cfg.Monitoring.Enabled = true
	cfg.SetDefaults()
	return cfg
}

// Save writes the configuration as indented JSON. The file is replaced
// atomically so a crash never leaves a truncated config behind.
func (c *Config) Save(path string) error {
	c.Version = SchemaVersion

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// SetDefaults fills in default values for optional fields
func (c *Config) SetDefaults() {
	if c.Version == 0 {
		c.Version = SchemaVersion
	}

	// App defaults
	if c.App.Name == "" {
		c.App.Name = "dcsbridge"
	}
	if c.App.InstanceID == "" {
		c.App.InstanceID = "default"
	}

	for i := range c.Devices {
		if c.Devices[i].BaudRate == 0 {
			c.Devices[i].BaudRate = DefaultBaudRate
		}
	}

	// Network defaults
	if c.Network.SimulatorHost == "" {
		c.Network.SimulatorHost = "192.168.1.2"
	}
	if c.Network.BindAddress == "" {
		c.Network.BindAddress = "0.0.0.0"
	}
	if c.Network.ListenPort == 0 {
		c.Network.ListenPort = 5010
	}
	if c.Network.MulticastGroup == "" {
		c.Network.MulticastGroup = "239.255.50.10"
	}
	if c.Network.DestinationPort == 0 {
		c.Network.DestinationPort = 7778
	}

	// Bridge defaults
	if c.Bridge.ReconnectDelayMs == 0 {
		c.Bridge.ReconnectDelayMs = 3000
	}
	if c.Bridge.FaultDelayMs == 0 {
		c.Bridge.FaultDelayMs = 5000
	}
	if c.Bridge.ReceiveRetryDelayMs == 0 {
		c.Bridge.ReceiveRetryDelayMs = 1000
	}
	if c.Bridge.IdleIntervalMs == 0 {
		c.Bridge.IdleIntervalMs = 5
	}
	if c.Bridge.ReadTimeoutMs == 0 {
		c.Bridge.ReadTimeoutMs = 100
	}
	if c.Bridge.NormalizeLineEndings == nil {
		normalize := true
		c.Bridge.NormalizeLineEndings = &normalize
	}
	if c.Bridge.EventLogSize == 0 {
		c.Bridge.EventLogSize = 10
	}
	if c.Bridge.ReceiveBufferSize == 0 {
		c.Bridge.ReceiveBufferSize = 2048
	}

	// NATS defaults
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "dcsbios"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectWaitSec == 0 {
		c.NATS.ReconnectWaitSec = 5
	}
	if c.NATS.HealthIntervalSec == 0 {
		c.NATS.HealthIntervalSec = 60
	}

	// Logging defaults
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 20
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	// Monitoring defaults
	if c.Monitoring.Port == 0 {
		c.Monitoring.Port = 8080
	}
}

// EnabledDevices returns the devices that are enabled right now, in
// configuration order.
func (c *Config) EnabledDevices() []DeviceConfig {
	enabled := make([]DeviceConfig, 0, len(c.Devices))
	for _, d := range c.Devices {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}
	return enabled
}

// Helper methods for time conversions
func (b *BridgeConfig) ReconnectDelay() time.Duration {
	return time.Duration(b.ReconnectDelayMs) * time.Millisecond
}

func (b *BridgeConfig) FaultDelay() time.Duration {
	return time.Duration(b.FaultDelayMs) * time.Millisecond
}

func (b *BridgeConfig) ReceiveRetryDelay() time.Duration {
	return time.Duration(b.ReceiveRetryDelayMs) * time.Millisecond
}

func (b *BridgeConfig) IdleInterval() time.Duration {
	return time.Duration(b.IdleIntervalMs) * time.Millisecond
}

func (b *BridgeConfig) ReadTimeout() time.Duration {
	return time.Duration(b.ReadTimeoutMs) * time.Millisecond
}

// Normalize reports whether exporter traffic gets CR/CRLF rewritten to LF.
func (b *BridgeConfig) Normalize() bool {
	return b.NormalizeLineEndings == nil || *b.NormalizeLineEndings
}

func (n *NATSConfig) ReconnectWait() time.Duration {
	return time.Duration(n.ReconnectWaitSec) * time.Second
}

func (n *NATSConfig) HealthInterval() time.Duration {
	return time.Duration(n.HealthIntervalSec) * time.Second
}
