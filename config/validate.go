package config

import (
	"fmt"
	"net"
	"strings"
)

var (
	// Valid log levels
	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	// IPv4 multicast range 224.0.0.0/4
	multicastRange = &net.IPNet{
		IP:   net.IPv4(224, 0, 0, 0),
		Mask: net.CIDRMask(4, 32),
	}
)

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.validateApp(); err != nil {
		return fmt.Errorf("app config: %w", err)
	}

	if err := c.validateDevices(); err != nil {
		return fmt.Errorf("devices config: %w", err)
	}

	if err := c.validateNetwork(); err != nil {
		return fmt.Errorf("network config: %w", err)
	}

	if err := c.validateBridge(); err != nil {
		return fmt.Errorf("bridge config: %w", err)
	}

	if err := c.validateNATS(); err != nil {
		return fmt.Errorf("nats config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateMonitoring(); err != nil {
		return fmt.Errorf("monitoring config: %w", err)
	}

	return nil
}

func (c *Config) validateApp() error {
	if c.App.Name == "" {
		return fmt.Errorf("name is required")
	}

	if c.App.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}

	if strings.ContainsAny(c.App.InstanceID, ".*> ") {
		return fmt.Errorf("instance_id must not contain '.', '*', '>' or spaces, got: %s", c.App.InstanceID)
	}

	return nil
}

// validateDevices checks the descriptor list. Zero enabled devices is
// allowed: the bridge still listens and can be started once panels are
// enabled.
func (c *Config) validateDevices() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device must be configured")
	}

	namesSeen := make(map[string]bool)
	portsSeen := make(map[string]bool)

	for i, dev := range c.Devices {
		if dev.Name == "" {
			return fmt.Errorf("device %d: name is required", i)
		}
		if namesSeen[dev.Name] {
			return fmt.Errorf("device %d: duplicate name %s", i, dev.Name)
		}
		namesSeen[dev.Name] = true

		if dev.Port == "" {
			return fmt.Errorf("device %d (%s): port is required", i, dev.Name)
		}
		if portsSeen[dev.Port] {
			return fmt.Errorf("device %d (%s): duplicate port %s", i, dev.Name, dev.Port)
		}
		portsSeen[dev.Port] = true

		if dev.BaudRate <= 0 {
			return fmt.Errorf("device %d (%s): baud_rate must be positive, got: %d", i, dev.Name, dev.BaudRate)
		}
	}

	return nil
}

func (c *Config) validateNetwork() error {
	if c.Network.SimulatorHost == "" {
		return fmt.Errorf("simulator_host is required")
	}

	if net.ParseIP(c.Network.BindAddress) == nil {
		return fmt.Errorf("bind_address must be an IP address, got: %s", c.Network.BindAddress)
	}

	if !IsMulticastIPv4(c.Network.MulticastGroup) {
		return fmt.Errorf("multicast_group must be an IPv4 address between 224.0.0.0 and 239.255.255.255, got: %s",
			c.Network.MulticastGroup)
	}

	if err := validatePort("listen_port", c.Network.ListenPort); err != nil {
		return err
	}

	return validatePort("destination_port", c.Network.DestinationPort)
}

func (c *Config) validateBridge() error {
	b := c.Bridge

	if b.ReconnectDelayMs <= 0 {
		return fmt.Errorf("reconnect_delay_ms must be positive, got: %d", b.ReconnectDelayMs)
	}

	if b.FaultDelayMs <= 0 {
		return fmt.Errorf("fault_delay_ms must be positive, got: %d", b.FaultDelayMs)
	}

	if b.ReceiveRetryDelayMs <= 0 {
		return fmt.Errorf("receive_retry_delay_ms must be positive, got: %d", b.ReceiveRetryDelayMs)
	}

	if b.IdleIntervalMs <= 0 {
		return fmt.Errorf("idle_interval_ms must be positive, got: %d", b.IdleIntervalMs)
	}

	if b.ReadTimeoutMs <= 0 {
		return fmt.Errorf("read_timeout_ms must be positive, got: %d", b.ReadTimeoutMs)
	}

	if b.EventLogSize <= 0 {
		return fmt.Errorf("event_log_size must be positive, got: %d", b.EventLogSize)
	}

	if b.ReceiveBufferSize < 4 || b.ReceiveBufferSize > 65535 {
		return fmt.Errorf("receive_buffer_size must be between 4 and 65535, got: %d", b.ReceiveBufferSize)
	}

	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("url is required")
	}

	if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("url must start with nats:// or tls://, got: %s", c.NATS.URL)
	}

	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}

	// -1 means unlimited reconnects (NATS client convention)
	if c.NATS.MaxReconnects < -1 {
		return fmt.Errorf("max_reconnects must be -1 (unlimited) or non-negative, got: %d", c.NATS.MaxReconnects)
	}

	if c.NATS.ReconnectWaitSec <= 0 {
		return fmt.Errorf("reconnect_wait_sec must be positive, got: %d", c.NATS.ReconnectWaitSec)
	}

	if c.NATS.HealthIntervalSec <= 0 {
		return fmt.Errorf("health_interval_sec must be positive, got: %d", c.NATS.HealthIntervalSec)
	}

	return nil
}

func (c *Config) validateLogging() error {
	if c.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("max_size_mb must be positive, got: %d", c.Logging.MaxSizeMB)
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("max_backups must be non-negative, got: %d", c.Logging.MaxBackups)
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %s, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Logging.TrafficTap && c.Logging.BasePath == "" {
		return fmt.Errorf("traffic_tap requires base_path")
	}

	return nil
}

func (c *Config) validateMonitoring() error {
	if !c.Monitoring.Enabled {
		return nil
	}

	return validatePort("port", c.Monitoring.Port)
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got: %d", name, port)
	}
	return nil
}

// IsMulticastIPv4 reports whether s is a dotted IPv4 address in 224.0.0.0/4.
func IsMulticastIPv4(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil || strings.Contains(s, ":") {
		return false
	}
	return multicastRange.Contains(ip)
}
