package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dcsbridge/config"
	"dcsbridge/serial"
)

// Traffic directions reported to a Tap
const (
	DirectionToSimulator = "to_sim"
	DirectionToDevice    = "to_dev"
)

// Tap observes every relayed payload. Record must not retain data.
type Tap interface {
	Record(direction, device string, data []byte)
}

type trafficCounters struct {
	received      atomic.Int64
	accepted      atomic.Int64
	dropped       atomic.Int64
	receiveErrors atomic.Int64
	sent          atomic.Int64
	sendErrors    atomic.Int64
}

func (t *trafficCounters) reset() {
	t.received.Store(0)
	t.accepted.Store(0)
	t.dropped.Store(0)
	t.receiveErrors.Store(0)
	t.sent.Store(0)
	t.sendErrors.Store(0)
}

// Stats is a snapshot of the bridge's counters for the current run
type Stats struct {
	Running           bool           `json:"running"`
	RunID             string         `json:"run_id,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	DatagramsReceived int64          `json:"datagrams_received"`
	DatagramsAccepted int64          `json:"datagrams_accepted"`
	DatagramsDropped  int64          `json:"datagrams_dropped"`
	ReceiveErrors     int64          `json:"receive_errors"`
	DatagramsSent     int64          `json:"datagrams_sent"`
	SendErrors        int64          `json:"send_errors"`
	Devices           []DeviceStatus `json:"devices"`
}

// Option configures a Manager
type Option func(*Manager)

// WithOpener replaces the serial opener
func WithOpener(o serial.Opener) Option {
	return func(m *Manager) { m.opener = o }
}

// WithListener replaces the UDP endpoint factory
func WithListener(l ListenFunc) Option {
	return func(m *Manager) { m.listen = l }
}

// WithTap records relayed traffic
func WithTap(t Tap) Option {
	return func(m *Manager) { m.tap = t }
}

// Manager runs the bridge: one importer for the UDP export stream and one
// exporter per enabled device. It is driven by Start and Stop from any
// goroutine.
type Manager struct {
	config  *config.Config
	devices []*Device
	events  *EventLog
	traffic trafficCounters
	opener  serial.Opener
	listen  ListenFunc
	tap     Tap
	logger  *slog.Logger

	running atomic.Bool

	// mu serializes Start and Stop and guards the run's resources.
	mu     sync.Mutex
	cancel context.CancelFunc
	conn   PacketConn
	wg     sync.WaitGroup

	runMu     sync.RWMutex
	runID     string
	startedAt time.Time
}

// NewManager creates a bridge manager for the devices in cfg. Device
// order follows the configuration.
func NewManager(cfg *config.Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		config: cfg,
		events: NewEventLog(cfg.Bridge.EventLogSize),
		opener: serial.TimeoutOpener(cfg.Bridge.ReadTimeout()),
		listen: Listen,
		logger: logger,
	}
	for _, dc := range cfg.Devices {
		m.devices = append(m.devices, newDevice(dc))
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetEventCallback registers fn to receive every status event
func (m *Manager) SetEventCallback(fn func(Event)) {
	m.events.SetCallback(fn)
}

// Start binds the UDP endpoint and launches the importer and one exporter
// per enabled device. ctx bounds the bind only. Calling Start while
// running only records an event.
// If the endpoint cannot be bound nothing is launched and the error is
// returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		m.events.Add(EventMessage, "", "Already running")
		return nil
	}

	netCfg := m.config.Network
	dest, err := resolveSimulator(netCfg)
	if err != nil {
		m.events.Addf(EventError, "", "UDP setup error: %v", err)
		return err
	}

	conn, err := m.listen(ctx, netCfg)
	if err != nil {
		m.events.Addf(EventError, "", "UDP setup error: %v", err)
		m.logger.Error("Failed to bind UDP endpoint", "error", err)
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	m.logger.Info("UDP endpoint listening",
		"bind", netCfg.BindAddress,
		"port", netCfg.ListenPort,
		"group", netCfg.MulticastGroup)

	// The run outlives ctx; only Stop ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runID := uuid.NewString()
	m.conn = conn
	m.cancel = cancel
	m.runMu.Lock()
	m.runID = runID
	m.startedAt = time.Now()
	m.runMu.Unlock()
	m.traffic.reset()

	enabled := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		d.setStatus(StatusDisconnected)
		d.resetCounters()
		if d.Descriptor().Enabled {
			enabled = append(enabled, d)
		}
	}

	logger := m.logger.With("run_id", runID)

	m.running.Store(true)
	m.events.Addf(EventStart, "", "Bridge started (%d of %d devices enabled)", len(enabled), len(m.devices))

	im := &importer{
		conn:      conn,
		simulator: dest.IP,
		devices:   enabled,
		bridge:    &m.config.Bridge,
		tap:       m.tap,
		traffic:   &m.traffic,
		logger:    logger.With("component", "importer"),
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		im.run(runCtx)
	}()

	for _, d := range enabled {
		ex := &exporter{
			device:  d,
			opener:  m.opener,
			conn:    conn,
			dest:    dest,
			bridge:  &m.config.Bridge,
			events:  m.events,
			tap:     m.tap,
			traffic: &m.traffic,
			logger:  logger.With("device", d.Name()),
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ex.run(runCtx)
		}()
	}

	logger.Info("Bridge started", "enabled", len(enabled), "devices", len(m.devices), "simulator", dest.String())
	return nil
}

// Stop cancels all tasks, releases the endpoint and links, and waits for
// every task to exit. Afterwards every device reports disconnected. Stop
// on a stopped bridge does nothing.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Load() {
		return
	}

	runID := m.RunID()
	m.logger.Info("Stopping bridge", "run_id", runID)
	m.cancel()

	// Closing the endpoint unblocks the importer's receive. Closing the
	// links unblocks any read or write stuck on a port that stopped
	// draining.
	if err := m.conn.Close(); err != nil {
		m.logger.Warn("Failed to close UDP endpoint", "error", err)
	}
	m.closeLinks()
	m.wg.Wait()

	// An exporter may have attached a link while the first pass ran.
	m.closeLinks()
	for _, d := range m.devices {
		d.setStatus(StatusDisconnected)
	}

	m.conn = nil
	m.cancel = nil
	m.running.Store(false)

	m.events.Add(EventStop, "", "Bridge stopped")
	m.logger.Info("Bridge stopped", "run_id", runID)
}

func (m *Manager) closeLinks() {
	for _, d := range m.devices {
		if err := d.closeLink(); err != nil {
			m.logger.Debug("Close error", "device", d.Name(), "error", err)
		}
	}
}

// Restart stops the bridge if it is running and starts it again
func (m *Manager) Restart(ctx context.Context) error {
	m.Stop()
	return m.Start(ctx)
}

// Running reports whether the bridge is running
func (m *Manager) Running() bool {
	return m.running.Load()
}

// RunID identifies the current or most recent run
func (m *Manager) RunID() string {
	m.runMu.RLock()
	defer m.runMu.RUnlock()
	return m.runID
}

// SetEnabled changes whether a device takes part in bridging. The change
// applies from the next Start.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	for i, d := range m.devices {
		if d.Name() == name {
			d.setEnabled(enabled)
			m.config.Devices[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("device not found: %s", name)
}

// Devices returns the status of every configured device, in configuration
// order
func (m *Manager) Devices() []DeviceStatus {
	out := make([]DeviceStatus, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.Snapshot())
	}
	return out
}

// Device returns the status of the named device
func (m *Manager) Device(name string) (DeviceStatus, bool) {
	for _, d := range m.devices {
		if d.Name() == name {
			return d.Snapshot(), true
		}
	}
	return DeviceStatus{}, false
}

// Events returns the recent status events, oldest first
func (m *Manager) Events() []Event {
	return m.events.Entries()
}

// Stats returns traffic counters for the current run. Run and device
// counters are zeroed by Start and kept after Stop.
func (m *Manager) Stats() Stats {
	m.runMu.RLock()
	runID := m.runID
	startedAt := m.startedAt
	m.runMu.RUnlock()

	s := Stats{
		Running:           m.Running(),
		RunID:             runID,
		DatagramsReceived: m.traffic.received.Load(),
		DatagramsAccepted: m.traffic.accepted.Load(),
		DatagramsDropped:  m.traffic.dropped.Load(),
		ReceiveErrors:     m.traffic.receiveErrors.Load(),
		DatagramsSent:     m.traffic.sent.Load(),
		SendErrors:        m.traffic.sendErrors.Load(),
		Devices:           m.Devices(),
	}
	if !startedAt.IsZero() {
		s.StartedAt = &startedAt
	}
	return s
}
