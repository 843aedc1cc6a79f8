package output

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// HealthPublisher publishes periodic health heartbeats to NATS so a cockpit
// host can be watched from elsewhere on the network.
type HealthPublisher struct {
	conn       Publisher
	subject    string
	instanceID string
	startTime  time.Time
	interval   time.Duration
	logger     *slog.Logger

	statsFunc func() HealthStats // Callback to get current stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// HealthStats contains the data needed for health messages.
// This is provided by main via callback.
type HealthStats struct {
	Running           bool
	RunID             string
	DatagramsReceived int64
	DatagramsAccepted int64
	DatagramsSent     int64
	Devices           []DeviceHealth
}

// DeviceHealth contains per-device health data
type DeviceHealth struct {
	Name            string `json:"name"`
	Port            string `json:"port"`
	Enabled         bool   `json:"enabled"`
	Status          string `json:"status"`
	BytesIn         int64  `json:"bytes_in"`
	BytesOut        int64  `json:"bytes_out"`
	Errors          int64  `json:"errors"`
	LastActivityAgo int64  `json:"last_activity_ago_sec"` // -1 if never
}

// HealthMessage is the JSON payload published to NATS
type HealthMessage struct {
	Version       int            `json:"v"`
	Timestamp     string         `json:"ts"`
	InstanceID    string         `json:"instance_id"`
	UptimeSec     int64          `json:"uptime_sec"`
	NATSConnected bool           `json:"nats_connected"`
	Running       bool           `json:"running"`
	RunID         string         `json:"run_id,omitempty"`
	Received      int64          `json:"received"`
	Accepted      int64          `json:"accepted"`
	Sent          int64          `json:"sent"`
	Devices       []DeviceHealth `json:"devices"`
}

// HealthPublisherConfig contains configuration for HealthPublisher
type HealthPublisherConfig struct {
	Conn       Publisher
	Subject    string        // e.g., "dcsbios.health.cockpit-1"
	InstanceID string        // e.g., "cockpit-1"
	Interval   time.Duration // How often to publish (default 60s)
	Logger     *slog.Logger
	StatsFunc  func() HealthStats
}

// NewHealthPublisher creates a new HealthPublisher
func NewHealthPublisher(cfg *HealthPublisherConfig) *HealthPublisher {
	interval := cfg.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &HealthPublisher{
		conn:       cfg.Conn,
		subject:    cfg.Subject,
		instanceID: cfg.InstanceID,
		startTime:  time.Now(),
		interval:   interval,
		logger:     cfg.Logger,
		statsFunc:  cfg.StatsFunc,
		stopCh:     make(chan struct{}),
	}
}

// Start begins publishing health heartbeats
func (h *HealthPublisher) Start() {
	h.wg.Add(1)
	go h.publishLoop()
	h.logger.Info("Health publisher started",
		"subject", h.subject,
		"interval", h.interval)
}

// Stop stops the health publisher
func (h *HealthPublisher) Stop() {
	close(h.stopCh)
	h.wg.Wait()
	h.logger.Info("Health publisher stopped")
}

func (h *HealthPublisher) publishLoop() {
	defer h.wg.Done()

	// Publish immediately on start
	h.publish()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			// Final heartbeat so the last state is visible
			h.publish()
			return
		case <-ticker.C:
			h.publish()
		}
	}
}

func (h *HealthPublisher) publish() {
	if h.conn == nil || !h.conn.IsConnected() {
		h.logger.Debug("Skipping health publish - NATS not connected")
		return
	}

	msg := h.buildMessage()

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal health message", "error", err)
		return
	}

	if err := h.conn.Publish(h.subject, data); err != nil {
		h.logger.Warn("Failed to publish health message", "error", err)
		return
	}

	h.logger.Debug("Published health heartbeat",
		"subject", h.subject,
		"uptime_sec", msg.UptimeSec,
		"devices", len(msg.Devices))
}

func (h *HealthPublisher) buildMessage() HealthMessage {
	var stats HealthStats
	if h.statsFunc != nil {
		stats = h.statsFunc()
	}

	return HealthMessage{
		Version:       1,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		InstanceID:    h.instanceID,
		UptimeSec:     int64(time.Since(h.startTime).Seconds()),
		NATSConnected: h.conn.IsConnected(),
		Running:       stats.Running,
		RunID:         stats.RunID,
		Received:      stats.DatagramsReceived,
		Accepted:      stats.DatagramsAccepted,
		Sent:          stats.DatagramsSent,
		Devices:       stats.Devices,
	}
}
