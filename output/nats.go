package output

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned when publishing without a live connection
var ErrNotConnected = errors.New("not connected to NATS")

// Publisher is the part of a NATS connection the publishers need.
// *NATSConnection implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// NATSConnection manages NATS connection
type NATSConnection struct {
	conn   *nats.Conn
	url    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NATSStats is a snapshot of connection counters for the status API
type NATSStats struct {
	Connected  bool   `json:"connected"`
	URL        string `json:"url"`
	InMsgs     uint64 `json:"in_msgs"`
	OutMsgs    uint64 `json:"out_msgs"`
	InBytes    uint64 `json:"in_bytes"`
	OutBytes   uint64 `json:"out_bytes"`
	Reconnects uint64 `json:"reconnects"`
}

// NewNATSConnection connects to url. name identifies this client in the
// server's connection list.
func NewNATSConnection(url, name string, maxReconnects int, reconnectWait time.Duration, logger *slog.Logger) (*NATSConnection, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("Connected to NATS", "url", url)

	return &NATSConnection{
		conn:   conn,
		url:    url,
		logger: logger,
	}, nil
}

// Close drains subscriptions and closes the connection
func (nc *NATSConnection) Close() {
	if nc == nil {
		return
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if nc.conn != nil {
		if err := nc.conn.Drain(); err != nil {
			nc.conn.Close()
		}
		nc.conn = nil
		nc.logger.Info("Closed NATS connection")
	}
}

// Conn returns the underlying NATS connection
func (nc *NATSConnection) Conn() *nats.Conn {
	if nc == nil {
		return nil
	}
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn
}

// IsConnected returns true if connected to NATS
func (nc *NATSConnection) IsConnected() bool {
	if nc == nil {
		return false
	}
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.conn != nil && nc.conn.IsConnected()
}

// Publish sends data on subject
func (nc *NATSConnection) Publish(subject string, data []byte) error {
	if nc == nil {
		return ErrNotConnected
	}
	nc.mu.RLock()
	defer nc.mu.RUnlock()

	if nc.conn == nil {
		return ErrNotConnected
	}
	return nc.conn.Publish(subject, data)
}

// Subscribe registers handler for subject
func (nc *NATSConnection) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	nc.mu.RLock()
	defer nc.mu.RUnlock()

	if nc.conn == nil {
		return nil, ErrNotConnected
	}
	return nc.conn.Subscribe(subject, handler)
}

// Stats returns connection counters
func (nc *NATSConnection) Stats() NATSStats {
	if nc == nil {
		return NATSStats{}
	}
	nc.mu.RLock()
	defer nc.mu.RUnlock()

	s := NATSStats{URL: nc.url}
	if nc.conn == nil {
		return s
	}
	st := nc.conn.Stats()
	s.Connected = nc.conn.IsConnected()
	s.InMsgs = st.InMsgs
	s.OutMsgs = st.OutMsgs
	s.InBytes = st.InBytes
	s.OutBytes = st.OutBytes
	s.Reconnects = st.Reconnects
	return s
}

// BuildSubject constructs {prefix}.{kind}.{instance}, e.g.
// "dcsbios.events.cockpit-1"
func BuildSubject(prefix, kind, instanceID string) string {
	return prefix + "." + kind + "." + instanceID
}

// BuildEventsSubject returns the subject bridge events are published on
func BuildEventsSubject(prefix, instanceID string) string {
	return BuildSubject(prefix, "events", instanceID)
}

// BuildHealthSubject returns the heartbeat subject
func BuildHealthSubject(prefix, instanceID string) string {
	return BuildSubject(prefix, "health", instanceID)
}

// BuildControlSubject returns the request/reply control subject
func BuildControlSubject(prefix, instanceID string) string {
	return BuildSubject(prefix, "control", instanceID)
}

// BuildTrafficSubject returns the subject the traffic tap mirrors to
func BuildTrafficSubject(prefix, instanceID string) string {
	return BuildSubject(prefix, "traffic", instanceID)
}
