package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"

	"dcsbridge/bridge"
	"dcsbridge/output"
)

// BridgeCollector exposes bridge counters as Prometheus metrics. Values are
// read from the manager at scrape time.
type BridgeCollector struct {
	manager *bridge.Manager
	nats    *output.NATSConnection

	running        *prometheus.Desc
	received       *prometheus.Desc
	accepted       *prometheus.Desc
	dropped        *prometheus.Desc
	receiveErrors  *prometheus.Desc
	sent           *prometheus.Desc
	sendErrors     *prometheus.Desc
	deviceUp       *prometheus.Desc
	deviceBytesIn  *prometheus.Desc
	deviceBytesOut *prometheus.Desc
	deviceErrors   *prometheus.Desc
	natsConnected  *prometheus.Desc
}

// NewBridgeCollector creates a collector for manager. nats may be nil.
func NewBridgeCollector(manager *bridge.Manager, nats *output.NATSConnection) *BridgeCollector {
	deviceLabels := []string{"device", "port"}

	return &BridgeCollector{
		manager: manager,
		nats:    nats,
		running: prometheus.NewDesc(
			"dcsbridge_running",
			"Whether the bridge is running (1) or stopped (0)",
			nil, nil,
		),
		received: prometheus.NewDesc(
			"dcsbridge_datagrams_received_total",
			"Datagrams received on the export endpoint in the current run",
			nil, nil,
		),
		accepted: prometheus.NewDesc(
			"dcsbridge_datagrams_accepted_total",
			"Datagrams relayed to devices in the current run",
			nil, nil,
		),
		dropped: prometheus.NewDesc(
			"dcsbridge_datagrams_dropped_total",
			"Datagrams dropped for wrong source or missing marker in the current run",
			nil, nil,
		),
		receiveErrors: prometheus.NewDesc(
			"dcsbridge_receive_errors_total",
			"UDP receive failures in the current run",
			nil, nil,
		),
		sent: prometheus.NewDesc(
			"dcsbridge_datagrams_sent_total",
			"Datagrams sent to the simulator in the current run",
			nil, nil,
		),
		sendErrors: prometheus.NewDesc(
			"dcsbridge_send_errors_total",
			"UDP send failures in the current run",
			nil, nil,
		),
		deviceUp: prometheus.NewDesc(
			"dcsbridge_device_connected",
			"Whether the device link is connected (1) or not (0)",
			deviceLabels, nil,
		),
		deviceBytesIn: prometheus.NewDesc(
			"dcsbridge_device_bytes_in_total",
			"Bytes read from the device",
			deviceLabels, nil,
		),
		deviceBytesOut: prometheus.NewDesc(
			"dcsbridge_device_bytes_out_total",
			"Bytes written to the device",
			deviceLabels, nil,
		),
		deviceErrors: prometheus.NewDesc(
			"dcsbridge_device_errors_total",
			"Errors recorded against the device",
			deviceLabels, nil,
		),
		natsConnected: prometheus.NewDesc(
			"dcsbridge_nats_connected",
			"Whether the NATS connection is up (1) or not (0)",
			nil, nil,
		),
	}
}

func (c *BridgeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.received
	ch <- c.accepted
	ch <- c.dropped
	ch <- c.receiveErrors
	ch <- c.sent
	ch <- c.sendErrors
	ch <- c.deviceUp
	ch <- c.deviceBytesIn
	ch <- c.deviceBytesOut
	ch <- c.deviceErrors
	ch <- c.natsConnected
}

func (c *BridgeCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.manager.Stats()

	ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, boolValue(stats.Running))
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(stats.DatagramsReceived))
	ch <- prometheus.MustNewConstMetric(c.accepted, prometheus.CounterValue, float64(stats.DatagramsAccepted))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(stats.DatagramsDropped))
	ch <- prometheus.MustNewConstMetric(c.receiveErrors, prometheus.CounterValue, float64(stats.ReceiveErrors))
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(stats.DatagramsSent))
	ch <- prometheus.MustNewConstMetric(c.sendErrors, prometheus.CounterValue, float64(stats.SendErrors))

	for _, d := range stats.Devices {
		ch <- prometheus.MustNewConstMetric(
			c.deviceUp, prometheus.GaugeValue, boolValue(d.Status == bridge.StatusConnected.String()),
			d.Name, d.Port,
		)
		ch <- prometheus.MustNewConstMetric(
			c.deviceBytesIn, prometheus.CounterValue, float64(d.BytesIn),
			d.Name, d.Port,
		)
		ch <- prometheus.MustNewConstMetric(
			c.deviceBytesOut, prometheus.CounterValue, float64(d.BytesOut),
			d.Name, d.Port,
		)
		ch <- prometheus.MustNewConstMetric(
			c.deviceErrors, prometheus.CounterValue, float64(d.Errors),
			d.Name, d.Port,
		)
	}

	ch <- prometheus.MustNewConstMetric(c.natsConnected, prometheus.GaugeValue, boolValue(c.nats.IsConnected()))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
