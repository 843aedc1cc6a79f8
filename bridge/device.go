package bridge

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"dcsbridge/config"
	"dcsbridge/serial"
)

// Status is the connection state of one panel controller
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// errNoLink is returned when writing to a device whose link is not open.
var errNoLink = errors.New("link not open")

// Device pairs a device descriptor with the runtime state the bridge keeps
// for it. Status and counters are plain atomics: they feed status reporting
// only, never control decisions.
type Device struct {
	descMu sync.RWMutex
	desc   config.DeviceConfig

	status       atomic.Int32
	lastActivity atomic.Int64 // unix nanos, 0 = never
	bytesIn      atomic.Int64 // read from the device
	bytesOut     atomic.Int64 // written to the device
	errors       atomic.Int64

	// The open link, if any. Owned by the device's exporter. linkMu guards
	// the field only: reads and writes on the link happen outside it, so a
	// stalled port cannot block Close.
	linkMu sync.Mutex
	link   serial.Link
}

func newDevice(desc config.DeviceConfig) *Device {
	return &Device{desc: desc}
}

// DeviceStatus is a point-in-time view of one device
type DeviceStatus struct {
	Name         string     `json:"name"`
	Port         string     `json:"port"`
	BaudRate     int        `json:"baud_rate"`
	Enabled      bool       `json:"enabled"`
	Status       string     `json:"status"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	BytesIn      int64      `json:"bytes_in"`
	BytesOut     int64      `json:"bytes_out"`
	Errors       int64      `json:"errors"`
}

// Descriptor returns the current descriptor
func (d *Device) Descriptor() config.DeviceConfig {
	d.descMu.RLock()
	defer d.descMu.RUnlock()
	return d.desc
}

func (d *Device) setEnabled(enabled bool) {
	d.descMu.Lock()
	d.desc.Enabled = enabled
	d.descMu.Unlock()
}

// Name returns the device name
func (d *Device) Name() string {
	return d.Descriptor().Name
}

// Status returns the current connection state
func (d *Device) Status() Status {
	return Status(d.status.Load())
}

// setStatus stores s and returns the previous state
func (d *Device) setStatus(s Status) Status {
	return Status(d.status.Swap(int32(s)))
}

// LastActivity returns when bytes last moved in either direction
func (d *Device) LastActivity() (time.Time, bool) {
	ns := d.lastActivity.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (d *Device) touch(t time.Time) {
	d.lastActivity.Store(t.UnixNano())
}

func (d *Device) attach(link serial.Link) {
	d.linkMu.Lock()
	d.link = link
	d.linkMu.Unlock()
}

func (d *Device) hasLink() bool {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	return d.link != nil
}

func (d *Device) currentLink() serial.Link {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	return d.link
}

// closeLink detaches and closes the open link, if any.
func (d *Device) closeLink() error {
	d.linkMu.Lock()
	link := d.link
	d.link = nil
	d.linkMu.Unlock()

	if link == nil {
		return nil
	}
	return link.Close()
}

// write sends data to the device if its link is open. A link closed
// while the write is in flight fails the write.
func (d *Device) write(data []byte) error {
	link := d.currentLink()
	if link == nil {
		return errNoLink
	}
	_, err := link.Write(data)
	return err
}

// resetCounters zeroes the traffic counters at the start of a run
func (d *Device) resetCounters() {
	d.bytesIn.Store(0)
	d.bytesOut.Store(0)
	d.errors.Store(0)
}

// Snapshot returns the device's current status view
func (d *Device) Snapshot() DeviceStatus {
	desc := d.Descriptor()
	s := DeviceStatus{
		Name:     desc.Name,
		Port:     desc.Port,
		BaudRate: desc.BaudRate,
		Enabled:  desc.Enabled,
		Status:   d.Status().String(),
		BytesIn:  d.bytesIn.Load(),
		BytesOut: d.bytesOut.Load(),
		Errors:   d.errors.Load(),
	}
	if t, ok := d.LastActivity(); ok {
		s.LastActivity = &t
	}
	return s
}
