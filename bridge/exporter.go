package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"dcsbridge/config"
	"dcsbridge/serial"
)

// exportBufferSize bounds one read from a panel. Panels send short command
// lines so a single read is normally a single batch.
const exportBufferSize = 4096

// exporter relays bytes from one device to the simulator. It owns the
// device's link: it opens it, reads from it, and closes it on failure or
// shutdown.
type exporter struct {
	device  *Device
	opener  serial.Opener
	conn    PacketConn
	dest    net.Addr
	bridge  *config.BridgeConfig
	events  *EventLog
	tap     Tap
	traffic *trafficCounters
	logger  *slog.Logger
}

// run loops until ctx is cancelled. Every failure is contained here; a
// broken device never affects another device or the importer.
func (e *exporter) run(ctx context.Context) {
	defer func() {
		if err := e.device.closeLink(); err != nil {
			e.logger.Debug("Close error", "error", err)
		}
		e.device.setStatus(StatusDisconnected)
	}()

	e.device.setStatus(StatusConnecting)
	buf := make([]byte, exportBufferSize)

	for {
		if ctx.Err() != nil {
			return
		}

		delay := e.step(ctx, buf)
		if delay > 0 && !sleep(ctx, delay) {
			return
		}
	}
}

// step performs one open or read+send and returns how long to wait before
// the next one.
func (e *exporter) step(ctx context.Context, buf []byte) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(fmt.Errorf("panic: %v", r), false)
			wait = e.bridge.FaultDelay()
		}
	}()

	link := e.device.currentLink()
	if link == nil {
		return e.open()
	}

	n, readErr := link.Read(buf)
	if n > 0 {
		if err := e.send(buf[:n]); err != nil {
			if ctx.Err() != nil {
				return 0
			}
			e.fail(fmt.Errorf("send failed: %w", err), false)
			return e.bridge.FaultDelay()
		}
	}

	if readErr != nil {
		if ctx.Err() != nil {
			return 0
		}
		if serial.IsRecoverable(readErr) {
			if err := e.device.closeLink(); err != nil {
				e.logger.Debug("Close error", "error", err)
			}
			e.fail(fmt.Errorf("link lost: %w", readErr), true)
			return e.bridge.ReconnectDelay()
		}
		e.fail(readErr, false)
		return e.bridge.FaultDelay()
	}

	if n == 0 {
		return e.bridge.IdleInterval()
	}
	return 0
}

func (e *exporter) open() time.Duration {
	desc := e.device.Descriptor()

	link, err := e.opener(desc.Port, desc.BaudRate)
	if err != nil {
		e.fail(fmt.Errorf("could not open %s: %w", desc.Port, err), true)
		if serial.IsRecoverable(err) {
			return e.bridge.ReconnectDelay()
		}
		return e.bridge.FaultDelay()
	}

	e.device.attach(link)
	e.device.setStatus(StatusConnected)
	e.logger.Info("Device connected", "port", desc.Port, "baud", desc.BaudRate)
	e.events.Addf(EventConnected, desc.Name, "%s connected on %s", desc.Name, desc.Port)
	return 0
}

// send forwards one batch as a single datagram
func (e *exporter) send(data []byte) error {
	if e.bridge.Normalize() {
		data = NormalizeLineEndings(data)
	}

	if _, err := e.conn.WriteTo(data, e.dest); err != nil {
		e.traffic.sendErrors.Add(1)
		return err
	}

	now := time.Now()
	e.device.bytesIn.Add(int64(len(data)))
	e.device.touch(now)
	e.traffic.sent.Add(1)

	// A device recovering from a send fault is healthy again once a send
	// goes through.
	if e.device.Status() == StatusError && e.device.hasLink() {
		e.device.setStatus(StatusConnected)
		e.logger.Info("Device recovered")
	}

	if e.tap != nil {
		e.tap.Record(DirectionToSimulator, e.device.Name(), data)
	}
	return nil
}

// fail marks the device as errored. The event log only records the first
// failure of a streak so a missing device does not flood it.
func (e *exporter) fail(err error, linkLost bool) {
	e.device.errors.Add(1)
	prev := e.device.setStatus(StatusError)

	name := e.device.Name()
	e.logger.Warn("Device error", "error", err, "link_lost", linkLost)
	if prev != StatusError {
		e.events.Addf(EventDeviceError, name, "%s error: %v", name, err)
	}
}

// sleep waits for d or until ctx is done. It reports false if ctx ended the
// wait.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
