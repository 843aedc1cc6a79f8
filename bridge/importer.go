package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"dcsbridge/config"
)

// importer receives the simulator's export stream and writes every accepted
// datagram to each device that currently has an open link. It shares the
// exporter's link rather than opening its own, since ports are opened with
// exclusive access. The fan-out set therefore follows the exporters: a
// device that connects mid-run starts receiving, and one whose link is
// down is skipped until it reconnects.
type importer struct {
	conn      PacketConn
	simulator net.IP
	devices   []*Device // devices enabled at start
	bridge    *config.BridgeConfig
	tap       Tap
	traffic   *trafficCounters
	logger    *slog.Logger
}

func (im *importer) run(ctx context.Context) {
	buf := make([]byte, im.bridge.ReceiveBufferSize)

	for {
		n, from, err := im.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			im.traffic.receiveErrors.Add(1)
			im.logger.Warn("UDP receive error", "error", err)
			if !sleep(ctx, im.bridge.ReceiveRetryDelay()) {
				return
			}
			continue
		}

		im.traffic.received.Add(1)
		data := buf[:n]
		if !Accept(from, im.simulator, data) {
			im.traffic.dropped.Add(1)
			continue
		}

		im.traffic.accepted.Add(1)
		im.fanOut(ctx, data)
	}
}

// fanOut writes data to every device with an open link and returns how many
// took it. A failed write is counted against that device only.
func (im *importer) fanOut(ctx context.Context, data []byte) int {
	delivered := 0
	now := time.Now()

	for _, d := range im.devices {
		if err := d.write(data); err != nil {
			// Writes cut short by Stop closing the link are not device faults.
			if !errors.Is(err, errNoLink) && ctx.Err() == nil {
				d.errors.Add(1)
				im.logger.Debug("Device write failed", "device", d.Name(), "error", err)
			}
			continue
		}

		d.bytesOut.Add(int64(len(data)))
		d.touch(now)
		delivered++

		if im.tap != nil {
			im.tap.Record(DirectionToDevice, d.Name(), data)
		}
	}
	return delivered
}
