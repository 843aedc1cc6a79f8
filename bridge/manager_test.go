package bridge

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcsbridge/serial"
)

const (
	simHost   = "192.168.1.2"
	otherHost = "192.168.1.99"
	wait      = 2 * time.Second
	tick      = 2 * time.Millisecond
)

func exportFrame(payload string) []byte {
	return append(append([]byte(nil), ExportMarker...), payload...)
}

func waitStatus(t *testing.T, m *Manager, name string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := m.Device(name)
		return ok && s.Status == want.String()
	}, wait, tick, "device %s never reached %s", name, want)
}

func hasEvent(m *Manager, substr string) bool {
	for _, e := range m.Events() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestManagerTwoDeviceScenario(t *testing.T) {
	cfg := testConfig(
		device("A", "/dev/ttyACM0", true),
		device("B", "/dev/ttyACM1", true),
		device("C", "/dev/ttyACM2", false),
	)
	h := newHarness(t, cfg)

	require.NoError(t, h.manager.Start(context.Background()))
	assert.True(t, h.manager.Running())

	waitStatus(t, h.manager, "A", StatusConnected)
	waitStatus(t, h.manager, "B", StatusConnected)

	c, _ := h.manager.Device("C")
	assert.Equal(t, "disconnected", c.Status)
	assert.Zero(t, h.opener.openCount("/dev/ttyACM2"))

	conn := h.listener.last()
	frame := exportFrame("\x00\x01payload")
	conn.deliver(simHost, frame)

	a := h.opener.link("/dev/ttyACM0")
	b := h.opener.link("/dev/ttyACM1")
	require.Eventually(t, func() bool {
		return len(a.Written()) == 1 && len(b.Written()) == 1
	}, wait, tick)
	assert.Equal(t, frame, a.Written()[0])
	assert.Equal(t, frame, b.Written()[0])

	// Wrong source, then right source without the marker. Neither may
	// reach a device; the third datagram proves the first two were seen.
	conn.deliver(otherHost, exportFrame("spoofed"))
	conn.deliver(simHost, []byte("no marker"))
	conn.deliver(simHost, exportFrame("second"))

	require.Eventually(t, func() bool {
		return len(a.Written()) == 2 && len(b.Written()) == 2
	}, wait, tick)
	assert.Equal(t, exportFrame("second"), a.Written()[1])

	stats := h.manager.Stats()
	assert.EqualValues(t, 4, stats.DatagramsReceived)
	assert.EqualValues(t, 2, stats.DatagramsAccepted)
	assert.EqualValues(t, 2, stats.DatagramsDropped)
}

func TestManagerExportsOneDatagramPerBatch(t *testing.T) {
	h := newHarness(t, testConfig(device("A", "/dev/ttyACM0", true)))
	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)

	h.opener.link("/dev/ttyACM0").push("UFC_1 1\r\nUFC_2 0\r")

	conn := h.listener.last()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, wait, tick)

	sent := conn.Sent()[0]
	assert.Equal(t, "UFC_1 1\nUFC_2 0\n", string(sent.data))

	to, ok := sent.to.(*net.UDPAddr)
	require.True(t, ok)
	assert.True(t, to.IP.Equal(net.ParseIP(simHost)))
	assert.Equal(t, 7778, to.Port)

	s, _ := h.manager.Device("A")
	assert.EqualValues(t, len("UFC_1 1\nUFC_2 0\n"), s.BytesIn)
	assert.NotNil(t, s.LastActivity)

	assert.Contains(t, h.tap.Records(), tapRecord{DirectionToSimulator, "A", "UFC_1 1\nUFC_2 0\n"})
}

func TestManagerNormalizationDisabled(t *testing.T) {
	cfg := testConfig(device("A", "/dev/ttyACM0", true))
	off := false
	cfg.Bridge.NormalizeLineEndings = &off

	h := newHarness(t, cfg)
	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)

	h.opener.link("/dev/ttyACM0").push("MASTER_ARM 1\r\n")

	conn := h.listener.last()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, wait, tick)
	assert.Equal(t, "MASTER_ARM 1\r\n", string(conn.Sent()[0].data))
}

func TestManagerStartTwice(t *testing.T) {
	h := newHarness(t, testConfig(device("A", "/dev/ttyACM0", true)))

	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)
	runID := h.manager.RunID()
	require.NoError(t, h.manager.Start(context.Background()))

	assert.Equal(t, 1, h.listener.count())
	assert.Equal(t, runID, h.manager.RunID())

	events := h.manager.Events()
	assert.Equal(t, "Already running", events[len(events)-1].Message)
}

func TestManagerBindFailure(t *testing.T) {
	h := newHarness(t, testConfig(device("A", "/dev/ttyACM0", true)))
	h.listener.err = syscall.EADDRINUSE

	err := h.manager.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
	assert.False(t, h.manager.Running())

	// Nothing was launched.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.opener.totalOpens())
	s, _ := h.manager.Device("A")
	assert.Equal(t, "disconnected", s.Status)
	assert.True(t, hasEvent(h.manager, "UDP setup error"))
}

func TestManagerStopResetsAndRestartRebinds(t *testing.T) {
	cfg := testConfig(
		device("A", "/dev/ttyACM0", true),
		device("B", "/dev/ttyACM1", true),
	)
	h := newHarness(t, cfg)

	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)
	waitStatus(t, h.manager, "B", StatusConnected)
	firstRun := h.manager.RunID()
	firstConn := h.listener.last()
	firstA := h.opener.link("/dev/ttyACM0")

	h.manager.Stop()

	assert.False(t, h.manager.Running())
	assert.True(t, firstConn.Closed())
	assert.True(t, firstA.Closed())
	assert.True(t, h.opener.link("/dev/ttyACM1").Closed())
	for _, d := range h.manager.Devices() {
		assert.Equal(t, "disconnected", d.Status, d.Name)
	}
	events := h.manager.Events()
	assert.Equal(t, "Bridge stopped", events[len(events)-1].Message)

	// Second stop is a no-op.
	h.manager.Stop()
	assert.Equal(t, "Bridge stopped", h.manager.Events()[len(h.manager.Events())-1].Message)

	require.NoError(t, h.manager.Start(context.Background()))
	assert.Equal(t, 2, h.listener.count())
	assert.NotEqual(t, firstRun, h.manager.RunID())
	waitStatus(t, h.manager, "A", StatusConnected)
	assert.Equal(t, 2, h.opener.openCount("/dev/ttyACM0"))

	// Traffic flows on the new endpoint.
	h.listener.last().deliver(simHost, exportFrame("again"))
	require.Eventually(t, func() bool {
		return len(h.opener.link("/dev/ttyACM0").Written()) == 1
	}, wait, tick)
}

func TestManagerLinkFailureIsIsolated(t *testing.T) {
	cfg := testConfig(
		device("A", "/dev/ttyACM0", true),
		device("B", "/dev/ttyACM1", true),
	)
	h := newHarness(t, cfg)
	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)
	waitStatus(t, h.manager, "B", StatusConnected)

	b := h.opener.link("/dev/ttyACM1")
	firstA := h.opener.link("/dev/ttyACM0")
	firstA.pushErr(syscall.EIO)

	// A is reopened after the reconnect delay.
	require.Eventually(t, func() bool {
		return h.opener.openCount("/dev/ttyACM0") == 2
	}, wait, tick)
	waitStatus(t, h.manager, "A", StatusConnected)
	assert.True(t, firstA.Closed())
	assert.True(t, hasEvent(h.manager, "A error: link lost"))

	// B was never disturbed.
	assert.False(t, b.Closed())
	assert.Equal(t, 1, h.opener.openCount("/dev/ttyACM1"))
	s, _ := h.manager.Device("B")
	assert.Equal(t, "connected", s.Status)

	h.listener.last().deliver(simHost, exportFrame("after"))
	require.Eventually(t, func() bool {
		return len(b.Written()) == 1 && len(h.opener.link("/dev/ttyACM0").Written()) == 1
	}, wait, tick)
}

func TestManagerOpenFailure(t *testing.T) {
	cfg := testConfig(
		device("A", "/dev/ttyACM0", true),
		device("B", "/dev/ttyACM1", true),
	)
	h := newHarness(t, cfg)
	h.opener.setErr("/dev/ttyACM0", syscall.ENOENT)

	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusError)
	waitStatus(t, h.manager, "B", StatusConnected)

	// Retries keep going but only the first failure is logged.
	require.Eventually(t, func() bool {
		return h.opener.openCount("/dev/ttyACM0") >= 3
	}, wait, tick)
	count := 0
	for _, e := range h.manager.Events() {
		if e.Device == "A" && e.Kind == EventDeviceError {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// Fan-out skips the device without a link.
	h.listener.last().deliver(simHost, exportFrame("x"))
	require.Eventually(t, func() bool {
		return len(h.opener.link("/dev/ttyACM1").Written()) == 1
	}, wait, tick)

	h.opener.setErr("/dev/ttyACM0", nil)
	waitStatus(t, h.manager, "A", StatusConnected)
}

func TestManagerSendFailureKeepsLink(t *testing.T) {
	h := newHarness(t, testConfig(device("A", "/dev/ttyACM0", true)))
	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)

	conn := h.listener.last()
	link := h.opener.link("/dev/ttyACM0")

	conn.setWriteErr(syscall.ENETUNREACH)
	link.push("AP_ALT 1\n")
	waitStatus(t, h.manager, "A", StatusError)
	assert.False(t, link.Closed())

	conn.setWriteErr(nil)
	link.push("AP_ALT 0\n")
	waitStatus(t, h.manager, "A", StatusConnected)

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, wait, tick)
	assert.Equal(t, "AP_ALT 0\n", string(conn.Sent()[0].data))
	assert.Equal(t, 1, h.opener.openCount("/dev/ttyACM0"))
	assert.EqualValues(t, 1, h.manager.Stats().SendErrors)
}

func TestManagerDeviceWriteFailure(t *testing.T) {
	cfg := testConfig(
		device("A", "/dev/ttyACM0", true),
		device("B", "/dev/ttyACM1", true),
	)
	h := newHarness(t, cfg)
	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)
	waitStatus(t, h.manager, "B", StatusConnected)

	h.opener.link("/dev/ttyACM0").setWriteErr(errors.New("write stalled"))
	h.listener.last().deliver(simHost, exportFrame("data"))

	b := h.opener.link("/dev/ttyACM1")
	require.Eventually(t, func() bool { return len(b.Written()) == 1 }, wait, tick)

	a, _ := h.manager.Device("A")
	assert.EqualValues(t, 1, a.Errors)
	assert.Zero(t, a.BytesOut)
}

func TestManagerReceiveErrorRecovers(t *testing.T) {
	h := newHarness(t, testConfig(device("A", "/dev/ttyACM0", true)))
	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)

	conn := h.listener.last()
	conn.inbound <- packet{err: errors.New("message too long")}
	conn.deliver(simHost, exportFrame("ok"))

	link := h.opener.link("/dev/ttyACM0")
	require.Eventually(t, func() bool { return len(link.Written()) == 1 }, wait, tick)
	assert.EqualValues(t, 1, h.manager.Stats().ReceiveErrors)
	assert.True(t, h.manager.Running())
}

func TestManagerSetEnabledAppliesOnRestart(t *testing.T) {
	cfg := testConfig(
		device("A", "/dev/ttyACM0", true),
		device("C", "/dev/ttyACM2", false),
	)
	h := newHarness(t, cfg)
	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)

	require.NoError(t, h.manager.SetEnabled("C", true))
	assert.True(t, cfg.Devices[1].Enabled)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.opener.openCount("/dev/ttyACM2"))

	require.NoError(t, h.manager.Restart(context.Background()))
	waitStatus(t, h.manager, "C", StatusConnected)

	assert.Error(t, h.manager.SetEnabled("missing", true))
}

func TestManagerEventCallback(t *testing.T) {
	h := newHarness(t, testConfig(device("A", "/dev/ttyACM0", true)))

	got := make(chan Event, 32)
	h.manager.SetEventCallback(func(e Event) { got <- e })

	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)
	h.manager.Stop()

	var kinds []string
	for len(got) > 0 {
		kinds = append(kinds, (<-got).Kind)
	}
	assert.Equal(t, []string{EventStart, EventConnected, EventStop}, kinds)
}

func TestManagerDevicesSnapshot(t *testing.T) {
	cfg := testConfig(
		device("A", "/dev/ttyACM0", true),
		device("B", "/dev/ttyACM1", false),
	)
	h := newHarness(t, cfg)

	want := []DeviceStatus{
		{Name: "A", Port: "/dev/ttyACM0", BaudRate: 250000, Enabled: true, Status: "disconnected"},
		{Name: "B", Port: "/dev/ttyACM1", BaudRate: 250000, Enabled: false, Status: "disconnected"},
	}
	assert.Empty(t, cmp.Diff(want, h.manager.Devices()), "Devices() mismatch (-want +got)")

	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)

	want[0].Status = "connected"
	ignore := cmpopts.IgnoreFields(DeviceStatus{}, "LastActivity")
	assert.Empty(t, cmp.Diff(want, h.manager.Devices(), ignore), "Devices() mismatch (-want +got)")
}

func TestManagerStopWithStalledDevice(t *testing.T) {
	link := newStallLink("/dev/ttyACM0")
	listener := &fakeListener{}
	m := NewManager(testConfig(device("A", "/dev/ttyACM0", true)), testLogger(),
		WithOpener(func(port string, baudRate int) (serial.Link, error) { return link, nil }),
		WithListener(listener.listen),
	)
	t.Cleanup(m.Stop)

	require.NoError(t, m.Start(context.Background()))
	waitStatus(t, m, "A", StatusConnected)

	listener.last().deliver(simHost, exportFrame("stuck"))
	select {
	case <-link.writing:
	case <-time.After(wait):
		t.Fatal("importer never wrote to the device")
	}

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(wait):
		t.Fatal("Stop blocked behind a stalled device write")
	}

	assert.False(t, m.Running())
	s, _ := m.Device("A")
	assert.Equal(t, "disconnected", s.Status)
	assert.Zero(t, s.Errors)

	// The coordinator is free again.
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
}

func TestManagerReadFaultKeepsLink(t *testing.T) {
	h := newHarness(t, testConfig(device("A", "/dev/ttyACM0", true)))
	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)

	link := h.opener.link("/dev/ttyACM0")
	link.pushErr(errors.New("boom"))
	waitStatus(t, h.manager, "A", StatusError)
	assert.False(t, link.Closed())
	assert.True(t, hasEvent(h.manager, "A error: boom"))

	// After the fault delay the same link carries the next batch.
	link.push("MASTER_CAUTION 1\n")
	conn := h.listener.last()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, wait, tick)
	assert.Equal(t, "MASTER_CAUTION 1\n", string(conn.Sent()[0].data))
	waitStatus(t, h.manager, "A", StatusConnected)
	assert.Equal(t, 1, h.opener.openCount("/dev/ttyACM0"))
	assert.False(t, link.Closed())
}

func TestManagerExporterSurvivesPanic(t *testing.T) {
	cfg := testConfig(
		device("A", "/dev/ttyACM0", true),
		device("B", "/dev/ttyACM1", true),
	)
	h := newHarness(t, cfg)
	h.opener.panicNext("/dev/ttyACM0", 1)

	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "B", StatusConnected)

	// The panic is reported as a fault and the exporter retries.
	require.Eventually(t, func() bool {
		return hasEvent(h.manager, "A error: panic: driver fault on /dev/ttyACM0")
	}, wait, tick)
	waitStatus(t, h.manager, "A", StatusConnected)
	assert.Equal(t, 2, h.opener.openCount("/dev/ttyACM0"))
	assert.True(t, h.manager.Running())

	h.opener.link("/dev/ttyACM0").push("UFC_1 1\n")
	conn := h.listener.last()
	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, wait, tick)
}

func TestManagerStartResetsDeviceCounters(t *testing.T) {
	h := newHarness(t, testConfig(device("A", "/dev/ttyACM0", true)))
	require.NoError(t, h.manager.Start(context.Background()))
	waitStatus(t, h.manager, "A", StatusConnected)

	h.opener.link("/dev/ttyACM0").push("AP_ALT 1\n")
	require.Eventually(t, func() bool {
		s, _ := h.manager.Device("A")
		return s.BytesIn > 0
	}, wait, tick)

	h.manager.Stop()
	s, _ := h.manager.Device("A")
	assert.EqualValues(t, len("AP_ALT 1\n"), s.BytesIn, "counters survive Stop")

	require.NoError(t, h.manager.Start(context.Background()))
	s, _ = h.manager.Device("A")
	assert.Zero(t, s.BytesIn)
	assert.Zero(t, s.BytesOut)
	assert.Zero(t, s.Errors)
}
