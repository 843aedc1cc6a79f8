package bridge

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"dcsbridge/config"
	"dcsbridge/serial"
)

// fakeLink emulates a serial link with a short read timeout.
type fakeLink struct {
	port  string
	reads chan readResult

	mu       sync.Mutex
	written  [][]byte
	closed   bool
	writeErr error
}

type readResult struct {
	data []byte
	err  error
}

func newFakeLink(port string) *fakeLink {
	return &fakeLink{port: port, reads: make(chan readResult, 16)}
}

func (f *fakeLink) Read(p []byte) (int, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return 0, serial.ErrLinkClosed
	}

	select {
	case r := <-f.reads:
		n := copy(p, r.data)
		return n, r.err
	case <-time.After(2 * time.Millisecond):
		return 0, nil
	}
}

func (f *fakeLink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, serial.ErrLinkClosed
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) Port() string { return f.port }

func (f *fakeLink) push(data string) {
	f.reads <- readResult{data: []byte(data)}
}

func (f *fakeLink) pushErr(err error) {
	f.reads <- readResult{err: err}
}

func (f *fakeLink) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeLink) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeLink) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeOpener hands out a new fakeLink per open unless an error or a panic
// is set for the port.
type fakeOpener struct {
	mu      sync.Mutex
	errs    map[string]error
	panics  map[string]int
	opens   map[string]int
	current map[string]*fakeLink
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		errs:    make(map[string]error),
		panics:  make(map[string]int),
		opens:   make(map[string]int),
		current: make(map[string]*fakeLink),
	}
}

func (o *fakeOpener) open(port string, baudRate int) (serial.Link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.opens[port]++
	if o.panics[port] > 0 {
		o.panics[port]--
		panic("driver fault on " + port)
	}
	if err := o.errs[port]; err != nil {
		return nil, err
	}
	l := newFakeLink(port)
	o.current[port] = l
	return l, nil
}

func (o *fakeOpener) setErr(port string, err error) {
	o.mu.Lock()
	o.errs[port] = err
	o.mu.Unlock()
}

// panicNext makes the next n opens of port panic
func (o *fakeOpener) panicNext(port string, n int) {
	o.mu.Lock()
	o.panics[port] = n
	o.mu.Unlock()
}

func (o *fakeOpener) link(port string) *fakeLink {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current[port]
}

func (o *fakeOpener) openCount(port string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[port]
}

func (o *fakeOpener) totalOpens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.opens {
		total += n
	}
	return total
}

// stallLink is a port that stopped draining: Write blocks until Close.
// Reads time out with nothing.
type stallLink struct {
	port      string
	closed    chan struct{}
	closeOnce sync.Once
	writing   chan struct{}
	once      sync.Once
}

func newStallLink(port string) *stallLink {
	return &stallLink{
		port:    port,
		closed:  make(chan struct{}),
		writing: make(chan struct{}),
	}
}

func (l *stallLink) Read(p []byte) (int, error) {
	select {
	case <-l.closed:
		return 0, serial.ErrLinkClosed
	case <-time.After(2 * time.Millisecond):
		return 0, nil
	}
}

func (l *stallLink) Write(p []byte) (int, error) {
	l.once.Do(func() { close(l.writing) })
	<-l.closed
	return 0, serial.ErrLinkClosed
}

func (l *stallLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *stallLink) Port() string { return l.port }

type packet struct {
	data []byte
	from net.Addr
	err  error
}

type sentPacket struct {
	data []byte
	to   net.Addr
}

// fakePacketConn is an in-memory UDP endpoint. ReadFrom blocks until a
// packet is injected or the conn is closed.
type fakePacketConn struct {
	inbound   chan packet
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	sent     []sentPacket
	writeErr error
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{
		inbound: make(chan packet, 16),
		done:    make(chan struct{}),
	}
}

func (c *fakePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case p := <-c.inbound:
		if p.err != nil {
			return 0, nil, p.err
		}
		return copy(b, p.data), p.from, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.sent = append(c.sent, sentPacket{data: append([]byte(nil), b...), to: addr})
	return len(b), nil
}

func (c *fakePacketConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakePacketConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakePacketConn) deliver(from string, data []byte) {
	c.inbound <- packet{data: data, from: &net.UDPAddr{IP: net.ParseIP(from), Port: 5010}}
}

func (c *fakePacketConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakePacketConn) Sent() []sentPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentPacket, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeListener struct {
	mu    sync.Mutex
	conns []*fakePacketConn
	err   error
}

func (l *fakeListener) listen(ctx context.Context, cfg config.NetworkConfig) (PacketConn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return nil, l.err
	}
	c := newFakePacketConn()
	l.conns = append(l.conns, c)
	return c, nil
}

func (l *fakeListener) last() *fakePacketConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.conns) == 0 {
		return nil
	}
	return l.conns[len(l.conns)-1]
}

func (l *fakeListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

type tapRecord struct {
	direction string
	device    string
	data      string
}

type fakeTap struct {
	mu      sync.Mutex
	records []tapRecord
}

func (t *fakeTap) Record(direction, device string, data []byte) {
	t.mu.Lock()
	t.records = append(t.records, tapRecord{direction, device, string(data)})
	t.mu.Unlock()
}

func (t *fakeTap) Records() []tapRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]tapRecord, len(t.records))
	copy(out, t.records)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a config with the given devices and short delays.
func testConfig(devices ...config.DeviceConfig) *config.Config {
	cfg := &config.Config{Devices: devices}
	cfg.SetDefaults()
	cfg.Bridge.ReconnectDelayMs = 10
	cfg.Bridge.FaultDelayMs = 10
	cfg.Bridge.ReceiveRetryDelayMs = 10
	cfg.Bridge.IdleIntervalMs = 1
	return cfg
}

func device(name, port string, enabled bool) config.DeviceConfig {
	return config.DeviceConfig{Name: name, Port: port, BaudRate: config.DefaultBaudRate, Enabled: enabled}
}

type harness struct {
	manager  *Manager
	opener   *fakeOpener
	listener *fakeListener
	tap      *fakeTap
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	h := &harness{
		opener:   newFakeOpener(),
		listener: &fakeListener{},
		tap:      &fakeTap{},
	}
	h.manager = NewManager(cfg, testLogger(),
		WithOpener(h.opener.open),
		WithListener(h.listener.listen),
		WithTap(h.tap),
	)
	t.Cleanup(h.manager.Stop)
	return h
}
