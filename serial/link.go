package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"
)

// DefaultReadTimeout bounds how long a Read blocks waiting for panel output.
// Short enough that the exporter notices a stop request promptly.
const DefaultReadTimeout = 100 * time.Millisecond

// ErrLinkClosed is returned by operations on a link after Close.
var ErrLinkClosed = errors.New("link closed")

// Link is an open, bidirectional connection to one panel controller
type Link interface {
	io.Reader
	io.Writer
	io.Closer
	Port() string
}

// Opener opens a link to a serial port at the given baud rate
type Opener func(port string, baudRate int) (Link, error)

// RealLink implements Link using go.bug.st/serial
type RealLink struct {
	port string
	conn serial.Port
	mu   sync.Mutex
}

// Open opens port at baudRate (8N1) with the default read timeout. It is the
// production Opener.
func Open(port string, baudRate int) (Link, error) {
	return TimeoutOpener(DefaultReadTimeout)(port, baudRate)
}

// OpenWithTimeout is Open with an explicit read timeout.
func OpenWithTimeout(port string, baudRate int, readTimeout time.Duration) (*RealLink, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	conn, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", port, err)
	}

	if err := conn.SetReadTimeout(readTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", port, err)
	}

	return &RealLink{port: port, conn: conn}, nil
}

// TimeoutOpener returns an Opener that applies readTimeout to every link.
func TimeoutOpener(readTimeout time.Duration) Opener {
	return func(port string, baudRate int) (Link, error) {
		link, err := OpenWithTimeout(port, baudRate, readTimeout)
		if err != nil {
			return nil, err
		}
		return link, nil
	}
}

// Read implements io.Reader. A read that times out returns 0, nil.
func (l *RealLink) Read(p []byte) (int, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return 0, ErrLinkClosed
	}

	return conn.Read(p)
}

// Write implements io.Writer
func (l *RealLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return 0, ErrLinkClosed
	}

	return conn.Write(p)
}

// Close implements io.Closer. Closing twice is a no-op.
func (l *RealLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}

	err := l.conn.Close()
	l.conn = nil
	return err
}

// Port returns the device path
func (l *RealLink) Port() string {
	return l.port
}

// IsRecoverable reports whether err is a transport failure of the link
// itself (port gone, permission denied, I/O error). Such failures are fixed
// by closing the link and reopening it later.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return true
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return true
	}

	return errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, ErrLinkClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
