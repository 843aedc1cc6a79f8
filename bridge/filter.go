package bridge

import (
	"bytes"
	"net"
)

// ExportMarker starts every frame of the simulator's export stream.
var ExportMarker = []byte{0x55, 0x55, 0x55, 0x55}

// IsExportPacket reports whether data begins with ExportMarker.
func IsExportPacket(data []byte) bool {
	return bytes.HasPrefix(data, ExportMarker)
}

// Accept reports whether a datagram should be relayed to the devices: it
// must come from the simulator host and carry the export marker.
func Accept(from net.Addr, simulator net.IP, data []byte) bool {
	ip := addrIP(from)
	if ip == nil || !ip.Equal(simulator) {
		return false
	}
	return IsExportPacket(data)
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case nil:
		return nil
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.ParseIP(host)
}

var (
	crlf = []byte("\r\n")
	cr   = []byte("\r")
	lf   = []byte("\n")
)

// NormalizeLineEndings rewrites CRLF and lone CR to LF. Panel firmware
// speaks a line-oriented command protocol and some sketches end lines with
// CRLF.
func NormalizeLineEndings(data []byte) []byte {
	if bytes.IndexByte(data, '\r') < 0 {
		return data
	}
	out := bytes.ReplaceAll(data, crlf, lf)
	return bytes.ReplaceAll(out, cr, lf)
}
