package serial

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"go.bug.st/serial/enumerator"
)

// discoveryPatterns are the device name globs that can host a panel
// controller. ttyS0 is usually the console but is still listed; the operator
// decides.
var discoveryPatterns = []string{
	"/dev/ttyACM*",
	"/dev/ttyUSB*",
	"/dev/ttyAMA*",
	"/dev/ttyS*",
}

// PortInfo describes a serial port found on the system
type PortInfo struct {
	Port         string `json:"port"`
	Description  string `json:"description"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Configured   bool   `json:"configured"`
}

// Enumerator lists the serial ports present on the system
type Enumerator func() ([]*enumerator.PortDetails, error)

// SystemEnumerator asks the operating system for its serial ports
var SystemEnumerator Enumerator = enumerator.GetDetailedPortsList

// Discover lists serial ports that could host a panel controller, marking
// the ones already present in configured.
func Discover(configured []string) ([]PortInfo, error) {
	return DiscoverWith(SystemEnumerator, configured)
}

// DiscoverWith is Discover with an explicit enumerator.
func DiscoverWith(enumerate Enumerator, configured []string) ([]PortInfo, error) {
	details, err := enumerate()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	inUse := make(map[string]bool, len(configured))
	for _, p := range configured {
		inUse[p] = true
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil || !matchesPattern(d.Name) {
			continue
		}

		ports = append(ports, PortInfo{
			Port:         d.Name,
			Description:  describePort(d),
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Configured:   inUse[d.Name],
		})
	}

	sort.Slice(ports, func(i, j int) bool {
		return naturalLess(ports[i].Port, ports[j].Port)
	})

	return ports, nil
}

func matchesPattern(name string) bool {
	for _, pattern := range discoveryPatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// describePort builds a human-readable description from USB descriptors,
// falling back to the kind of device implied by its name.
func describePort(d *enumerator.PortDetails) string {
	if d.IsUSB {
		var desc string
		if d.Product != "" {
			desc = d.Product
		} else if d.VID != "" {
			desc = fmt.Sprintf("USB %s:%s", strings.ToLower(d.VID), strings.ToLower(d.PID))
		}
		if desc != "" {
			if d.SerialNumber != "" {
				desc += fmt.Sprintf(" (S/N: %s)", d.SerialNumber)
			}
			return desc
		}
	}

	switch {
	case strings.Contains(d.Name, "ACM"):
		return "USB CDC ACM Device (Arduino compatible)"
	case strings.Contains(d.Name, "USB"):
		return "USB to Serial Adapter"
	case strings.Contains(d.Name, "AMA"):
		return "Hardware Serial Port"
	default:
		return "Serial Port"
	}
}

// naturalLess orders names so that ttyACM2 sorts before ttyACM10.
func naturalLess(a, b string) bool {
	pa, na := splitTrailingNumber(a)
	pb, nb := splitTrailingNumber(b)
	if pa != pb {
		return pa < pb
	}
	return na < nb
}

func splitTrailingNumber(s string) (string, int) {
	i := len(s)
	for i > 0 && unicode.IsDigit(rune(s[i-1])) {
		i--
	}
	n, err := strconv.Atoi(s[i:])
	if err != nil {
		return s, -1
	}
	return s[:i], n
}
