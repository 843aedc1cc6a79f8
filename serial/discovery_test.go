package serial

import (
	"errors"
	"testing"

	"go.bug.st/serial/enumerator"
)

func fakeEnumerator(details ...*enumerator.PortDetails) Enumerator {
	return func() ([]*enumerator.PortDetails, error) {
		return details, nil
	}
}

func TestDiscoverFiltersAndSorts(t *testing.T) {
	enumerate := fakeEnumerator(
		&enumerator.PortDetails{Name: "/dev/ttyACM10"},
		&enumerator.PortDetails{Name: "/dev/ttyACM2"},
		&enumerator.PortDetails{Name: "/dev/ttyprintk"},
		&enumerator.PortDetails{Name: "/dev/ttyUSB0"},
		nil,
		&enumerator.PortDetails{Name: "/dev/ttyAMA0"},
	)

	ports, err := DiscoverWith(enumerate, []string{"/dev/ttyACM2"})
	if err != nil {
		t.Fatalf("DiscoverWith() error = %v", err)
	}

	want := []string{"/dev/ttyACM2", "/dev/ttyACM10", "/dev/ttyAMA0", "/dev/ttyUSB0"}
	if len(ports) != len(want) {
		t.Fatalf("len(ports) = %d, want %d (%+v)", len(ports), len(want), ports)
	}
	for i, p := range ports {
		if p.Port != want[i] {
			t.Errorf("ports[%d] = %q, want %q", i, p.Port, want[i])
		}
	}

	if !ports[0].Configured {
		t.Error("/dev/ttyACM2 should be marked configured")
	}
	if ports[1].Configured {
		t.Error("/dev/ttyACM10 should not be marked configured")
	}
}

func TestDiscoverEnumerationError(t *testing.T) {
	enumerate := func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("udev unavailable")
	}

	if _, err := DiscoverWith(enumerate, nil); err == nil {
		t.Error("DiscoverWith() expected error, got nil")
	}
}

func TestDescribePort(t *testing.T) {
	tests := []struct {
		name    string
		details enumerator.PortDetails
		want    string
	}{
		{
			name:    "usb product with serial",
			details: enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, Product: "Arduino Mega 2560", SerialNumber: "85736323"},
			want:    "Arduino Mega 2560 (S/N: 85736323)",
		},
		{
			name:    "usb ids only",
			details: enumerator.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1A86", PID: "7523"},
			want:    "USB 1a86:7523",
		},
		{
			name:    "acm fallback",
			details: enumerator.PortDetails{Name: "/dev/ttyACM3"},
			want:    "USB CDC ACM Device (Arduino compatible)",
		},
		{
			name:    "usb adapter fallback",
			details: enumerator.PortDetails{Name: "/dev/ttyUSB1"},
			want:    "USB to Serial Adapter",
		},
		{
			name:    "hardware uart",
			details: enumerator.PortDetails{Name: "/dev/ttyAMA0"},
			want:    "Hardware Serial Port",
		},
		{
			name:    "plain serial",
			details: enumerator.PortDetails{Name: "/dev/ttyS1"},
			want:    "Serial Port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describePort(&tt.details); got != tt.want {
				t.Errorf("describePort() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNaturalLess(t *testing.T) {
	if !naturalLess("/dev/ttyACM2", "/dev/ttyACM10") {
		t.Error("ttyACM2 should sort before ttyACM10")
	}
	if naturalLess("/dev/ttyUSB0", "/dev/ttyACM9") {
		t.Error("ttyUSB0 should sort after ttyACM9")
	}
	if !naturalLess("/dev/serial", "/dev/ttyS0") {
		t.Error("names without numbers should compare by prefix")
	}
}
