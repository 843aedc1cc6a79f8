package bridge

import (
	"fmt"
	"sync"
	"time"
)

// Event kinds. These double as the event types published over NATS.
const (
	EventMessage     = "log"
	EventStart       = "bridge_start"
	EventStop        = "bridge_stop"
	EventConnected   = "device_connected"
	EventDeviceError = "device_error"
	EventError       = "error"
)

// Event is one entry of the bridge status log
type Event struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Device  string    `json:"device,omitempty"`
	Message string    `json:"message"`
}

// String renders the event the way the status panel shows it.
func (e Event) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05"), e.Message)
}

// EventLog keeps the most recent events, oldest first. Safe for concurrent
// use.
type EventLog struct {
	mu      sync.Mutex
	entries []Event
	size    int
	now     func() time.Time
	notify  func(Event)
}

// NewEventLog creates a log holding at most size entries
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = 10
	}
	return &EventLog{
		entries: make([]Event, 0, size),
		size:    size,
		now:     time.Now,
	}
}

// SetCallback registers fn to receive every event after it is stored.
func (l *EventLog) SetCallback(fn func(Event)) {
	l.mu.Lock()
	l.notify = fn
	l.mu.Unlock()
}

// Add appends an event, evicting the oldest when the log is full.
func (l *EventLog) Add(kind, device, message string) Event {
	l.mu.Lock()
	e := Event{
		Time:    l.now(),
		Kind:    kind,
		Device:  device,
		Message: message,
	}
	if len(l.entries) == l.size {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.size-1]
	}
	l.entries = append(l.entries, e)
	notify := l.notify
	l.mu.Unlock()

	if notify != nil {
		notify(e)
	}
	return e
}

// Addf is Add with a formatted message
func (l *EventLog) Addf(kind, device, format string, args ...any) Event {
	return l.Add(kind, device, fmt.Sprintf(format, args...))
}

// Entries returns a copy of the stored events, oldest first
func (l *EventLog) Entries() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, len(l.entries))
	copy(out, l.entries)
	return out
}
