package monitoring

import (
	"context"
	"strings"
	"sync"
)

// streamFilter selects which bridge events a stream client receives. Empty
// fields match everything.
type streamFilter struct {
	device string
	kinds  map[string]bool
}

// parseStreamFilter builds a filter from the device and comma-separated
// kind query parameters.
func parseStreamFilter(device, kinds string) streamFilter {
	f := streamFilter{device: device}
	if f.device == "all" {
		f.device = ""
	}
	for _, k := range strings.Split(kinds, ",") {
		if k = strings.TrimSpace(k); k != "" {
			if f.kinds == nil {
				f.kinds = make(map[string]bool)
			}
			f.kinds[k] = true
		}
	}
	return f
}

// matches reports whether an event for device of the given kind passes.
// Events with no device are bridge-wide and reach every device filter.
func (f streamFilter) matches(device, kind string) bool {
	if f.device != "" && device != "" && device != f.device {
		return false
	}
	if f.kinds != nil && !f.kinds[kind] {
		return false
	}
	return true
}

// SSEClient is one connected event stream
type SSEClient struct {
	filter streamFilter
	send   chan string
	done   chan struct{}
}

func newSSEClient(filter streamFilter) *SSEClient {
	return &SSEClient{
		filter: filter,
		send:   make(chan string, 100),
		done:   make(chan struct{}),
	}
}

// BroadcastMessage is an encoded event with the fields clients filter on
type BroadcastMessage struct {
	Device string
	Kind   string
	Data   string
}

// SSEBroker fans bridge events out to stream clients. All client
// bookkeeping happens on the Run goroutine.
type SSEBroker struct {
	clients    map[*SSEClient]struct{}
	register   chan *SSEClient
	unregister chan *SSEClient
	broadcast  chan BroadcastMessage
	mu         sync.RWMutex
}

// NewSSEBroker creates a new SSE broker
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{
		clients:    make(map[*SSEClient]struct{}),
		register:   make(chan *SSEClient),
		unregister: make(chan *SSEClient),
		broadcast:  make(chan BroadcastMessage, 256),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// releases every client.
func (b *SSEBroker) Run(ctx context.Context) {
	defer b.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = struct{}{}
			b.mu.Unlock()
		case client := <-b.unregister:
			b.remove(client)
		case msg := <-b.broadcast:
			b.deliver(msg)
		}
	}
}

func (b *SSEBroker) deliver(msg BroadcastMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients {
		if !client.filter.matches(msg.Device, msg.Kind) {
			continue
		}
		select {
		case client.send <- msg.Data:
		default:
			// slow client, drop
		}
	}
}

func (b *SSEBroker) remove(client *SSEClient) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[client]; ok {
		close(client.done)
		delete(b.clients, client)
	}
}

func (b *SSEBroker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for client := range b.clients {
		close(client.done)
		delete(b.clients, client)
	}
}

// Broadcast queues an encoded event. It never blocks; when the queue is
// full the event is dropped.
func (b *SSEBroker) Broadcast(device, kind, data string) {
	select {
	case b.broadcast <- BroadcastMessage{Device: device, Kind: kind, Data: data}:
	default:
	}
}

// ClientCount returns the number of connected clients
func (b *SSEBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
