package output

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

type published struct {
	subject string
	data    []byte
}

// fakePublisher records everything published to it
type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	msgs      []published
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{connected: true}
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, append([]byte(nil), data...)})
	return nil
}

func (f *fakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	f.mu.Unlock()
}

func (f *fakePublisher) Messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]published, len(f.msgs))
	copy(out, f.msgs)
	return out
}

var errPublish = errors.New("publish failed")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
