package output

import (
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// TrafficTap records every relayed payload to a rotating log file and,
// when a NATS connection is given, mirrors each line to a subject. Payload
// bytes are written as hex and never interpreted.
type TrafficTap struct {
	logWriter   io.WriteCloser
	conn        Publisher
	natsSubject string
	logger      *slog.Logger
	now         func() time.Time
	mu          sync.Mutex

	lines  atomic.Int64
	errors atomic.Int64
}

// TrafficTapConfig contains configuration for TrafficTap
type TrafficTapConfig struct {
	LogBasePath   string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogCompress   bool
	Conn          Publisher // Optional
	NATSSubject   string
	Logger        *slog.Logger
}

// TrafficTapStats reports how much the tap has written
type TrafficTapStats struct {
	Lines  int64 `json:"lines"`
	Errors int64 `json:"errors"`
}

// NewTrafficTap creates a tap writing to {LogBasePath}/traffic.log
func NewTrafficTap(cfg *TrafficTapConfig) *TrafficTap {
	logPath := filepath.Join(cfg.LogBasePath, "traffic.log")

	logWriter := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
	}

	cfg.Logger.Info("Initialized traffic tap",
		"log_path", logPath,
		"nats_subject", cfg.NATSSubject,
		"nats_enabled", cfg.Conn != nil)

	return &TrafficTap{
		logWriter:   logWriter,
		conn:        cfg.Conn,
		natsSubject: cfg.NATSSubject,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Record writes one line for a relayed payload
func (t *TrafficTap) Record(direction, device string, data []byte) {
	line := BuildHeader(direction, device, t.now().UTC()) + hex.EncodeToString(data) + "\n"

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := io.WriteString(t.logWriter, line); err != nil {
		t.errors.Add(1)
		t.logger.Error("Failed to write traffic log", "error", err)
		return
	}
	t.lines.Add(1)

	// NATS is secondary - the file already has the line
	if t.conn != nil && t.conn.IsConnected() {
		if err := t.conn.Publish(t.natsSubject, []byte(line)); err != nil {
			t.errors.Add(1)
			t.logger.Debug("Failed to publish traffic line", "subject", t.natsSubject, "error", err)
		}
	}
}

// Stats returns counters
func (t *TrafficTap) Stats() TrafficTapStats {
	return TrafficTapStats{Lines: t.lines.Load(), Errors: t.errors.Load()}
}

// Close closes the log writer
func (t *TrafficTap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logWriter != nil {
		return t.logWriter.Close()
	}
	return nil
}
