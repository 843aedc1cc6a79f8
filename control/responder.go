package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"dcsbridge/bridge"
)

// Commands accepted on the control subject
const (
	CommandStart   = "start"
	CommandStop    = "stop"
	CommandRestart = "restart"
	CommandStatus  = "status"
	CommandEvents  = "events"
	CommandEnable  = "enable"
	CommandDisable = "disable"
)

// Controller is what the responder drives. *bridge.Manager implements it.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Restart(ctx context.Context) error
	Running() bool
	RunID() string
	Devices() []bridge.DeviceStatus
	Events() []bridge.Event
	SetEnabled(name string, enabled bool) error
}

// Subscriber registers NATS handlers. *output.NATSConnection implements it.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Request is a control message
type Request struct {
	Command string `json:"command"`
	Device  string `json:"device,omitempty"` // enable/disable only
}

// Response is the reply to every Request
type Response struct {
	OK      bool                  `json:"ok"`
	Running bool                  `json:"running"`
	RunID   string                `json:"run_id,omitempty"`
	Error   string                `json:"error,omitempty"`
	Devices []bridge.DeviceStatus `json:"devices,omitempty"`
	Events  []bridge.Event        `json:"events,omitempty"`
}

// Responder answers request/reply control messages so a scheduler or a
// remote panel can start and stop the bridge without touching its internals.
type Responder struct {
	ctrl    Controller
	conn    Subscriber
	subject string
	logger  *slog.Logger

	mu       sync.Mutex
	sub      *nats.Subscription
	handled  int64
	failures int64

	ctx    context.Context
	cancel context.CancelFunc
}

// ResponderConfig contains configuration for Responder
type ResponderConfig struct {
	Controller Controller
	Conn       Subscriber
	Subject    string // e.g., "dcsbios.control.cockpit-1"
	Logger     *slog.Logger
}

// Stats reports responder activity
type Stats struct {
	Subject  string `json:"subject"`
	Active   bool   `json:"active"`
	Handled  int64  `json:"handled"`
	Failures int64  `json:"failures"`
}

func New(cfg *ResponderConfig) *Responder {
	return &Responder{
		ctrl:    cfg.Controller,
		conn:    cfg.Conn,
		subject: cfg.Subject,
		logger:  cfg.Logger,
	}
}

// Start subscribes to the control subject. ctx is passed to bridge starts.
func (r *Responder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	sub, err := r.conn.Subscribe(r.subject, r.onMessage)
	if err != nil {
		r.cancel()
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	r.logger.Info("Control responder started", "subject", r.subject)
	return nil
}

func (r *Responder) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()

	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	handled := r.handled
	r.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Debug("Unsubscribe failed", "error", err)
		}
	}
	r.logger.Info("Control responder stopped", "handled", handled)
}

func (r *Responder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Subject:  r.subject,
		Active:   r.sub != nil,
		Handled:  r.handled,
		Failures: r.failures,
	}
}

func (r *Responder) onMessage(msg *nats.Msg) {
	resp := r.handle(r.ctx, msg.Data)

	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("Failed to marshal control response", "error", err)
		return
	}

	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("Failed to send control response", "error", err)
	}
}

// handle executes one request and builds the reply
func (r *Responder) handle(ctx context.Context, data []byte) Response {
	var req Request
	var err error

	if jsonErr := json.Unmarshal(data, &req); jsonErr != nil {
		err = fmt.Errorf("invalid request: %w", jsonErr)
	} else {
		r.logger.Info("Control command", "command", req.Command, "device", req.Device)
		err = r.execute(ctx, req)
	}

	resp := Response{
		OK:      err == nil,
		Running: r.ctrl.Running(),
		RunID:   r.ctrl.RunID(),
		Devices: r.ctrl.Devices(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if err == nil && req.Command == CommandEvents {
		resp.Events = r.ctrl.Events()
	}

	r.mu.Lock()
	r.handled++
	if err != nil {
		r.failures++
	}
	r.mu.Unlock()

	return resp
}

func (r *Responder) execute(ctx context.Context, req Request) error {
	switch req.Command {
	case CommandStart:
		return r.ctrl.Start(ctx)
	case CommandStop:
		r.ctrl.Stop()
		return nil
	case CommandRestart:
		return r.ctrl.Restart(ctx)
	case CommandStatus, CommandEvents:
		return nil
	case CommandEnable, CommandDisable:
		if req.Device == "" {
			return fmt.Errorf("%s requires a device", req.Command)
		}
		return r.ctrl.SetEnabled(req.Device, req.Command == CommandEnable)
	default:
		return fmt.Errorf("unknown command: %q", req.Command)
	}
}
