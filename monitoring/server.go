package monitoring

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dcsbridge/bridge"
	"dcsbridge/config"
	"dcsbridge/control"
	"dcsbridge/output"
	"dcsbridge/serial"
)

// Server provides HTTP endpoints for monitoring and driving the bridge
type Server struct {
	config     *config.MonitoringConfig
	manager    *bridge.Manager
	nats       *output.NATSConnection
	tap        *output.TrafficTap
	control    *control.Responder
	enumerate  serial.Enumerator
	logger     *slog.Logger
	server     *http.Server
	broker     *SSEBroker
	registry   *prometheus.Registry
	instanceID string
	startTime  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// ServerConfig holds the optional collaborators of a Server
type ServerConfig struct {
	Monitoring *config.MonitoringConfig
	Manager    *bridge.Manager
	NATS       *output.NATSConnection // may be nil
	Tap        *output.TrafficTap     // may be nil
	Control    *control.Responder     // may be nil
	Enumerate  serial.Enumerator      // nil = system enumerator
	InstanceID string
	Logger     *slog.Logger
}

// NewServer creates a new monitoring server
func NewServer(cfg *ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	enumerate := cfg.Enumerate
	if enumerate == nil {
		enumerate = serial.SystemEnumerator
	}

	s := &Server{
		config:     cfg.Monitoring,
		manager:    cfg.Manager,
		nats:       cfg.NATS,
		tap:        cfg.Tap,
		control:    cfg.Control,
		enumerate:  enumerate,
		logger:     cfg.Logger,
		broker:     NewSSEBroker(),
		registry:   prometheus.NewRegistry(),
		instanceID: cfg.InstanceID,
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.registry.MustRegister(NewBridgeCollector(cfg.Manager, cfg.NATS))

	return s
}

// Handler returns the server's routes wrapped in basic auth when configured
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/ports/available", s.handleAvailablePorts)
	mux.HandleFunc("/api/bridge/start", s.handleBridgeStart)
	mux.HandleFunc("/api/bridge/stop", s.handleBridgeStop)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	if s.config.Username != "" && s.config.Password != "" {
		handler = s.basicAuth(mux)
		s.logger.Info("Basic auth enabled for monitoring dashboard")
	}
	return handler
}

// Start binds the listen port and serves in the background
func (s *Server) Start() error {
	go s.broker.Run(s.ctx)

	addr := fmt.Sprintf(":%d", s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
	}

	s.logger.Info("Starting monitoring server", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Monitoring server error", "error", err)
		}
	}()

	return nil
}

// basicAuth wraps a handler with HTTP basic authentication
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.config.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.config.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="DCS-BIOS Bridge"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop gracefully shuts down the monitoring server
func (s *Server) Stop(ctx context.Context) error {
	s.cancel() // Stop SSE broker

	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.logger.Info("Stopping monitoring server")
	return s.server.Shutdown(shutdownCtx)
}

// PublishEvent pushes a bridge event to SSE clients
func (s *Server) PublishEvent(e bridge.Event) {
	data, err := json.Marshal(eventView(e))
	if err != nil {
		return
	}
	s.broker.Broadcast(e.Device, e.Kind, string(data))
}

// EventView is the JSON form of a bridge event
type EventView struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Device  string    `json:"device,omitempty"`
	Message string    `json:"message"`
	Line    string    `json:"line"`
}

func eventView(e bridge.Event) EventView {
	return EventView{
		Time:    e.Time,
		Kind:    e.Kind,
		Device:  e.Device,
		Message: e.Message,
		Line:    e.String(),
	}
}

func eventViews(events []bridge.Event) []EventView {
	views := make([]EventView, len(events))
	for i, e := range events {
		views[i] = eventView(e)
	}
	return views
}

// StatusResponse is the response for /api/status
type StatusResponse struct {
	InstanceID string                  `json:"instance_id"`
	Uptime     string                  `json:"uptime"`
	Bridge     bridge.Stats            `json:"bridge"`
	Events     []EventView             `json:"events"`
	NATS       *output.NATSStats       `json:"nats,omitempty"`
	Tap        *output.TrafficTapStats `json:"traffic_tap,omitempty"`
	Control    *control.Stats          `json:"control,omitempty"`
	SSEClients int                     `json:"sse_clients"`
}

// ControlResponse is the response for the bridge start and stop endpoints
type ControlResponse struct {
	OK      bool   `json:"ok"`
	Running bool   `json:"running"`
	RunID   string `json:"run_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"running":   s.manager.Running(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		InstanceID: s.instanceID,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Bridge:     s.manager.Stats(),
		Events:     eventViews(s.manager.Events()),
		SSEClients: s.broker.ClientCount(),
	}
	if s.nats != nil {
		stats := s.nats.Stats()
		resp.NATS = &stats
	}
	if s.tap != nil {
		stats := s.tap.Stats()
		resp.Tap = &stats
	}
	if s.control != nil {
		stats := s.control.Stats()
		resp.Control = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": s.manager.Devices(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.manager.Events()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": eventViews(events),
		"count":  len(events),
	})
}

func (s *Server) handleAvailablePorts(w http.ResponseWriter, r *http.Request) {
	var configured []string
	for _, d := range s.manager.Devices() {
		configured = append(configured, d.Port)
	}

	ports, err := serial.DiscoverWith(s.enumerate, configured)
	if err != nil {
		s.logger.Warn("Port discovery failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ports": ports,
		"count": len(ports),
	})
}

func (s *Server) handleBridgeStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.manager.Start(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, ControlResponse{
			OK:      false,
			Running: s.manager.Running(),
			Error:   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, ControlResponse{
		OK:      true,
		Running: s.manager.Running(),
		RunID:   s.manager.RunID(),
	})
}

func (s *Server) handleBridgeStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.manager.Stop()
	writeJSON(w, http.StatusOK, ControlResponse{OK: true, Running: s.manager.Running()})
}

// handleStream streams bridge events as server-sent events. The optional
// "device" and "kind" query parameters narrow the stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	client := newSSEClient(parseStreamFilter(q.Get("device"), q.Get("kind")))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	select {
	case s.broker.register <- client:
	case <-s.ctx.Done():
		return
	case <-r.Context().Done():
		return
	}
	defer func() {
		select {
		case s.broker.unregister <- client:
		case <-s.ctx.Done():
		}
	}()

	// Replay the current event log so new clients start with context
	for _, e := range s.manager.Events() {
		if !client.filter.matches(e.Device, e.Kind) {
			continue
		}
		data, err := json.Marshal(eventView(e))
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.done:
			return
		case msg := <-client.send:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
