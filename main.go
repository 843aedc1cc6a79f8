package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dcsbridge/bridge"
	"dcsbridge/config"
	"dcsbridge/control"
	"dcsbridge/monitoring"
	"dcsbridge/output"
	"dcsbridge/serial"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	appName    = "DCSBridge"
	appVersion = "1.0.0"
)

func main() {
	// Parse command-line flags
	configPath := pflag.StringP("config", "c", "dcsbridge.json", "Path to configuration file (created if missing)")
	debug := pflag.Bool("debug", false, "Enable debug logging")
	version := pflag.BoolP("version", "v", false, "Show version and exit")
	listPorts := pflag.Bool("list-ports", false, "List available serial ports and exit")
	pflag.Parse()

	// Handle version flag
	if *version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(0)
	}

	// Load configuration, writing the default panel set on first run
	cfg, created, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *listPorts {
		printPorts(cfg)
		os.Exit(0)
	}

	// Setup logging
	logger := setupLogging(cfg, *debug)
	logger.Info("Starting DCSBridge",
		"version", appVersion,
		"instance", cfg.App.InstanceID,
		"config", *configPath,
		"created", created)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Optional NATS: events, health heartbeat, remote control, traffic mirror
	var natsConn *output.NATSConnection
	if cfg.NATS.Enabled {
		natsConn, err = output.NewNATSConnection(
			cfg.NATS.URL,
			fmt.Sprintf("%s-%s", appName, cfg.App.InstanceID),
			cfg.NATS.MaxReconnects,
			cfg.NATS.ReconnectWait(),
			logger)
		if err != nil {
			// Bridging does not depend on NATS
			logger.Warn("NATS unavailable, continuing without it", "url", cfg.NATS.URL, "error", err)
			natsConn = nil
		}
	}

	var opts []bridge.Option
	var tap *output.TrafficTap
	if cfg.Logging.TrafficTap && cfg.Logging.BasePath != "" {
		tapCfg := &output.TrafficTapConfig{
			LogBasePath:   cfg.Logging.BasePath,
			LogMaxSizeMB:  cfg.Logging.MaxSizeMB,
			LogMaxBackups: cfg.Logging.MaxBackups,
			LogCompress:   cfg.Logging.Compress,
			Logger:        logger,
		}
		if natsConn != nil {
			tapCfg.Conn = natsConn
			tapCfg.NATSSubject = output.BuildTrafficSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID)
		}
		tap = output.NewTrafficTap(tapCfg)
		opts = append(opts, bridge.WithTap(tap))
	}

	manager := bridge.NewManager(cfg, logger.With("component", "bridge"), opts...)

	var events *output.EventPublisher
	var health *output.HealthPublisher
	var responder *control.Responder
	if natsConn != nil {
		events = output.NewEventPublisher(&output.EventPublisherConfig{
			Conn:       natsConn,
			Subject:    output.BuildEventsSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID),
			InstanceID: cfg.App.InstanceID,
			Logger:     logger,
		})

		health = output.NewHealthPublisher(&output.HealthPublisherConfig{
			Conn:       natsConn,
			Subject:    output.BuildHealthSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID),
			InstanceID: cfg.App.InstanceID,
			Interval:   cfg.NATS.HealthInterval(),
			Logger:     logger,
			StatsFunc:  func() output.HealthStats { return healthStats(manager.Stats()) },
		})

		responder = control.New(&control.ResponderConfig{
			Controller: manager,
			Conn:       natsConn,
			Subject:    output.BuildControlSubject(cfg.NATS.SubjectPrefix, cfg.App.InstanceID),
			Logger:     logger.With("component", "control"),
		})
	}

	// Start monitoring server
	var monServer *monitoring.Server
	if cfg.Monitoring.Enabled {
		monServer = monitoring.NewServer(&monitoring.ServerConfig{
			Monitoring: &cfg.Monitoring,
			Manager:    manager,
			NATS:       natsConn,
			Tap:        tap,
			Control:    responder,
			InstanceID: cfg.App.InstanceID,
			Logger:     logger.With("component", "monitoring"),
		})
		if err := monServer.Start(); err != nil {
			logger.Error("Failed to start monitoring server", "error", err)
			os.Exit(1)
		}
	}

	manager.SetEventCallback(func(e bridge.Event) {
		events.Publish(output.Event{
			Timestamp: e.Time.UTC(),
			Type:      e.Kind,
			RunID:     manager.RunID(),
			Device:    e.Device,
			Message:   e.Message,
		})
		if monServer != nil {
			monServer.PublishEvent(e)
		}
	})

	events.PublishServiceStart(appVersion)
	if health != nil {
		health.Start()
	}
	if responder != nil {
		if err := responder.Start(context.Background()); err != nil {
			logger.Warn("Remote control unavailable", "error", err)
		}
	}

	if cfg.App.AutoStart {
		if err := manager.Start(context.Background()); err != nil {
			// Stay up so the operator can fix the network and start again
			logger.Error("Failed to start bridge", "error", err)
		}
	} else {
		logger.Info("Auto start disabled, waiting for a start command")
	}

	logger.Info("DCSBridge started successfully",
		"instance", cfg.App.InstanceID,
		"devices", len(cfg.Devices),
		"enabled", len(cfg.EnabledDevices()),
		"monitoring_port", cfg.Monitoring.Port)

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down gracefully...")

	if responder != nil {
		responder.Stop()
	}

	// Stop monitoring server
	if monServer != nil {
		if err := monServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Error stopping monitoring server", "error", err)
		}
	}

	// Stop bridge
	done := make(chan struct{})
	go func() {
		manager.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timed out, forcing exit")
	}

	events.PublishServiceStop(sig.String())
	if health != nil {
		health.Stop()
	}
	if tap != nil {
		if err := tap.Close(); err != nil {
			logger.Warn("Error closing traffic tap", "error", err)
		}
	}
	natsConn.Close()

	logger.Info("DCSBridge stopped")
}

// healthStats converts a bridge snapshot into the heartbeat payload
func healthStats(stats bridge.Stats) output.HealthStats {
	hs := output.HealthStats{
		Running:           stats.Running,
		RunID:             stats.RunID,
		DatagramsReceived: stats.DatagramsReceived,
		DatagramsAccepted: stats.DatagramsAccepted,
		DatagramsSent:     stats.DatagramsSent,
	}

	now := time.Now()
	for _, d := range stats.Devices {
		ago := int64(-1)
		if d.LastActivity != nil {
			ago = int64(now.Sub(*d.LastActivity).Seconds())
		}
		hs.Devices = append(hs.Devices, output.DeviceHealth{
			Name:            d.Name,
			Port:            d.Port,
			Enabled:         d.Enabled,
			Status:          d.Status,
			BytesIn:         d.BytesIn,
			BytesOut:        d.BytesOut,
			Errors:          d.Errors,
			LastActivityAgo: ago,
		})
	}
	return hs
}

// printPorts writes the serial ports found on this machine to stdout
func printPorts(cfg *config.Config) {
	var configured []string
	for _, d := range cfg.Devices {
		configured = append(configured, d.Port)
	}

	ports, err := serial.Discover(configured)
	if err != nil {
		log.Fatalf("Failed to list serial ports: %v", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return
	}

	for _, p := range ports {
		marker := " "
		if p.Configured {
			marker = "*"
		}
		fmt.Printf("%s %-16s %s\n", marker, p.Port, p.Description)
	}
}

// setupLogging configures logging with optional file rotation
func setupLogging(cfg *config.Config, debug bool) *slog.Logger {
	// Determine log level
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler

	// If log base path is configured, write to rotating log file
	if cfg.Logging.BasePath != "" {
		if err := os.MkdirAll(cfg.Logging.BasePath, 0755); err != nil {
			log.Printf("Warning: failed to create log directory: %v", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			writer := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Logging.BasePath, "dcsbridge.log"),
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				Compress:   cfg.Logging.Compress,
			}
			handler = slog.NewJSONHandler(writer, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
