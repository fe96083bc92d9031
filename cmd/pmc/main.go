// Package main implements the plant monitoring container entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"github.com/plant-monitor/pmc/internal/api"
	"github.com/plant-monitor/pmc/internal/audit"
	"github.com/plant-monitor/pmc/internal/auth"
	"github.com/plant-monitor/pmc/internal/config"
	"github.com/plant-monitor/pmc/internal/distribution"
	"github.com/plant-monitor/pmc/internal/fieldbus"
	"github.com/plant-monitor/pmc/internal/fieldbus/simulator"
	"github.com/plant-monitor/pmc/internal/metrics"
	"github.com/plant-monitor/pmc/internal/mirror"
	"github.com/plant-monitor/pmc/internal/monitor"
	"github.com/plant-monitor/pmc/internal/security"
	"github.com/plant-monitor/pmc/internal/telemetry"
)

const Version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pmc: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var simulate int
	var logLevel string

	flagSet := pflag.NewFlagSet("pmc", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flagSet.IntVar(&simulate, "simulate", 0, "start N simulated field devices on loopback and poll them instead of the configured devices")
	// bare --simulate takes the count from simulator.devices
	flagSet.Lookup("simulate").NoOptDefVal = "-1"
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// Step 1: Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Step 2: Logger
	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	log := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	}))
	slog.SetDefault(log)
	log.Info("Starting plant monitoring container", "version", Version, "plantId", cfg.PlantID)

	// Step 3: Audit logger
	var auditLogger *audit.Logger
	if cfg.Audit.Dir != "" {
		auditLogger, err = audit.NewLogger(audit.Options{
			Dir:        cfg.Audit.Dir,
			PlantID:    cfg.PlantID,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Logger:     log,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		defer auditLogger.Close()
		log.Info("Audit logger initialized", "path", auditLogger.GetFilePath())
	}

	// Step 4: Security guard
	guard, err := security.NewGuard(security.Options{
		Key:            cfg.Security.Key,
		MaxInputLength: cfg.Security.MaxInputLength,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize security guard: %w", err)
	}
	if cfg.Security.Key == "" {
		log.Warn("No security key configured; report integrity hashes use a per-process key")
	}

	// Step 5: Token verifier
	if cfg.Auth.Algorithm == "HS256" && cfg.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required for HS256 (set PMC_AUTH_SECRET)")
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Algorithm:    cfg.Auth.Algorithm,
		SecretKey:    cfg.Auth.Secret,
		PublicKeyPEM: cfg.Auth.PublicKeyPEM,
		Issuer:       cfg.Auth.Issuer,
		Audience:     cfg.Auth.Audience,
		Leeway:       cfg.Auth.Leeway,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	// Step 6: Processor and metrics
	processor := telemetry.NewProcessor(cfg.Thresholds)
	collectors := metrics.New()

	// Step 7: Field devices
	devices := fieldbus.NewClient(fieldbus.Options{
		ReadTimeout:         cfg.Timing.DeviceReadTimeout,
		ConnectTimeout:      cfg.Timing.DeviceConnectTimeout,
		ChannelsPerCategory: cfg.ChannelsPerCategory,
		Logger:              log,
	})
	endpoints := cfg.Devices
	if simulate < 0 {
		simulate = cfg.Simulator.Devices
	}
	if simulate > 0 {
		sims, simEndpoints, err := startSimulators(simulate, devices.ChannelsPerCategory(), log)
		if err != nil {
			return err
		}
		defer func() {
			for _, s := range sims {
				s.Stop()
			}
		}()
		endpoints = simEndpoints
	}
	for _, d := range endpoints {
		if err := devices.AddDevice(d.Address, d.Port); err != nil {
			return fmt.Errorf("failed to register device: %w", err)
		}
	}

	// Step 8: Distribution server
	server := distribution.NewServer(distribution.Options{
		Address:           cfg.Server.Address,
		MaxClients:        cfg.Server.MaxClients,
		HeartbeatInterval: cfg.Timing.HeartbeatInterval,
		ClientTimeout:     cfg.Timing.HeartbeatTimeout,
		AuthGrace:         cfg.Timing.AuthGrace,
		WriteTimeout:      cfg.Timing.WriteTimeout,
		InboundQueue:      cfg.Server.InboundQueue,
		InboundRate:       cfg.Server.InboundRate,
		InboundBurst:      cfg.Server.InboundBurst,
		Authenticator:     auth.NewSubscriberAuthenticator(verifier),
		Logger:            log,
		Metrics:           collectors,
	})

	// Step 9: Monitor
	mon := monitor.New(cfg.PlantID)
	monCfg := monitor.Config{
		Devices:     devices,
		Processor:   processor,
		Distributor: server,
		Security:    guard,
		Metrics:     collectors,
		Logger:      log,
		Timing:      &cfg.Timing,
	}
	if auditLogger != nil {
		monCfg.Audit = auditLogger
	}
	if cfg.MQTT.Broker != "" {
		publisher, err := mirror.New(mirror.Options{
			Broker:         cfg.MQTT.Broker,
			Topic:          cfg.MQTT.Topic,
			ClientID:       cfg.MQTT.ClientID,
			QoS:            cfg.MQTT.QoS,
			PlantID:        cfg.PlantID,
			ConnectTimeout: cfg.Timing.DeviceConnectTimeout,
			Logger:         log,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT mirror: %w", err)
		}
		defer publisher.Close()
		monCfg.Mirror = publisher
		log.Info("MQTT mirror enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic, "clientId", publisher.ClientID())
	}
	if err := mon.Initialize(monCfg); err != nil {
		return fmt.Errorf("failed to initialize monitor: %w", err)
	}
	if err := mon.StartMonitoring(0); err != nil {
		return fmt.Errorf("failed to start monitoring: %w", err)
	}

	// Step 10: HTTP status server
	serverErr := make(chan error, 1)
	var httpServer *api.Server
	if cfg.HTTP.Address != "" {
		middleware := auth.NewMiddleware(verifier)
		middleware.OnReject(func(r *http.Request, subject string, err error) {
			log.Warn("HTTP request rejected", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
			if auditLogger != nil {
				actor := subject
				if actor == "" {
					actor = r.RemoteAddr
				}
				ctx := audit.WithCorrelationID(audit.WithActor(r.Context(), actor), r.Header.Get(api.CorrelationHeader))
				auditLogger.LogAction(ctx, audit.ActionHTTPRejected, r.URL.Path, nil, err)
			}
		})
		httpServer = api.NewServer(mon, collectors, middleware, log, 30*time.Second, 30*time.Second, 120*time.Second)
		go func() {
			if err := httpServer.Start(cfg.HTTP.Address); err != nil {
				serverErr <- err
			}
		}()
	}

	log.Info("Plant monitoring container started",
		"subscribers", cfg.Server.Address,
		"http", cfg.HTTP.Address,
		"devices", len(endpoints),
		"scanInterval", cfg.Timing.ScanInterval)

	// Wait for a signal, an HTTP failure or the monitor stopping on its own
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	stopped := watchStopped(mon)

	select {
	case sig := <-shutdown:
		log.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
	case err := <-serverErr:
		log.Error("HTTP server error", "error", err)
	case <-stopped:
		log.Warn("Monitor stopped", "reason", mon.GetSystemStatus().EmergencyReason)
	}

	// Graceful shutdown
	mon.StopMonitoring()

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timing.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Stop(ctx); err != nil {
			log.Error("Error stopping HTTP server", "error", err)
		}
	}

	log.Info("Plant monitoring container shutdown complete")
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// startSimulators starts n simulated devices on loopback.
func startSimulators(n, channels int, log *slog.Logger) ([]*simulator.Device, []config.DeviceConfig, error) {
	var sims []*simulator.Device
	var endpoints []config.DeviceConfig
	for i := 0; i < n; i++ {
		sim, err := simulator.New(simulator.Options{Channels: channels, Logger: log})
		if err == nil {
			err = sim.Start()
		}
		if err != nil {
			for _, s := range sims {
				s.Stop()
			}
			return nil, nil, fmt.Errorf("failed to start simulated device %d: %w", i, err)
		}
		host, port := sim.HostPort()
		sims = append(sims, sim)
		endpoints = append(endpoints, config.DeviceConfig{Address: host, Port: port})
		log.Info("Simulated device started", "index", i, "address", host, "port", port)
	}
	return sims, endpoints, nil
}

// watchStopped closes the returned channel when the monitor leaves Running
// without being asked to, e.g. after a subscriber EMERGENCY.
func watchStopped(mon *monitor.Monitor) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if mon.State() == monitor.Stopped {
				close(out)
				return
			}
		}
	}()
	return out
}
