// Meshgate - MQTT bridge for Bluetooth-mesh lighting gateways
//
// This is the main entry point for the Meshgate bridge. Meshgate sits
// between an MQTT broker and a lighting-mesh gateway: it discovers the
// gateway's lights, groups, and scenes, mirrors their status in memory,
// and translates control operations into gateway command messages.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshgate/meshgate/internal/history"
	"github.com/meshgate/meshgate/internal/infrastructure/config"
	"github.com/meshgate/meshgate/internal/infrastructure/logging"
	"github.com/meshgate/meshgate/internal/infrastructure/mqtt"
	"github.com/meshgate/meshgate/internal/mesh"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Meshgate",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Connect to InfluxDB for status history (optional)
	var recorder *history.Recorder
	if cfg.History.Enabled {
		recorder, err = history.Connect(cfg.History)
		if err != nil {
			return fmt.Errorf("connecting status history: %w", err)
		}
		defer func() {
			log.Info("closing status history")
			if closeErr := recorder.Close(); closeErr != nil {
				log.Error("error closing status history", "error", closeErr)
			}
		}()
		recorder.SetOnError(func(err error) {
			log.Error("status history write error", "error", err)
		})
		log.Info("status history connected",
			"url", cfg.History.URL,
			"bucket", cfg.History.Bucket,
		)
	} else {
		log.Info("status history disabled")
	}

	// The coordinator owns the bus session; the dialer builds it so the
	// raw client stays reachable for health checks.
	var busClient *mqtt.Client
	dial := func(mcfg config.MQTTConfig) (mesh.BusClient, error) {
		client, err := mqtt.Connect(mcfg)
		if err != nil {
			return nil, err
		}
		client.SetLogger(log)
		client.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		client.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		busClient = client
		return &busAdapter{client: client}, nil
	}

	coordOpts := mesh.Options{
		Config: cfg.MQTT,
		Topics: mesh.Topics{Root: cfg.Gateway.Topic},
		Dial:   dial,
		Logger: log,
	}
	if recorder != nil {
		coordOpts.Recorder = recorder
	}

	coordinator, err := mesh.New(coordOpts)
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	if err := coordinator.Connect(ctx); err != nil {
		return fmt.Errorf("connecting coordinator: %w", err)
	}
	defer func() {
		log.Info("stopping coordinator")
		coordinator.Disconnect()
	}()
	log.Info("coordinator connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"gateway_topic", cfg.Gateway.Topic,
	)

	// Log inventory changes as the gateway announces itself
	cancelWatch := coordinator.Subscribe(func() {
		log.Debug("gateway state updated",
			"lights", len(coordinator.Lights()),
			"groups", len(coordinator.Groups()),
			"scenes", len(coordinator.Scenes()),
		)
	})
	defer cancelWatch()

	// Verify all connections are healthy
	if err := healthCheck(ctx, busClient, recorder); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Observer de-registration
	// 2. Coordinator (closes the bus session)
	// 3. Status history (if enabled)

	log.Info("Meshgate stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses MESHGATE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MESHGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - busClient: MQTT client to check
//   - recorder: Status history recorder to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, busClient *mqtt.Client, recorder *history.Recorder) error {
	if busClient == nil {
		return errors.New("mqtt: client was never dialled")
	}
	if err := busClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if recorder != nil {
		if err := recorder.HealthCheck(ctx); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}

	return nil
}

// busAdapter adapts the infrastructure MQTT client to the coordinator's
// BusClient interface. The method set matches except for Subscribe,
// whose handler parameter is the named mqtt.MessageHandler type rather
// than a plain function type.
type busAdapter struct {
	client *mqtt.Client
}

// Publish implements mesh.BusClient.
func (a *busAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements mesh.BusClient.
func (a *busAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error {
	return a.client.Subscribe(topic, qos, handler)
}

// IsConnected implements mesh.BusClient.
func (a *busAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Close implements mesh.BusClient.
func (a *busAdapter) Close() error {
	return a.client.Close()
}
