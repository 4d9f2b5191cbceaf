// MeshCore Monitor
//
// This is the main entry point for the MeshCore device monitor. It connects
// to a MeshCore mesh-radio device over serial or TCP, detects the firmware
// personality (text-CLI Repeater vs binary Companion), and exposes the
// device's state and operations through an event stream and an optional
// MQTT fan-out.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dpaschal/meshcore-monitor/internal/bridges/meshcore"
	"github.com/dpaschal/meshcore-monitor/internal/infrastructure/config"
	"github.com/dpaschal/meshcore-monitor/internal/infrastructure/logging"
	"github.com/dpaschal/meshcore-monitor/internal/infrastructure/mqtt"
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
	log.Info("starting MeshCore monitor",
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

	// Build the connection manager
	manager := meshcore.NewManager(buildManagerConfig(cfg))
	manager.SetLogger(log.With("component", "meshcore"))

	// Connect to MQTT broker and start the fan-out (optional)
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		fanout, fanoutErr := meshcore.NewMQTTBridge(meshcore.MQTTBridgeOptions{
			Manager: manager,
			Client:  &mqttFanoutAdapter{client: mqttClient},
			QoS:     byte(cfg.MQTT.QoS),
			Logger:  log.With("component", "mqtt-fanout"),
		})
		if fanoutErr != nil {
			return fmt.Errorf("creating MQTT fan-out: %w", fanoutErr)
		}
		if startErr := fanout.Start(); startErr != nil {
			return fmt.Errorf("starting MQTT fan-out: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT fan-out")
			fanout.Stop()
		}()
		log.Info("MQTT fan-out started")
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to the device
	if !manager.Connect(ctx) {
		return fmt.Errorf("connecting to device failed")
	}
	defer func() {
		log.Info("disconnecting from device")
		manager.Disconnect()
	}()

	state, deviceType := manager.ConnectionStatus()
	log.Info("device connected", "state", state, "device_type", deviceType)

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Device disconnect (stops the bridge subprocess / closes the port)
	// 2. MQTT fan-out
	// 3. MQTT client

	log.Info("MeshCore monitor stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses MESHMON_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MESHMON_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildManagerConfig translates the loaded YAML configuration into the
// manager's config types.
func buildManagerConfig(cfg *config.Config) meshcore.ManagerConfig {
	conn := meshcore.ConnectionConfig{}
	if cfg.Connection.Serial != nil {
		conn.Serial = &meshcore.SerialConfig{
			Path: cfg.Connection.Serial.Path,
			Baud: cfg.Connection.Serial.Baud,
		}
	}
	if cfg.Connection.TCP != nil {
		conn.TCP = &meshcore.TCPConfig{
			Host: cfg.Connection.TCP.Host,
			Port: cfg.Connection.TCP.Port,
		}
	}

	return meshcore.ManagerConfig{
		Connection: conn,
		Bridge: meshcore.BridgeConfig{
			PythonBinary:   cfg.Bridge.PythonBinary,
			ScriptPath:     cfg.Bridge.ScriptPath,
			ReadyTimeout:   cfg.GetReadyTimeout(),
			CommandTimeout: cfg.GetCommandTimeout(),
			ConnectTimeout: cfg.GetConnectTimeout(),
		},
		MaxMessages:  cfg.History.MaxMessages,
		ProbeTimeout: cfg.GetProbeTimeout(),
		CLITimeout:   cfg.GetCLITimeout(),
	}
}

// mqttFanoutAdapter adapts the infrastructure MQTT client to the fan-out's
// MQTTClient interface. The primary difference is the Subscribe handler
// signature:
// - Infrastructure mqtt: func(topic string, payload []byte) error
// - Fan-out expects: func(topic string, payload []byte)
type mqttFanoutAdapter struct {
	client *mqtt.Client
}

// Publish implements meshcore.MQTTClient.
func (a *mqttFanoutAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements meshcore.MQTTClient.
func (a *mqttFanoutAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Wrap the void handler to return nil error (fan-out handlers don't return errors)
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements meshcore.MQTTClient.
func (a *mqttFanoutAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
