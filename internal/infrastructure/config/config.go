package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the MeshCore monitor.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	History    HistoryConfig    `yaml:"history"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ConnectionConfig selects the device transport. Exactly one of Serial or
// TCP must be configured.
type ConnectionConfig struct {
	Serial *SerialConfig `yaml:"serial,omitempty"`
	TCP    *TCPConfig    `yaml:"tcp,omitempty"`

	// ProbeTimeoutSeconds bounds the firmware detection probe.
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`

	// CLITimeoutSeconds is the per-command budget for repeater CLI traffic.
	CLITimeoutSeconds int `yaml:"cli_timeout_seconds"`
}

// SerialConfig identifies a local serial device.
type SerialConfig struct {
	Path string `yaml:"path"`
	Baud int    `yaml:"baud"`
}

// TCPConfig identifies a network-attached device.
type TCPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BridgeConfig contains settings for the Companion bridge subprocess.
type BridgeConfig struct {
	// PythonBinary is the interpreter used to run the bridge script.
	// Default: "python3"
	PythonBinary string `yaml:"python_binary"`

	// ScriptPath is the path to the bridge script.
	ScriptPath string `yaml:"script_path"`

	// ReadyTimeoutSeconds bounds the wait for the bridge's ready frame.
	// Default: 10
	ReadyTimeoutSeconds int `yaml:"ready_timeout_seconds"`

	// CommandTimeoutSeconds is the default per-command budget.
	// Default: 10
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`

	// ConnectTimeoutSeconds bounds the initial device connect command.
	// Default: 30
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
}

// HistoryConfig bounds the in-memory message history.
type HistoryConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MESHMON_SECTION_KEY
// For example: MESHMON_SERIAL_PATH, MESHMON_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			ProbeTimeoutSeconds: 3,
			CLITimeoutSeconds:   5,
		},
		Bridge: BridgeConfig{
			PythonBinary:          "python3",
			ScriptPath:            "./scripts/meshcore-bridge.py",
			ReadyTimeoutSeconds:   10,
			CommandTimeoutSeconds: 10,
			ConnectTimeoutSeconds: 30,
		},
		History: HistoryConfig{
			MaxMessages: 500,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "meshmon",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MESHMON_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Connection
	if v := os.Getenv("MESHMON_SERIAL_PATH"); v != "" {
		if cfg.Connection.Serial == nil {
			cfg.Connection.Serial = &SerialConfig{Baud: 115200}
		}
		cfg.Connection.Serial.Path = v
	}
	if v := os.Getenv("MESHMON_SERIAL_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil && cfg.Connection.Serial != nil {
			cfg.Connection.Serial.Baud = baud
		}
	}
	if v := os.Getenv("MESHMON_TCP_HOST"); v != "" {
		if cfg.Connection.TCP == nil {
			cfg.Connection.TCP = &TCPConfig{Port: 4403}
		}
		cfg.Connection.TCP.Host = v
	}
	if v := os.Getenv("MESHMON_TCP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && cfg.Connection.TCP != nil {
			cfg.Connection.TCP.Port = port
		}
	}

	// Bridge
	if v := os.Getenv("MESHMON_BRIDGE_SCRIPT"); v != "" {
		cfg.Bridge.ScriptPath = v
	}
	if v := os.Getenv("MESHMON_BRIDGE_PYTHON"); v != "" {
		cfg.Bridge.PythonBinary = v
	}

	// MQTT
	if v := os.Getenv("MESHMON_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MESHMON_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MESHMON_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Logging
	if v := os.Getenv("MESHMON_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Connection validation: exactly one transport
	switch {
	case c.Connection.Serial == nil && c.Connection.TCP == nil:
		errs = append(errs, "connection requires exactly one of serial or tcp (none configured)")
	case c.Connection.Serial != nil && c.Connection.TCP != nil:
		errs = append(errs, "connection requires exactly one of serial or tcp (both configured)")
	case c.Connection.Serial != nil:
		if c.Connection.Serial.Path == "" {
			errs = append(errs, "connection.serial.path is required")
		}
		if c.Connection.Serial.Baud <= 0 {
			errs = append(errs, "connection.serial.baud must be positive")
		}
	case c.Connection.TCP != nil:
		if c.Connection.TCP.Host == "" {
			errs = append(errs, "connection.tcp.host is required")
		}
		if c.Connection.TCP.Port < 1 || c.Connection.TCP.Port > 65535 {
			errs = append(errs, "connection.tcp.port must be between 1 and 65535")
		}
	}

	// Bridge validation
	if c.Bridge.ScriptPath == "" {
		errs = append(errs, "bridge.script_path is required")
	}

	// History validation
	if c.History.MaxMessages < 1 {
		errs = append(errs, "history.max_messages must be positive")
	}

	// MQTT validation (only when enabled)
	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required")
		}
		if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
			errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetProbeTimeout returns the detection probe timeout as a Duration.
func (c *Config) GetProbeTimeout() time.Duration {
	return time.Duration(c.Connection.ProbeTimeoutSeconds) * time.Second
}

// GetCLITimeout returns the repeater CLI command timeout as a Duration.
func (c *Config) GetCLITimeout() time.Duration {
	return time.Duration(c.Connection.CLITimeoutSeconds) * time.Second
}

// GetReadyTimeout returns the bridge ready-frame timeout as a Duration.
func (c *Config) GetReadyTimeout() time.Duration {
	return time.Duration(c.Bridge.ReadyTimeoutSeconds) * time.Second
}

// GetCommandTimeout returns the bridge command timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Bridge.CommandTimeoutSeconds) * time.Second
}

// GetConnectTimeout returns the bridge connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Bridge.ConnectTimeoutSeconds) * time.Second
}
