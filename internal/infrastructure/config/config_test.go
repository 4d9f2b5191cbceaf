package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	content := `
connection:
  serial:
    path: "/dev/ttyUSB0"
    baud: 115200
bridge:
  script_path: "/opt/meshmon/meshcore-bridge.py"
mqtt:
  enabled: true
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Connection.Serial == nil || cfg.Connection.Serial.Path != "/dev/ttyUSB0" {
		t.Errorf("Connection.Serial = %+v, want path %q", cfg.Connection.Serial, "/dev/ttyUSB0")
	}

	if cfg.Bridge.ScriptPath != "/opt/meshmon/meshcore-bridge.py" {
		t.Errorf("Bridge.ScriptPath = %q, want %q", cfg.Bridge.ScriptPath, "/opt/meshmon/meshcore-bridge.py")
	}

	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}

	// Defaults fill in what the file omits
	if cfg.Connection.ProbeTimeoutSeconds != 3 {
		t.Errorf("Connection.ProbeTimeoutSeconds = %d, want 3", cfg.Connection.ProbeTimeoutSeconds)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	// No transport configured at all
	content := `
bridge:
  script_path: "/opt/meshmon/meshcore-bridge.py"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for missing transport, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Connection.Serial = &SerialConfig{Path: "/dev/ttyUSB0", Baud: 115200}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid serial config",
			mutate:  func(_ *Config) {},
			wantErr: false,
		},
		{
			name: "valid tcp config",
			mutate: func(c *Config) {
				c.Connection.Serial = nil
				c.Connection.TCP = &TCPConfig{Host: "10.0.0.5", Port: 4403}
			},
			wantErr: false,
		},
		{
			name: "no transport",
			mutate: func(c *Config) {
				c.Connection.Serial = nil
			},
			wantErr: true,
		},
		{
			name: "both transports",
			mutate: func(c *Config) {
				c.Connection.TCP = &TCPConfig{Host: "10.0.0.5", Port: 4403}
			},
			wantErr: true,
		},
		{
			name: "serial missing path",
			mutate: func(c *Config) {
				c.Connection.Serial.Path = ""
			},
			wantErr: true,
		},
		{
			name: "serial zero baud",
			mutate: func(c *Config) {
				c.Connection.Serial.Baud = 0
			},
			wantErr: true,
		},
		{
			name: "tcp missing host",
			mutate: func(c *Config) {
				c.Connection.Serial = nil
				c.Connection.TCP = &TCPConfig{Port: 4403}
			},
			wantErr: true,
		},
		{
			name: "tcp port out of range",
			mutate: func(c *Config) {
				c.Connection.Serial = nil
				c.Connection.TCP = &TCPConfig{Host: "10.0.0.5", Port: 70000}
			},
			wantErr: true,
		},
		{
			name: "missing bridge script",
			mutate: func(c *Config) {
				c.Bridge.ScriptPath = ""
			},
			wantErr: true,
		},
		{
			name: "zero message history",
			mutate: func(c *Config) {
				c.History.MaxMessages = 0
			},
			wantErr: true,
		},
		{
			name: "invalid QoS when mqtt enabled",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.QoS = 3
			},
			wantErr: true,
		},
		{
			name: "invalid QoS ignored when mqtt disabled",
			mutate: func(c *Config) {
				c.MQTT.Enabled = false
				c.MQTT.QoS = 3
			},
			wantErr: false,
		},
		{
			name: "mqtt missing host when enabled",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Broker.Host = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		Connection: ConnectionConfig{
			ProbeTimeoutSeconds: 3,
			CLITimeoutSeconds:   5,
		},
		Bridge: BridgeConfig{
			ReadyTimeoutSeconds:   10,
			CommandTimeoutSeconds: 15,
			ConnectTimeoutSeconds: 30,
		},
	}

	if got := cfg.GetProbeTimeout().Seconds(); got != 3 {
		t.Errorf("GetProbeTimeout() = %v, want 3", got)
	}

	if got := cfg.GetCLITimeout().Seconds(); got != 5 {
		t.Errorf("GetCLITimeout() = %v, want 5", got)
	}

	if got := cfg.GetReadyTimeout().Seconds(); got != 10 {
		t.Errorf("GetReadyTimeout() = %v, want 10", got)
	}

	if got := cfg.GetCommandTimeout().Seconds(); got != 15 {
		t.Errorf("GetCommandTimeout() = %v, want 15", got)
	}

	if got := cfg.GetConnectTimeout().Seconds(); got != 30 {
		t.Errorf("GetConnectTimeout() = %v, want 30", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	// Set environment variables
	t.Setenv("MESHMON_SERIAL_PATH", "/dev/ttyACM1")
	t.Setenv("MESHMON_SERIAL_BAUD", "57600")
	t.Setenv("MESHMON_BRIDGE_SCRIPT", "/custom/bridge.py")
	t.Setenv("MESHMON_BRIDGE_PYTHON", "/usr/bin/python3.12")
	t.Setenv("MESHMON_MQTT_HOST", "mqtt.example.com")
	t.Setenv("MESHMON_MQTT_USERNAME", "testuser")
	t.Setenv("MESHMON_MQTT_PASSWORD", "testpass")
	t.Setenv("MESHMON_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	if cfg.Connection.Serial == nil {
		t.Fatal("expected serial config created from env override")
	}

	if cfg.Connection.Serial.Path != "/dev/ttyACM1" {
		t.Errorf("Connection.Serial.Path = %q, want %q", cfg.Connection.Serial.Path, "/dev/ttyACM1")
	}

	if cfg.Connection.Serial.Baud != 57600 {
		t.Errorf("Connection.Serial.Baud = %d, want 57600", cfg.Connection.Serial.Baud)
	}

	if cfg.Bridge.ScriptPath != "/custom/bridge.py" {
		t.Errorf("Bridge.ScriptPath = %q, want %q", cfg.Bridge.ScriptPath, "/custom/bridge.py")
	}

	if cfg.Bridge.PythonBinary != "/usr/bin/python3.12" {
		t.Errorf("Bridge.PythonBinary = %q, want %q", cfg.Bridge.PythonBinary, "/usr/bin/python3.12")
	}

	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}

	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}

	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestApplyEnvOverrides_TCPTransport(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("MESHMON_TCP_HOST", "192.168.1.50")
	t.Setenv("MESHMON_TCP_PORT", "5000")

	applyEnvOverrides(cfg)

	if cfg.Connection.TCP == nil {
		t.Fatal("expected tcp config created from env override")
	}

	if cfg.Connection.TCP.Host != "192.168.1.50" {
		t.Errorf("Connection.TCP.Host = %q, want %q", cfg.Connection.TCP.Host, "192.168.1.50")
	}

	if cfg.Connection.TCP.Port != 5000 {
		t.Errorf("Connection.TCP.Port = %d, want 5000", cfg.Connection.TCP.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Bridge.PythonBinary != "python3" {
		t.Errorf("defaultConfig Bridge.PythonBinary = %q, want %q", cfg.Bridge.PythonBinary, "python3")
	}

	if cfg.History.MaxMessages != 500 {
		t.Errorf("defaultConfig History.MaxMessages = %d, want 500", cfg.History.MaxMessages)
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.MQTT.Enabled {
		t.Error("defaultConfig MQTT should be disabled")
	}
}
