package meshcore

import "time"

// DeviceType identifies the firmware personality of a node.
type DeviceType string

const (
	DeviceTypeUnknown    DeviceType = "unknown"
	DeviceTypeCompanion  DeviceType = "companion"
	DeviceTypeRepeater   DeviceType = "repeater"
	DeviceTypeRoomServer DeviceType = "room_server"
)

// State represents the connection lifecycle state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateDetecting     State = "detecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// RadioParams holds LoRa radio settings for a node.
type RadioParams struct {
	// FrequencyMHz is the center frequency in MHz (e.g. 869.525).
	FrequencyMHz float64 `json:"frequency_mhz"`

	// BandwidthKHz is the channel bandwidth in kHz (e.g. 250).
	BandwidthKHz float64 `json:"bandwidth_khz"`

	// SpreadingFactor is the LoRa spreading factor (7-12).
	SpreadingFactor int `json:"spreading_factor"`

	// CodingRate is the LoRa coding rate denominator (5-8, meaning 4/5-4/8).
	CodingRate int `json:"coding_rate"`

	// TxPowerDBm is the configured transmit power in dBm.
	TxPowerDBm int `json:"tx_power_dbm"`

	// MaxTxPowerDBm is the hardware maximum transmit power, when reported.
	MaxTxPowerDBm int `json:"max_tx_power_dbm,omitempty"`
}

// SignalQuality holds last-observed link quality for a node or message.
type SignalQuality struct {
	RSSI int     `json:"rssi"`
	SNR  float64 `json:"snr"`
}

// Position is an optional geographic location reported by a node.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Telemetry holds last-known device telemetry from a status report.
type Telemetry struct {
	BatteryMV     int `json:"battery_mv"`
	UptimeSeconds int `json:"uptime_seconds"`
}

// Node is the local device record. It is owned exclusively by the state
// cache: replaced wholesale on each refresh, never partially patched by
// inbound events except message/contact updates.
type Node struct {
	// PublicKey is the node's identity. Repeater devices expose no key, so
	// a synthetic placeholder is used instead.
	PublicKey string `json:"public_key"`

	// Name is the node's display name.
	Name string `json:"name"`

	// DeviceType tags the firmware personality.
	DeviceType DeviceType `json:"device_type"`

	// Radio holds the node's radio parameters, when known.
	Radio RadioParams `json:"radio"`

	// Telemetry holds last-known battery/uptime values, when known.
	Telemetry Telemetry `json:"telemetry"`

	// Signal holds the last observed signal quality, when known.
	Signal *SignalQuality `json:"signal,omitempty"`

	// Position holds the node's reported location, when known.
	Position *Position `json:"position,omitempty"`
}

// Contact is a remote-node summary keyed by public key. The contact map is
// replaced atomically on refresh; entries the device stops reporting vanish.
type Contact struct {
	PublicKey  string         `json:"public_key"`
	Name       string         `json:"name"`
	DeviceType DeviceType     `json:"device_type"`
	Signal     *SignalQuality `json:"signal,omitempty"`
	Position   *Position      `json:"position,omitempty"`
	LastSeen   time.Time      `json:"last_seen"`
}

// Message is one mesh text message, sent or received.
type Message struct {
	// ID is a locally minted identifier for the record.
	ID string `json:"id"`

	// FromPublicKey identifies the sender.
	FromPublicKey string `json:"from_public_key"`

	// ToPublicKey identifies the recipient. Empty means broadcast.
	ToPublicKey string `json:"to_public_key,omitempty"`

	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Signal    *SignalQuality `json:"signal,omitempty"`
}

// NodeStatus is the result of a status request against a remote node.
type NodeStatus struct {
	PublicKey string      `json:"public_key"`
	Telemetry Telemetry   `json:"telemetry"`
	Radio     RadioParams `json:"radio"`
}

// ConnectionConfig specifies the transport for one connection attempt.
// Exactly one of Serial or TCP must be set. The config is immutable for the
// lifetime of the attempt.
type ConnectionConfig struct {
	Serial *SerialConfig `yaml:"serial,omitempty"`
	TCP    *TCPConfig    `yaml:"tcp,omitempty"`
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

// Validate checks that exactly one transport is specified and that its
// parameters are plausible.
func (c ConnectionConfig) Validate() error {
	switch {
	case c.Serial == nil && c.TCP == nil:
		return ErrConfiguration
	case c.Serial != nil && c.TCP != nil:
		return ErrConfiguration
	case c.Serial != nil:
		if err := ValidateSerialPath(c.Serial.Path); err != nil {
			return err
		}
		if c.Serial.Baud <= 0 {
			return ErrConfiguration
		}
	case c.TCP != nil:
		if c.TCP.Host == "" || c.TCP.Port < 1 || c.TCP.Port > 65535 {
			return ErrConfiguration
		}
	}
	return nil
}
