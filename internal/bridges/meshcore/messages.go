package meshcore

import (
	"fmt"
	"time"
)

// MQTT message types for the monitor's outward-facing surface. Domain events
// fan out to meshmon/... topics; inbound meshmon/command/{action} messages
// drive the public operations.

// CommandMessage is received on meshmon/command/{action}. The action comes
// from the topic; the body carries the parameters the action needs.
type CommandMessage struct {
	// ID correlates the command with its acknowledgement. Optional; an
	// empty id still produces an ack.
	ID string `json:"id,omitempty"`

	// Text and To parameterise send_message. Empty To means broadcast.
	Text string `json:"text,omitempty"`
	To   string `json:"to,omitempty"`

	// PublicKey targets login and get_status.
	PublicKey string `json:"public_key,omitempty"`

	// Password parameterises login.
	Password string `json:"password,omitempty"`

	// Name parameterises set_name.
	Name string `json:"name,omitempty"`

	// Radio parameterises set_radio.
	Radio *RadioParams `json:"radio,omitempty"`
}

// Command actions accepted on meshmon/command/{action}.
const (
	ActionSendMessage = "send_message"
	ActionSendAdvert  = "send_advert"
	ActionLogin       = "login"
	ActionGetStatus   = "get_status"
	ActionGetContacts = "get_contacts"
	ActionSetName     = "set_name"
	ActionSetRadio    = "set_radio"
)

// AckMessage is published on meshmon/ack/{action} after each command.
type AckMessage struct {
	// CommandID is the ID from the original command, if any.
	CommandID string `json:"command_id,omitempty"`

	// Timestamp is when the acknowledgement was generated (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Action is the command action being acknowledged.
	Action string `json:"action"`

	// Success indicates whether the operation completed.
	Success bool `json:"success"`

	// Error describes the failure when Success is false.
	Error string `json:"error,omitempty"`

	// Status carries the result of a successful get_status.
	Status *NodeStatus `json:"status,omitempty"`
}

// ConnectionEventMessage is published on meshmon/event/{connected|disconnected}.
type ConnectionEventMessage struct {
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`

	// State is the connection state after the event.
	State State `json:"state"`

	// DeviceType is the detected firmware personality, when known.
	DeviceType DeviceType `json:"device_type,omitempty"`

	// Node is the local node record, present on connected events.
	Node *Node `json:"node,omitempty"`
}

// ContactListMessage is published retained on meshmon/node/contacts.
type ContactListMessage struct {
	// Timestamp is when the list was published (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Count is the number of contacts.
	Count int `json:"count"`

	// Contacts is the full contact list.
	Contacts []Contact `json:"contacts"`
}

// SerialLineMessage is published on meshmon/serial/raw for every raw line
// received from a Repeater device.
type SerialLineMessage struct {
	// Timestamp is when the line was received (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Line is the raw serial line with line endings stripped.
	Line string `json:"line"`
}

// NewAckMessage creates an acknowledgement for a command.
func NewAckMessage(cmd CommandMessage, action string, success bool) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
	}
}

// NewAckError creates an acknowledgement with a failure description.
func NewAckError(cmd CommandMessage, action, message string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   false,
		Error:     message,
	}
}

// Topic helpers

const (
	// MQTTTopicPrefix is the base topic for all monitor messages.
	MQTTTopicPrefix = "meshmon"
)

// CommandSubscribeTopic returns the subscription pattern for all commands.
// Example: meshmon/command/+
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/+", MQTTTopicPrefix)
}

// AckTopic returns the topic for command acknowledgements.
// Example: meshmon/ack/send_message
func AckTopic(action string) string {
	return fmt.Sprintf("%s/ack/%s", MQTTTopicPrefix, action)
}

// NodeSelfTopic returns the retained topic for the local node record.
// Example: meshmon/node/self
func NodeSelfTopic() string {
	return fmt.Sprintf("%s/node/self", MQTTTopicPrefix)
}

// NodeContactsTopic returns the retained topic for the contact list.
// Example: meshmon/node/contacts
func NodeContactsTopic() string {
	return fmt.Sprintf("%s/node/contacts", MQTTTopicPrefix)
}

// NodeStatusTopic returns the topic for per-node telemetry.
// Example: meshmon/node/status/a1b2c3d4
func NodeStatusTopic(publicKey string) string {
	return fmt.Sprintf("%s/node/status/%s", MQTTTopicPrefix, publicKey)
}

// MessageReceivedTopic returns the topic for messages arriving from the mesh.
// Example: meshmon/message/received
func MessageReceivedTopic() string {
	return fmt.Sprintf("%s/message/received", MQTTTopicPrefix)
}

// MessageSentTopic returns the topic for messages sent by this monitor.
// Example: meshmon/message/sent
func MessageSentTopic() string {
	return fmt.Sprintf("%s/message/sent", MQTTTopicPrefix)
}

// EventTopic returns the topic for connection lifecycle events.
// Example: meshmon/event/connected
func EventTopic(eventType EventType) string {
	return fmt.Sprintf("%s/event/%s", MQTTTopicPrefix, eventType)
}

// SerialRawTopic returns the topic for raw Repeater serial lines.
// Example: meshmon/serial/raw
func SerialRawTopic() string {
	return fmt.Sprintf("%s/serial/raw", MQTTTopicPrefix)
}
