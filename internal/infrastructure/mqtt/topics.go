package mqtt

import "fmt"

// Topic prefixes for the MeshCore monitor MQTT surface.
//
// All topics use the flat scheme: meshmon/{category}/{...}
const (
	// TopicPrefix is the base for all monitor topics.
	TopicPrefix = "meshmon"

	// TopicPrefixNode is the base for node state topics.
	TopicPrefixNode = "meshmon/node"

	// TopicPrefixMessage is the base for mesh message topics.
	TopicPrefixMessage = "meshmon/message"

	// TopicPrefixCommand is the base for inbound command topics.
	TopicPrefixCommand = "meshmon/command"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "meshmon/system"
)

// Topics provides builders for monitor MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	selfTopic := topics.NodeSelf()
//	// Returns: "meshmon/node/self"
type Topics struct{}

// =============================================================================
// Node State Topics
// =============================================================================

// NodeSelf returns the topic for the connected device's own node record.
// Published retained so new subscribers see the current device immediately.
//
// Example: meshmon/node/self
func (Topics) NodeSelf() string {
	return fmt.Sprintf("%s/self", TopicPrefixNode)
}

// NodeContacts returns the topic for the device's contact list.
// Published retained on every contact refresh.
//
// Example: meshmon/node/contacts
func (Topics) NodeContacts() string {
	return fmt.Sprintf("%s/contacts", TopicPrefixNode)
}

// NodeStatus returns the topic for telemetry of a specific node.
//
// Example: meshmon/node/status/a1b2c3d4
func (Topics) NodeStatus(publicKey string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefixNode, publicKey)
}

// =============================================================================
// Message Topics
// =============================================================================

// MessageReceived returns the topic for messages arriving from the mesh.
//
// Example: meshmon/message/received
func (Topics) MessageReceived() string {
	return fmt.Sprintf("%s/received", TopicPrefixMessage)
}

// MessageSent returns the topic for messages sent by this monitor.
//
// Example: meshmon/message/sent
func (Topics) MessageSent() string {
	return fmt.Sprintf("%s/sent", TopicPrefixMessage)
}

// =============================================================================
// Event Topics
// =============================================================================

// Event returns the topic for connection lifecycle events.
//
// Example: meshmon/event/connected
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, eventType)
}

// SerialRaw returns the topic for raw serial lines from a Repeater device.
//
// Example: meshmon/serial/raw
func (Topics) SerialRaw() string {
	return fmt.Sprintf("%s/serial/raw", TopicPrefix)
}

// =============================================================================
// Command Topics
// =============================================================================

// Command returns the topic for a specific inbound command action.
//
// Example: meshmon/command/send_message
func (Topics) Command(action string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixCommand, action)
}

// Ack returns the topic for command acknowledgements.
//
// Example: meshmon/ack/send_message
func (Topics) Ack(action string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, action)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the monitor online/offline status topic.
// Also used as the Last Will topic for crash detection.
//
// Example: meshmon/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllCommands returns a pattern matching all inbound command topics.
//
// Pattern: meshmon/command/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/+", TopicPrefixCommand)
}

// AllEvents returns a pattern matching all lifecycle events.
//
// Pattern: meshmon/event/+
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefix)
}

// AllNodeStatus returns a pattern matching all per-node telemetry topics.
//
// Pattern: meshmon/node/status/+
func (Topics) AllNodeStatus() string {
	return fmt.Sprintf("%s/status/+", TopicPrefixNode)
}

// AllTopics returns a pattern matching all monitor topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: meshmon/#
func (Topics) AllTopics() string {
	return "meshmon/#"
}
