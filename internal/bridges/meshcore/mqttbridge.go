package meshcore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// mqttTopicParts is the number of segments in a command topic
// (meshmon/command/{action}).
const mqttTopicParts = 3

// MQTTClient is the interface the fan-out needs from an MQTT client.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// MQTTBridgeOptions holds configuration for creating the fan-out.
type MQTTBridgeOptions struct {
	// Manager is the connection manager whose events and operations are
	// exposed over MQTT.
	Manager *Manager

	// Client is the MQTT client implementation.
	Client MQTTClient

	// QoS is the QoS level used for all published messages.
	QoS byte

	// Logger is optional structured logging.
	Logger Logger
}

// MQTTBridge fans manager events out to meshmon/... topics and maps inbound
// meshmon/command/{action} messages onto the manager's public operations.
//
// Published topics:
//   - meshmon/node/self (retained) — local node record
//   - meshmon/node/contacts (retained) — contact list
//   - meshmon/node/status/{public_key} — telemetry from get_status
//   - meshmon/message/received, meshmon/message/sent — mesh messages
//   - meshmon/event/{connected,disconnected} — lifecycle events
//   - meshmon/serial/raw — raw Repeater serial lines
//   - meshmon/ack/{action} — command acknowledgements
//
// Thread Safety: all methods are safe for concurrent use.
type MQTTBridge struct {
	manager *Manager
	client  MQTTClient
	qos     byte
	logger  Logger

	cancelEvents func()
	wg           sync.WaitGroup
	stopOnce     sync.Once
}

// NewMQTTBridge creates the fan-out. Call Start to begin operation.
func NewMQTTBridge(opts MQTTBridgeOptions) (*MQTTBridge, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("%w: manager is required", ErrConfiguration)
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: mqtt client is required", ErrConfiguration)
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &MQTTBridge{
		manager: opts.Manager,
		client:  opts.Client,
		qos:     opts.QoS,
		logger:  logger,
	}, nil
}

// Start subscribes to command topics and begins forwarding manager events.
func (b *MQTTBridge) Start() error {
	commandTopic := CommandSubscribeTopic()
	if err := b.client.Subscribe(commandTopic, b.qos, b.handleCommandMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", commandTopic)

	events, cancel := b.manager.Subscribe(0)
	b.cancelEvents = cancel

	b.wg.Add(1)
	go b.eventLoop(events)

	// A connection established before Start still gets a retained record.
	if node := b.manager.GetLocalNode(); node != nil {
		b.publishNodeSelf(node)
		b.publishContacts()
	}

	return nil
}

// Stop detaches from the manager's event stream. The MQTT client itself is
// owned by the caller and stays connected.
func (b *MQTTBridge) Stop() {
	b.stopOnce.Do(func() {
		if b.cancelEvents != nil {
			b.cancelEvents()
		}
		b.wg.Wait()
		b.logger.Info("mqtt fan-out stopped")
	})
}

// eventLoop forwards manager events until the subscription is cancelled.
func (b *MQTTBridge) eventLoop(events <-chan Event) {
	defer b.wg.Done()

	for ev := range events {
		switch ev.Type {
		case EventConnected:
			b.handleConnectedEvent(ev)
		case EventDisconnected:
			b.publishJSON(EventTopic(EventDisconnected), ConnectionEventMessage{
				Timestamp: ev.Time,
				State:     StateDisconnected,
			}, false)
		case EventMessage:
			b.handleMessageEvent(ev)
		case EventSerialData:
			b.publishJSON(SerialRawTopic(), SerialLineMessage{
				Timestamp: ev.Time,
				Line:      ev.Line,
			}, false)
		}
	}
}

func (b *MQTTBridge) handleConnectedEvent(ev Event) {
	state, deviceType := b.manager.ConnectionStatus()
	b.publishJSON(EventTopic(EventConnected), ConnectionEventMessage{
		Timestamp:  ev.Time,
		State:      state,
		DeviceType: deviceType,
		Node:       ev.Node,
	}, false)

	if ev.Node != nil {
		b.publishNodeSelf(ev.Node)
	}
	b.publishContacts()
}

func (b *MQTTBridge) handleMessageEvent(ev Event) {
	if ev.Message == nil {
		return
	}

	topic := MessageReceivedTopic()
	if local := b.manager.GetLocalNode(); local != nil && local.PublicKey == ev.Message.FromPublicKey {
		topic = MessageSentTopic()
	}
	b.publishJSON(topic, ev.Message, false)
}

// publishNodeSelf publishes the local node record retained so new
// subscribers see the current device immediately.
func (b *MQTTBridge) publishNodeSelf(node *Node) {
	b.publishJSON(NodeSelfTopic(), node, true)
}

// publishContacts publishes the current contact list retained.
func (b *MQTTBridge) publishContacts() {
	contacts := b.manager.GetContacts()
	b.publishJSON(NodeContactsTopic(), ContactListMessage{
		Timestamp: time.Now().UTC(),
		Count:     len(contacts),
		Contacts:  contacts,
	}, true)
}

// handleCommandMessage routes an inbound command to the matching operation.
func (b *MQTTBridge) handleCommandMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != mqttTopicParts {
		b.logger.Warn("invalid command topic", "topic", topic)
		return
	}
	action := parts[mqttTopicParts-1]

	var cmd CommandMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			b.logger.Warn("failed to parse command", "topic", topic, "error", err)
			b.publishAck(NewAckError(CommandMessage{}, action, "malformed payload"))
			return
		}
	}

	b.logger.Info("received command", "action", action, "command_id", cmd.ID)
	b.executeCommand(action, cmd)
}

func (b *MQTTBridge) executeCommand(action string, cmd CommandMessage) {
	switch action {
	case ActionSendMessage:
		ok := b.manager.SendMessage(cmd.Text, cmd.To)
		b.publishAck(NewAckMessage(cmd, action, ok))

	case ActionSendAdvert:
		ok := b.manager.SendAdvert()
		b.publishAck(NewAckMessage(cmd, action, ok))

	case ActionLogin:
		ok := b.manager.LoginToNode(cmd.PublicKey, cmd.Password)
		b.publishAck(NewAckMessage(cmd, action, ok))

	case ActionGetStatus:
		status := b.manager.RequestNodeStatus(cmd.PublicKey)
		if status == nil {
			b.publishAck(NewAckError(cmd, action, "status request failed"))
			return
		}
		b.publishJSON(NodeStatusTopic(status.PublicKey), status, false)
		ack := NewAckMessage(cmd, action, true)
		ack.Status = status
		b.publishAck(ack)

	case ActionGetContacts:
		b.publishContacts()
		b.publishAck(NewAckMessage(cmd, action, true))

	case ActionSetName:
		ok := b.manager.SetName(cmd.Name)
		if ok {
			if node := b.manager.GetLocalNode(); node != nil {
				b.publishNodeSelf(node)
			}
		}
		b.publishAck(NewAckMessage(cmd, action, ok))

	case ActionSetRadio:
		if cmd.Radio == nil {
			b.publishAck(NewAckError(cmd, action, "radio parameters required"))
			return
		}
		ok := b.manager.SetRadio(*cmd.Radio)
		if ok {
			if node := b.manager.GetLocalNode(); node != nil {
				b.publishNodeSelf(node)
			}
		}
		b.publishAck(NewAckMessage(cmd, action, ok))

	default:
		b.logger.Warn("unknown command action", "action", action)
		b.publishAck(NewAckError(cmd, action, fmt.Sprintf("unknown action: %s", action)))
	}
}

func (b *MQTTBridge) publishAck(ack AckMessage) {
	b.publishJSON(AckTopic(ack.Action), ack, false)
}

// publishJSON marshals v and publishes it, logging rather than propagating
// failures. A broker outage must not disturb device traffic.
func (b *MQTTBridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("failed to marshal payload", "topic", topic, "error", err)
		return
	}
	if err := b.client.Publish(topic, payload, b.qos, retained); err != nil {
		b.logger.Warn("publish failed", "topic", topic, "error", err)
	}
}
