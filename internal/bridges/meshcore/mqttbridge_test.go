package meshcore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// publishedMessage records one fake publish call.
type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// fakeMQTTClient captures publishes and lets tests deliver inbound messages
// to subscribed handlers.
type fakeMQTTClient struct {
	mu        sync.Mutex
	published []publishedMessage
	handlers  map[string]func(topic string, payload []byte)
}

func newFakeMQTTClient() *fakeMQTTClient {
	return &fakeMQTTClient{
		handlers: make(map[string]func(topic string, payload []byte)),
	}
}

func (c *fakeMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMessage{
		topic:    topic,
		payload:  append([]byte(nil), payload...),
		qos:      qos,
		retained: retained,
	})
	return nil
}

func (c *fakeMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
	return nil
}

func (c *fakeMQTTClient) IsConnected() bool { return true }

// deliver routes an inbound message through the matching wildcard handler.
func (c *fakeMQTTClient) deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	var handler func(string, []byte)
	for pattern, h := range c.handlers {
		if topicMatches(pattern, topic) {
			handler = h
			break
		}
	}
	c.mu.Unlock()

	if handler == nil {
		return false
	}
	handler(topic, payload)
	return true
}

// topicMatches implements single-level + wildcard matching, enough for the
// patterns the fan-out subscribes to.
func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "+" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}

// messagesOn returns all captured publishes for a topic.
func (c *fakeMQTTClient) messagesOn(topic string) []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []publishedMessage
	for _, m := range c.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// waitForPublish polls until at least one message appears on topic.
func waitForPublish(t *testing.T, c *fakeMQTTClient, topic string) publishedMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.messagesOn(topic); len(msgs) > 0 {
			return msgs[len(msgs)-1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no publish on %s within deadline", topic)
	return publishedMessage{}
}

// waitForPublishAfter polls until a message beyond index after appears on
// topic, so callers can skip publishes captured before a stimulus.
func waitForPublishAfter(t *testing.T, c *fakeMQTTClient, topic string, after int) publishedMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.messagesOn(topic); len(msgs) > after {
			return msgs[after]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no publish on %s beyond index %d within deadline", topic, after)
	return publishedMessage{}
}

// fanoutHarness bundles a connected manager harness with a running fan-out.
type fanoutHarness struct {
	*managerHarness
	client *fakeMQTTClient
	bridge *MQTTBridge
}

func newFanoutHarness(t *testing.T, cfg ManagerConfig, portResponder func(string) string, bridgeResponder func(map[string]any) []string) *fanoutHarness {
	t.Helper()

	h := &fanoutHarness{
		managerHarness: newHarness(cfg, portResponder, bridgeResponder),
		client:         newFakeMQTTClient(),
	}

	bridge, err := NewMQTTBridge(MQTTBridgeOptions{
		Manager: h.m,
		Client:  h.client,
		QoS:     1,
	})
	if err != nil {
		t.Fatalf("NewMQTTBridge() error = %v", err)
	}
	h.bridge = bridge

	if err := bridge.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(bridge.Stop)
	t.Cleanup(h.m.Disconnect)

	return h
}

func TestMQTTBridgeRequiresManagerAndClient(t *testing.T) {
	_, err := NewMQTTBridge(MQTTBridgeOptions{Client: newFakeMQTTClient()})
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("missing manager error = %v, want ErrConfiguration", err)
	}

	_, err = NewMQTTBridge(MQTTBridgeOptions{Manager: NewManager(serialManagerConfig())})
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("missing client error = %v, want ErrConfiguration", err)
	}
}

func TestMQTTBridgeSubscribesToCommands(t *testing.T) {
	h := newFanoutHarness(t, serialManagerConfig(), repeaterResponder, nil)

	h.client.mu.Lock()
	_, ok := h.client.handlers[CommandSubscribeTopic()]
	h.client.mu.Unlock()
	if !ok {
		t.Errorf("expected subscription on %s", CommandSubscribeTopic())
	}
}

func TestMQTTBridgePublishesConnectedState(t *testing.T) {
	h := newFanoutHarness(t, tcpManagerConfig(), nil, companionBridgeResponder)

	if !h.m.Connect(context.Background()) {
		t.Fatal("Connect() = false")
	}

	ev := waitForPublish(t, h.client, EventTopic(EventConnected))
	var evMsg ConnectionEventMessage
	if err := json.Unmarshal(ev.payload, &evMsg); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evMsg.State != StateConnected {
		t.Errorf("event state = %q, want %q", evMsg.State, StateConnected)
	}
	if evMsg.DeviceType != DeviceTypeCompanion {
		t.Errorf("event device type = %q, want %q", evMsg.DeviceType, DeviceTypeCompanion)
	}

	self := waitForPublish(t, h.client, NodeSelfTopic())
	if !self.retained {
		t.Error("node self publish should be retained")
	}
	var node Node
	if err := json.Unmarshal(self.payload, &node); err != nil {
		t.Fatalf("unmarshal node: %v", err)
	}
	if node.PublicKey != "aa11" {
		t.Errorf("node public key = %q, want aa11", node.PublicKey)
	}

	contacts := waitForPublish(t, h.client, NodeContactsTopic())
	if !contacts.retained {
		t.Error("contacts publish should be retained")
	}
	var list ContactListMessage
	if err := json.Unmarshal(contacts.payload, &list); err != nil {
		t.Fatalf("unmarshal contacts: %v", err)
	}
	if list.Count != 1 || len(list.Contacts) != 1 {
		t.Fatalf("contacts count = %d (%d entries), want 1", list.Count, len(list.Contacts))
	}
	if list.Contacts[0].PublicKey != "bb22" {
		t.Errorf("contact key = %q, want bb22", list.Contacts[0].PublicKey)
	}
}

func TestMQTTBridgePublishesDisconnectedEvent(t *testing.T) {
	h := newFanoutHarness(t, tcpManagerConfig(), nil, companionBridgeResponder)

	if !h.m.Connect(context.Background()) {
		t.Fatal("Connect() = false")
	}
	waitForPublish(t, h.client, EventTopic(EventConnected))

	h.m.Disconnect()

	ev := waitForPublish(t, h.client, EventTopic(EventDisconnected))
	var evMsg ConnectionEventMessage
	if err := json.Unmarshal(ev.payload, &evMsg); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evMsg.State != StateDisconnected {
		t.Errorf("event state = %q, want %q", evMsg.State, StateDisconnected)
	}
}

func TestMQTTBridgeCommandSendMessage(t *testing.T) {
	h := newFanoutHarness(t, tcpManagerConfig(), nil, companionBridgeResponder)

	if !h.m.Connect(context.Background()) {
		t.Fatal("Connect() = false")
	}
	waitForPublish(t, h.client, EventTopic(EventConnected))

	delivered := h.client.deliver(
		"meshmon/command/send_message",
		[]byte(`{"id":"c1","text":"hello mesh"}`),
	)
	if !delivered {
		t.Fatal("no handler matched the command topic")
	}

	ack := waitForPublish(t, h.client, AckTopic(ActionSendMessage))
	var ackMsg AckMessage
	if err := json.Unmarshal(ack.payload, &ackMsg); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ackMsg.Success {
		t.Errorf("ack success = false, error = %q", ackMsg.Error)
	}
	if ackMsg.CommandID != "c1" {
		t.Errorf("ack command_id = %q, want c1", ackMsg.CommandID)
	}

	// The locally sent message fans out on the sent topic.
	sent := waitForPublish(t, h.client, MessageSentTopic())
	var msg Message
	if err := json.Unmarshal(sent.payload, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.Text != "hello mesh" {
		t.Errorf("message text = %q, want %q", msg.Text, "hello mesh")
	}
	if msg.FromPublicKey != "aa11" {
		t.Errorf("message from = %q, want aa11", msg.FromPublicKey)
	}
}

func TestMQTTBridgeCommandGetStatus(t *testing.T) {
	responder := func(req map[string]any) []string {
		if req["cmd"] == "get_status" {
			return []string{okReply(req, `{"bat_mv":3900,"up_secs":120,"tx_power":22,"radio_freq":869.525,"radio_bw":250,"radio_sf":11,"radio_cr":5}`)}
		}
		return companionBridgeResponder(req)
	}

	h := newFanoutHarness(t, tcpManagerConfig(), nil, responder)

	if !h.m.Connect(context.Background()) {
		t.Fatal("Connect() = false")
	}
	waitForPublish(t, h.client, EventTopic(EventConnected))

	h.client.deliver(
		"meshmon/command/get_status",
		[]byte(`{"id":"s1","public_key":"bb22"}`),
	)

	status := waitForPublish(t, h.client, NodeStatusTopic("bb22"))
	var st NodeStatus
	if err := json.Unmarshal(status.payload, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Telemetry.BatteryMV != 3900 {
		t.Errorf("battery = %d, want 3900", st.Telemetry.BatteryMV)
	}

	ack := waitForPublish(t, h.client, AckTopic(ActionGetStatus))
	var ackMsg AckMessage
	if err := json.Unmarshal(ack.payload, &ackMsg); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ackMsg.Success || ackMsg.Status == nil {
		t.Errorf("ack = %+v, want success with status", ackMsg)
	}
}

func TestMQTTBridgeUnknownAction(t *testing.T) {
	h := newFanoutHarness(t, serialManagerConfig(), repeaterResponder, nil)

	h.client.deliver("meshmon/command/reboot", []byte(`{"id":"x1"}`))

	ack := waitForPublish(t, h.client, AckTopic("reboot"))
	var ackMsg AckMessage
	if err := json.Unmarshal(ack.payload, &ackMsg); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ackMsg.Success {
		t.Error("ack success = true for unknown action")
	}
	if ackMsg.Error == "" {
		t.Error("ack error should name the unknown action")
	}
}

func TestMQTTBridgeMalformedPayload(t *testing.T) {
	h := newFanoutHarness(t, serialManagerConfig(), repeaterResponder, nil)

	h.client.deliver("meshmon/command/send_message", []byte(`{not json`))

	ack := waitForPublish(t, h.client, AckTopic(ActionSendMessage))
	var ackMsg AckMessage
	if err := json.Unmarshal(ack.payload, &ackMsg); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ackMsg.Success {
		t.Error("ack success = true for malformed payload")
	}
}

func TestMQTTBridgeSerialFanout(t *testing.T) {
	h := newFanoutHarness(t, serialManagerConfig(), repeaterResponder, nil)

	if !h.m.Connect(context.Background()) {
		t.Fatal("Connect() = false")
	}
	waitForPublish(t, h.client, EventTopic(EventConnected))

	before := len(h.client.messagesOn(SerialRawTopic()))
	h.port.inject("MSG:CC33DD44:storm warning\n")

	raw := waitForPublishAfter(t, h.client, SerialRawTopic(), before)
	var line SerialLineMessage
	if err := json.Unmarshal(raw.payload, &line); err != nil {
		t.Fatalf("unmarshal serial line: %v", err)
	}
	if line.Line != "MSG:CC33DD44:storm warning" {
		t.Errorf("line = %q", line.Line)
	}

	received := waitForPublish(t, h.client, MessageReceivedTopic())
	var msg Message
	if err := json.Unmarshal(received.payload, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.FromPublicKey != "cc33dd44" {
		t.Errorf("message from = %q, want cc33dd44", msg.FromPublicKey)
	}
	if msg.Text != "storm warning" {
		t.Errorf("message text = %q", msg.Text)
	}
}

func TestMQTTBridgeStopIsIdempotent(t *testing.T) {
	h := newFanoutHarness(t, serialManagerConfig(), repeaterResponder, nil)

	h.bridge.Stop()
	h.bridge.Stop()
}

func TestMQTTBridgeTopicHelpers(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"CommandSubscribeTopic", CommandSubscribeTopic(), "meshmon/command/+"},
		{"AckTopic", AckTopic("send_message"), "meshmon/ack/send_message"},
		{"NodeSelfTopic", NodeSelfTopic(), "meshmon/node/self"},
		{"NodeContactsTopic", NodeContactsTopic(), "meshmon/node/contacts"},
		{"NodeStatusTopic", NodeStatusTopic("aa11"), "meshmon/node/status/aa11"},
		{"MessageReceivedTopic", MessageReceivedTopic(), "meshmon/message/received"},
		{"MessageSentTopic", MessageSentTopic(), "meshmon/message/sent"},
		{"EventTopic", EventTopic(EventConnected), "meshmon/event/connected"},
		{"SerialRawTopic", SerialRawTopic(), "meshmon/serial/raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}
}
