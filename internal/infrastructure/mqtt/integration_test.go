//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/dpaschal/meshcore-monitor/internal/infrastructure/config"
)

// Integration tests against a live broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "meshmon-integration-test",
			TLS:      false,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// TestIntegration_CommandAckFlow runs the command/ack exchange a consumer
// performs: publish a command, get the acknowledgement on the ack topic.
func TestIntegration_CommandAckFlow(t *testing.T) {
	cfg := integrationConfig()

	cfg.Broker.ClientID = "meshmon-int-monitor"
	monitor, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() monitor error = %v", err)
	}
	defer monitor.Close()

	cfg.Broker.ClientID = "meshmon-int-consumer"
	consumer, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() consumer error = %v", err)
	}
	defer consumer.Close()

	// Monitor side: answer any command with an ack.
	if err := monitor.Subscribe(Topics{}.AllCommands(), 1, func(topic string, payload []byte) error {
		return monitor.Publish(Topics{}.Ack("send_advert"), []byte(`{"success":true}`), 1, false)
	}); err != nil {
		t.Fatalf("Subscribe() commands error = %v", err)
	}

	acked := make(chan []byte, 1)
	if err := consumer.Subscribe(Topics{}.Ack("send_advert"), 1, func(_ string, p []byte) error {
		acked <- p
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() ack error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := consumer.Publish(Topics{}.Command("send_advert"), []byte(`{"id":"int-1"}`), 1, false); err != nil {
		t.Fatalf("Publish() command error = %v", err)
	}

	select {
	case p := <-acked:
		if string(p) != `{"success":true}` {
			t.Errorf("ack payload = %s", p)
		}
	case <-time.After(5 * time.Second):
		t.Error("no acknowledgement received")
	}
}

// TestIntegration_LoggerSet verifies the logger accessor pair.
func TestIntegration_LoggerSet(t *testing.T) {
	cfg := integrationConfig()
	cfg.Broker.ClientID = "meshmon-int-logger"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	logger := &mockLogger{}
	client.SetLogger(logger)

	if client.getLogger() == nil {
		t.Error("getLogger() = nil after SetLogger()")
	}

	client.SetLogger(nil)
	if client.getLogger() != nil {
		t.Error("getLogger() != nil after SetLogger(nil)")
	}
}

// mockLogger implements Logger for testing.
type mockLogger struct {
	errors []string
	warns  []string
	mu     sync.Mutex
}

func (l *mockLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}
