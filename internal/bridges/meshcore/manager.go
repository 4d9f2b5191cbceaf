package meshcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dpaschal/meshcore-monitor/internal/process"
)

// Coordinator timeouts.
const (
	// defaultProbeTimeout bounds the `ver` detection probe.
	defaultProbeTimeout = 3 * time.Second

	// defaultCLITimeout is the per-command budget for repeater CLI traffic.
	defaultCLITimeout = 5 * time.Second
)

// ManagerConfig configures a connection manager.
type ManagerConfig struct {
	// Connection selects the transport. Exactly one of serial or tcp.
	Connection ConnectionConfig

	// Bridge configures the Companion bridge subprocess.
	Bridge BridgeConfig

	// MaxMessages bounds the in-memory message history.
	MaxMessages int

	// ProbeTimeout bounds the serial `ver` detection probe.
	ProbeTimeout time.Duration

	// CLITimeout is the per-command budget for repeater CLI commands.
	CLITimeout time.Duration
}

// Manager is the connection coordinator: it selects a transport, performs
// firmware detection, drives the serial CLI or the bridge subprocess,
// hydrates the state cache, and emits lifecycle/domain events.
//
// It is an explicit object owned by the host; multiple independent managers
// can coexist, each driving its own device.
//
// Public operations follow one propagation policy: internal errors are
// caught and logged, and the operation returns a boolean or nil sentinel.
// Callers inspect return values, not errors.
type Manager struct {
	cfg    ManagerConfig
	logger Logger
	parser ResponseParser

	bus   *eventBus
	cache *StateCache

	mu         sync.Mutex
	state      State
	deviceType DeviceType
	generation uint64
	serial     *SerialTransport
	bridge     *BridgeProcess

	// Injectable constructors, replaced by tests.
	newSerial func(path string, baud int) *SerialTransport
	newBridge func(cfg BridgeConfig) *BridgeProcess
}

// NewManager creates a disconnected manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.CLITimeout == 0 {
		cfg.CLITimeout = defaultCLITimeout
	}

	return &Manager{
		cfg:        cfg,
		logger:     noopLogger{},
		parser:     RepeaterParser{},
		bus:        newEventBus(),
		cache:      NewStateCache(cfg.MaxMessages),
		state:      StateDisconnected,
		deviceType: DeviceTypeUnknown,
		newSerial:  NewSerialTransport,
		newBridge:  NewBridgeProcess,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Subscribe registers an event subscriber. buffer <= 0 selects the default
// depth. The returned cancel function releases the subscription.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.bus.subscribe(buffer)
}

// Connect establishes a connection per the configured transport. If a
// connection is already up it is torn down first, making Connect an
// idempotent reset. Returns true on success; failures are logged and leave
// the manager fully disconnected with no leaked subprocess or port.
func (m *Manager) Connect(ctx context.Context) bool {
	if err := m.connect(ctx); err != nil {
		m.logger.Error("connect failed", "error", err)
		m.Disconnect()
		return false
	}
	return true
}

func (m *Manager) connect(ctx context.Context) error {
	if err := m.cfg.Connection.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		m.Disconnect()
		m.mu.Lock()
	}
	m.state = StateConnecting
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	conn := m.cfg.Connection

	if conn.Serial != nil {
		isRepeater, transport, err := m.detectSerial(gen)
		if err != nil {
			return err
		}
		if isRepeater {
			return m.finishRepeaterConnect(gen, transport)
		}
		// Not a repeater: the port is already closed; fall through to the
		// Companion bridge.
	}

	return m.finishCompanionConnect(ctx, gen, conn)
}

// detectSerial opens the port and probes with `ver`. A reply carrying the
// Repeater signature keeps the port open and returns it; any other outcome
// (error reply, garbage, timeout) closes the port and selects Companion.
func (m *Manager) detectSerial(gen uint64) (bool, *SerialTransport, error) {
	m.setState(gen, StateDetecting)

	transport := m.newSerial(m.cfg.Connection.Serial.Path, m.cfg.Connection.Serial.Baud)
	transport.SetLogger(m.logger)
	transport.SetLineHandler(func(line string) { m.handleSerialLine(gen, line) })

	if err := transport.Open(); err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	reply, err := transport.SendCommand("ver", m.cfg.ProbeTimeout)
	if err == nil && m.parser.IsRepeaterSignature(reply) {
		m.logger.Info("detected repeater firmware", "reply", reply)
		return true, transport, nil
	}

	m.logger.Info("no repeater signature, assuming companion", "error", err)
	transport.Close()
	return false, nil, nil
}

// finishRepeaterConnect hydrates the cache over the CLI and commits to
// serial-only operation.
func (m *Manager) finishRepeaterConnect(gen uint64, transport *SerialTransport) error {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		transport.Close()
		return fmt.Errorf("%w: attempt superseded", ErrDisconnected)
	}
	m.serial = transport
	m.deviceType = DeviceTypeRepeater
	m.mu.Unlock()

	if err := m.refreshLocalNodeRepeater(gen, transport); err != nil {
		return err
	}
	// Repeaters have no contacts concept; refreshContacts is a no-op.

	if !m.commitConnected(gen) {
		return fmt.Errorf("%w: attempt superseded", ErrDisconnected)
	}
	return nil
}

// finishCompanionConnect spawns the bridge subprocess and hydrates the cache
// from its structured payloads.
func (m *Manager) finishCompanionConnect(ctx context.Context, gen uint64, conn ConnectionConfig) error {
	bridge := m.newBridge(m.cfg.Bridge)
	bridge.SetLogger(m.logger)
	bridge.SetOnExit(func(err error) { m.handleBridgeExit(gen, err) })

	if err := bridge.Start(ctx, conn); err != nil {
		bridge.Stop()
		return err
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		bridge.Stop()
		return fmt.Errorf("%w: attempt superseded", ErrDisconnected)
	}
	m.bridge = bridge
	m.deviceType = DeviceTypeCompanion
	m.mu.Unlock()

	// The connect response carries self_info; seed the cache before the
	// explicit refresh so a node record exists even if the refresh fails
	// mid-flight.
	if seeded := bridge.ConnectInfo(); seeded != nil {
		node := *seeded
		if node.DeviceType == "" {
			node.DeviceType = DeviceTypeCompanion
		}
		m.applyNode(gen, node)
	}

	if err := m.refreshLocalNodeCompanion(gen, bridge); err != nil {
		return err
	}
	if err := m.refreshContacts(gen, bridge); err != nil {
		return err
	}

	if !m.commitConnected(gen) {
		return fmt.Errorf("%w: attempt superseded", ErrDisconnected)
	}
	return nil
}

// refreshLocalNodeRepeater issues the two CLI probes and parses the
// free-text replies into a node record. Repeaters expose no public key, so a
// synthetic placeholder derived from the device path stands in.
func (m *Manager) refreshLocalNodeRepeater(gen uint64, transport *SerialTransport) error {
	nameReply, err := transport.SendCommand("get name", m.cfg.CLITimeout)
	if err != nil {
		return err
	}
	name, err := m.parser.ParseName(nameReply)
	if err != nil {
		return err
	}

	radioReply, err := transport.SendCommand("get radio", m.cfg.CLITimeout)
	if err != nil {
		return err
	}
	radio, err := m.parser.ParseRadio(radioReply)
	if err != nil {
		return err
	}

	m.applyNode(gen, Node{
		PublicKey:  "repeater:" + m.cfg.Connection.Serial.Path,
		Name:       name,
		DeviceType: DeviceTypeRepeater,
		Radio:      radio,
	})
	return nil
}

// refreshLocalNodeCompanion replaces the node record from one bridge call.
func (m *Manager) refreshLocalNodeCompanion(gen uint64, bridge *BridgeProcess) error {
	node, err := bridge.GetSelfInfo()
	if err != nil {
		return err
	}
	m.applyNode(gen, *node)
	return nil
}

// refreshContacts atomically replaces the contact map from one bridge call.
func (m *Manager) refreshContacts(gen uint64, bridge *BridgeProcess) error {
	contacts, err := bridge.GetContacts()
	if err != nil {
		return err
	}

	if !m.generationCurrent(gen) {
		return fmt.Errorf("%w: attempt superseded", ErrDisconnected)
	}
	m.cache.ReplaceContacts(contacts)
	return nil
}

// applyNode writes node into the cache unless the attempt was superseded.
func (m *Manager) applyNode(gen uint64, node Node) {
	if !m.generationCurrent(gen) {
		return
	}
	m.cache.SetNode(node)
}

// commitConnected flips the state to Connected and emits the connected
// event, unless the attempt was superseded.
func (m *Manager) commitConnected(gen uint64) bool {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return false
	}
	m.state = StateConnected
	deviceType := m.deviceType
	m.mu.Unlock()

	node := m.cache.Node()
	m.logger.Info("connected", "device_type", deviceType)
	m.bus.publish(Event{Type: EventConnected, Node: node})
	return true
}

// Disconnect tears the connection down: graceful bridge shutdown (bounded)
// then force-termination, serial port close, rejection of every outstanding
// command, cache clear, and a disconnected event. Idempotent; calling it
// while already disconnected is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateDisconnecting {
		// Already down, or a concurrent Disconnect owns the teardown.
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnecting
	m.generation++ // invalidate in-flight results from this attempt
	bridge := m.bridge
	serial := m.serial
	m.bridge = nil
	m.serial = nil
	m.mu.Unlock()

	if bridge != nil {
		if err := bridge.Stop(); err != nil {
			m.logger.Warn("bridge stop failed", "error", err)
		}
	}
	if serial != nil {
		if err := serial.Close(); err != nil {
			m.logger.Warn("serial close failed", "error", err)
		}
	}

	m.cache.Clear()

	m.mu.Lock()
	m.state = StateDisconnected
	m.deviceType = DeviceTypeUnknown
	m.mu.Unlock()

	m.logger.Info("disconnected")
	m.bus.publish(Event{Type: EventDisconnected})
}

// handleBridgeExit reacts to an unexpected bridge subprocess exit for the
// given connection attempt. Pending commands were already failed by the
// bridge itself; the manager tears down the rest.
func (m *Manager) handleBridgeExit(gen uint64, err error) {
	if !m.generationCurrent(gen) {
		return
	}
	m.logger.Error("bridge exited unexpectedly", "error", err)
	m.Disconnect()
}

// handleSerialLine routes one received serial line for attempt gen: raw
// fan-out first, then unsolicited push parsing. Lines from superseded
// attempts are dropped.
func (m *Manager) handleSerialLine(gen uint64, line string) {
	if !m.generationCurrent(gen) {
		return
	}

	m.bus.publish(Event{Type: EventSerialData, Line: line})

	if msg, ok := m.parser.ParsePush(line); ok {
		if !m.generationCurrent(gen) {
			return
		}
		m.cache.AppendMessage(*msg)
		m.bus.publish(Event{Type: EventMessage, Message: msg})
	}
}

// generationCurrent reports whether gen is still the live attempt.
func (m *Manager) generationCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation == gen
}

// snapshot captures the live transports for one public operation.
func (m *Manager) snapshot() (State, DeviceType, uint64, *SerialTransport, *BridgeProcess) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.deviceType, m.generation, m.serial, m.bridge
}

// SendMessage sends text to a contact, or broadcasts when toPublicKey is
// empty. Companion only; returns false on a repeater connection. On success
// the sent message is appended to history and emitted as a message event.
func (m *Manager) SendMessage(text, toPublicKey string) bool {
	state, _, gen, _, bridge := m.snapshot()
	if state != StateConnected || bridge == nil {
		m.logger.Warn("send_message ignored", "state", state)
		return false
	}

	if err := bridge.SendMessage(text, toPublicKey); err != nil {
		m.logger.Error("send_message failed", "error", err)
		return false
	}

	from := ""
	if node := m.cache.Node(); node != nil {
		from = node.PublicKey
	}
	msg := Message{
		ID:            uuid.NewString(),
		FromPublicKey: from,
		ToPublicKey:   toPublicKey,
		Text:          text,
		Timestamp:     time.Now().UTC(),
	}

	if m.generationCurrent(gen) {
		m.cache.AppendMessage(msg)
		m.bus.publish(Event{Type: EventMessage, Message: &msg})
	}
	return true
}

// SendAdvert broadcasts a node advertisement on either firmware.
func (m *Manager) SendAdvert() bool {
	state, _, _, serial, bridge := m.snapshot()
	if state != StateConnected {
		m.logger.Warn("send_advert ignored", "state", state)
		return false
	}

	var err error
	switch {
	case bridge != nil:
		err = bridge.SendAdvert()
	case serial != nil:
		_, err = serial.SendCommand("advert", m.cfg.CLITimeout)
	default:
		return false
	}
	if err != nil {
		m.logger.Error("send_advert failed", "error", err)
		return false
	}
	return true
}

// LoginToNode authenticates against a remote node. Companion only.
func (m *Manager) LoginToNode(publicKey, password string) bool {
	state, _, _, _, bridge := m.snapshot()
	if state != StateConnected || bridge == nil {
		m.logger.Warn("login ignored", "state", state)
		return false
	}
	if err := bridge.Login(publicKey, password); err != nil {
		m.logger.Error("login failed", "public_key", publicKey, "error", err)
		return false
	}
	return true
}

// RequestNodeStatus requests telemetry from a remote node. Returns nil on
// any failure, including timeout. Companion only.
func (m *Manager) RequestNodeStatus(publicKey string) *NodeStatus {
	state, _, gen, _, bridge := m.snapshot()
	if state != StateConnected || bridge == nil {
		m.logger.Warn("get_status ignored", "state", state)
		return nil
	}

	status, err := bridge.GetStatus(publicKey)
	if err != nil {
		m.logger.Error("get_status failed", "public_key", publicKey, "error", err)
		return nil
	}

	// Own-node status updates cached telemetry.
	if m.generationCurrent(gen) {
		if node := m.cache.Node(); node != nil && node.PublicKey == publicKey {
			m.cache.UpdateTelemetry(status.Telemetry)
		}
	}
	return status
}

// SetName changes the device display name on either firmware.
func (m *Manager) SetName(name string) bool {
	if err := ValidateName(name); err != nil {
		m.logger.Error("set_name rejected", "error", err)
		return false
	}

	state, _, gen, serial, bridge := m.snapshot()
	if state != StateConnected {
		m.logger.Warn("set_name ignored", "state", state)
		return false
	}

	var err error
	switch {
	case bridge != nil:
		err = bridge.SetName(name)
	case serial != nil:
		_, err = serial.SendCommand("set name "+name, m.cfg.CLITimeout)
	default:
		return false
	}
	if err != nil {
		m.logger.Error("set_name failed", "error", err)
		return false
	}

	if m.generationCurrent(gen) {
		if node := m.cache.Node(); node != nil {
			node.Name = name
			m.cache.SetNode(*node)
		}
	}
	return true
}

// SetRadio applies radio parameters on either firmware.
func (m *Manager) SetRadio(params RadioParams) bool {
	if err := ValidateRadio(params); err != nil {
		m.logger.Error("set_radio rejected", "error", err)
		return false
	}

	state, _, gen, serial, bridge := m.snapshot()
	if state != StateConnected {
		m.logger.Warn("set_radio ignored", "state", state)
		return false
	}

	var err error
	switch {
	case bridge != nil:
		err = bridge.SetRadio(params)
	case serial != nil:
		cmd := fmt.Sprintf("set radio %g,%g,%d,%d",
			params.FrequencyMHz, params.BandwidthKHz, params.SpreadingFactor, params.CodingRate)
		_, err = serial.SendCommand(cmd, m.cfg.CLITimeout)
	default:
		return false
	}
	if err != nil {
		m.logger.Error("set_radio failed", "error", err)
		return false
	}

	if m.generationCurrent(gen) {
		if node := m.cache.Node(); node != nil {
			params.TxPowerDBm = node.Radio.TxPowerDBm
			params.MaxTxPowerDBm = node.Radio.MaxTxPowerDBm
			node.Radio = params
			m.cache.SetNode(*node)
		}
	}
	return true
}

// GetLocalNode returns a copy of the local node record, or nil when
// disconnected.
func (m *Manager) GetLocalNode() *Node {
	return m.cache.Node()
}

// GetContacts returns all cached contacts.
func (m *Manager) GetContacts() []Contact {
	return m.cache.Contacts()
}

// GetAllNodes returns the local node followed by every contact, as nodes.
func (m *Manager) GetAllNodes() []Node {
	var nodes []Node
	if local := m.cache.Node(); local != nil {
		nodes = append(nodes, *local)
	}
	for _, c := range m.cache.Contacts() {
		nodes = append(nodes, Node{
			PublicKey:  c.PublicKey,
			Name:       c.Name,
			DeviceType: c.DeviceType,
			Signal:     c.Signal,
			Position:   c.Position,
		})
	}
	return nodes
}

// GetRecentMessages returns up to limit messages, newest last.
func (m *Manager) GetRecentMessages(limit int) []Message {
	return m.cache.RecentMessages(limit)
}

// IsConnected reports whether the manager is in the Connected state.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// ConnectionStatus returns the current state and device type.
func (m *Manager) ConnectionStatus() (State, DeviceType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.deviceType
}

// setState transitions to next unless the attempt was superseded.
func (m *Manager) setState(gen uint64, next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation == gen {
		m.state = next
	}
}

// ManagerStats is a point-in-time snapshot of the manager.
type ManagerStats struct {
	State         State          `json:"state"`
	DeviceType    DeviceType     `json:"device_type"`
	Contacts      int            `json:"contacts"`
	Messages      int            `json:"messages"`
	Subscribers   int            `json:"subscribers"`
	DroppedEvents uint64         `json:"dropped_events"`
	Bridge        *process.Stats `json:"bridge,omitempty"`
}

// Stats returns current statistics for the manager.
func (m *Manager) Stats() ManagerStats {
	state, deviceType, _, _, bridge := m.snapshot()

	stats := ManagerStats{
		State:         state,
		DeviceType:    deviceType,
		Contacts:      m.cache.ContactCount(),
		Messages:      m.cache.MessageCount(),
		Subscribers:   m.bus.subscriberCount(),
		DroppedEvents: m.bus.droppedEvents(),
	}
	if bridge != nil {
		bs := bridge.Stats()
		stats.Bridge = &bs
	}
	return stats
}
