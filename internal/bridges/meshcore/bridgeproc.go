package meshcore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dpaschal/meshcore-monitor/internal/process"
)

// Bridge subprocess timeouts.
const (
	defaultReadyTimeout   = 10 * time.Second
	defaultCommandTimeout = 10 * time.Second
	defaultConnectTimeout = 30 * time.Second

	// defaultStatusTimeout exceeds the bridge's own 10s remote-status wait.
	defaultStatusTimeout = 15 * time.Second

	// shutdownTimeout bounds the graceful shutdown command before the
	// process is terminated.
	shutdownTimeout = 3 * time.Second
)

// BridgeConfig configures the bridge subprocess.
type BridgeConfig struct {
	// PythonBinary is the interpreter running the bridge script.
	PythonBinary string

	// ScriptPath is the path to the bridge script.
	ScriptPath string

	// ReadyTimeout bounds the wait for the one-time ready frame.
	ReadyTimeout time.Duration

	// CommandTimeout is the default per-command budget.
	CommandTimeout time.Duration

	// ConnectTimeout bounds the initial device connect command.
	ConnectTimeout time.Duration

	// StatusTimeout bounds remote status requests, which the bridge itself
	// waits up to 10s for.
	StatusTimeout time.Duration
}

// withDefaults fills zero values.
func (c BridgeConfig) withDefaults() BridgeConfig {
	if c.PythonBinary == "" {
		c.PythonBinary = "python3"
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.StatusTimeout == 0 {
		c.StatusTimeout = defaultStatusTimeout
	}
	return c
}

// bridgeRunner abstracts the subprocess supervisor so tests can substitute a
// scripted in-memory implementation.
type bridgeRunner interface {
	Start(ctx context.Context) error
	Stop() error
	WriteLine(line string) error
	IsRunning() bool
	Stats() process.Stats
}

// bridgeFrame is one line-delimited JSON frame read from the subprocess.
// The ready frame carries Type; responses carry ID/Success/Data/Error. The
// bridge echoes ids verbatim and may report parse failures under a
// non-numeric id, so ID stays loosely typed until coerced.
type bridgeFrame struct {
	Type              string          `json:"type,omitempty"`
	MeshcoreAvailable bool            `json:"meshcore_available,omitempty"`
	TCPAvailable      bool            `json:"tcp_available,omitempty"`
	ID                any             `json:"id,omitempty"`
	Success           bool            `json:"success"`
	Data              json.RawMessage `json:"data,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// selfInfoData is the bridge's serialized local-node record. Numeric fields
// are pointers: the bridge emits null for values the device did not report.
type selfInfoData struct {
	PublicKey  string   `json:"public_key"`
	Name       string   `json:"name"`
	AdvType    *int     `json:"adv_type"`
	TxPower    *int     `json:"tx_power"`
	MaxTxPower *int     `json:"max_tx_power"`
	RadioFreq  *float64 `json:"radio_freq"`
	RadioBW    *float64 `json:"radio_bw"`
	RadioSF    *int     `json:"radio_sf"`
	RadioCR    *int     `json:"radio_cr"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
}

// contactData is one entry of the bridge's contact list.
type contactData struct {
	PublicKey string   `json:"public_key"`
	AdvName   string   `json:"adv_name"`
	Name      string   `json:"name"`
	RSSI      *int     `json:"rssi"`
	SNR       *float64 `json:"snr"`
	AdvType   *int     `json:"adv_type"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// connectData is the payload of a successful connect response.
type connectData struct {
	Connected bool          `json:"connected"`
	SelfInfo  *selfInfoData `json:"self_info"`
}

// statusData is the payload of a get_status response.
type statusData struct {
	BatMV     *int     `json:"bat_mv"`
	UpSecs    *int     `json:"up_secs"`
	TxPower   *int     `json:"tx_power"`
	RadioFreq *float64 `json:"radio_freq"`
	RadioBW   *float64 `json:"radio_bw"`
	RadioSF   *int     `json:"radio_sf"`
	RadioCR   *int     `json:"radio_cr"`
}

// BridgeProcess drives a persistent subprocess implementing the Companion
// binary protocol, exchanging line-delimited JSON request/response frames
// over its standard streams.
//
// Startup: spawn, wait (bounded) for the one-time
// {type:"ready",meshcore_available} frame, then issue a connect command with
// the transport parameters. Commands before ready fail immediately. An
// unexpected subprocess exit fails every outstanding command at once.
type BridgeProcess struct {
	cfg    BridgeConfig
	logger Logger

	corr *Correlator

	runner    bridgeRunner
	newRunner func(cfg process.Config) bridgeRunner

	readyCh  chan bridgeFrame
	ready    atomic.Bool
	availMu  sync.Mutex
	avail    bool
	tcpAvail bool

	// stopping marks a requested shutdown so that handleExit can tell a
	// graceful stop from the subprocess dying on its own. The bridge script
	// exits 0 on SIGTERM, so the exit error alone cannot distinguish them.
	stopping atomic.Bool

	// connectNode is the node record seeded from the connect response.
	connectNode *Node

	// onExit is invoked once when the subprocess exits unexpectedly.
	onExit func(err error)
}

// NewBridgeProcess creates an unstarted bridge with the given configuration.
func NewBridgeProcess(cfg BridgeConfig) *BridgeProcess {
	b := &BridgeProcess{
		cfg:     cfg.withDefaults(),
		logger:  noopLogger{},
		corr:    NewCorrelator(),
		readyCh: make(chan bridgeFrame, 1),
	}
	b.newRunner = func(pc process.Config) bridgeRunner {
		return process.NewManager(pc)
	}
	return b
}

// SetLogger sets the logger for the bridge.
func (b *BridgeProcess) SetLogger(logger Logger) {
	b.logger = logger
}

// SetOnExit registers a callback invoked when the subprocess exits
// unexpectedly. Must be set before Start.
func (b *BridgeProcess) SetOnExit(callback func(err error)) {
	b.onExit = callback
}

// Start spawns the subprocess, waits for the ready frame and issues the
// device connect command. On any failure the subprocess is torn down before
// returning, so a failed Start never leaks a child process.
func (b *BridgeProcess) Start(ctx context.Context, conn ConnectionConfig) error {
	b.stopping.Store(false)
	pc := process.Config{
		Name:              "meshcore-bridge",
		Binary:            b.cfg.PythonBinary,
		Args:              []string{b.cfg.ScriptPath},
		RestartOnFailure:  false,
		GracefulTimeout:   5 * time.Second,
		StdoutLineHandler: b.handleLine,
		OnStop:            b.handleExit,
	}
	pc.HealthCheckFunc = func(ctx context.Context) error {
		// The watchdog only makes sense once the protocol is up.
		if !b.ready.Load() {
			return nil
		}
		return b.Ping(ctx)
	}

	runner := b.newRunner(pc)
	b.runner = runner

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("%w: spawning bridge: %v", ErrTransport, err)
	}

	select {
	case frame := <-b.readyCh:
		b.availMu.Lock()
		b.avail = frame.MeshcoreAvailable
		b.tcpAvail = frame.TCPAvailable
		b.availMu.Unlock()
		b.ready.Store(true)

		if !frame.MeshcoreAvailable {
			// Individual commands will fail; startup itself must not block
			// on a missing library.
			b.logger.Warn("bridge reports meshcore library unavailable")
		}
	case <-time.After(b.cfg.ReadyTimeout):
		b.teardown()
		return fmt.Errorf("%w: no ready frame within %v", ErrTimeout, b.cfg.ReadyTimeout)
	case <-ctx.Done():
		b.teardown()
		return ctx.Err()
	}

	if err := b.connect(conn); err != nil {
		b.teardown()
		return err
	}

	b.logger.Info("bridge connected", "tcp_available", b.tcpAvail)
	return nil
}

// connect issues the device connect command with transport parameters.
func (b *BridgeProcess) connect(conn ConnectionConfig) error {
	params := map[string]any{}
	switch {
	case conn.TCP != nil:
		params["type"] = "tcp"
		params["host"] = conn.TCP.Host
		params["tcp_port"] = conn.TCP.Port
	case conn.Serial != nil:
		params["type"] = "serial"
		params["port"] = conn.Serial.Path
		params["baud"] = conn.Serial.Baud
	default:
		return ErrConfiguration
	}

	data, err := b.send("connect", params, b.cfg.ConnectTimeout)
	if err != nil {
		return err
	}

	var payload connectData
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("%w: connect payload: %v", ErrProtocol, err)
	}
	if !payload.Connected {
		return fmt.Errorf("%w: bridge reports not connected", ErrProtocol)
	}

	if payload.SelfInfo != nil {
		b.availMu.Lock()
		b.connectNode = nodeFromSelfInfo(*payload.SelfInfo)
		b.availMu.Unlock()
	}
	return nil
}

// ConnectInfo returns the node record seeded by the connect response, if the
// bridge supplied one. Call after Start.
func (b *BridgeProcess) ConnectInfo() *Node {
	b.availMu.Lock()
	defer b.availMu.Unlock()
	return b.connectNode
}

// send is the command primitive: mint an id, register a pending command,
// write one JSON line, and wait for the matching response or timeout.
func (b *BridgeProcess) send(cmd string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if !b.ready.Load() {
		return nil, ErrBridgeNotReady
	}
	runner := b.runner
	if runner == nil || !runner.IsRunning() {
		return nil, ErrNotConnected
	}

	id, ch := b.corr.Dispatch(cmd, timeout)

	req := make(map[string]any, len(params)+2)
	for k, v := range params {
		req[k] = v
	}
	req["id"] = id
	req["cmd"] = cmd

	line, err := json.Marshal(req)
	if err != nil {
		b.corr.Fail(id, err)
		<-ch
		return nil, fmt.Errorf("encoding %s request: %w", cmd, err)
	}

	if err := runner.WriteLine(string(line)); err != nil {
		b.corr.Fail(id, err)
		<-ch
		return nil, fmt.Errorf("%w: writing %s request: %v", ErrTransport, cmd, err)
	}

	res := <-ch
	if res.Err != nil {
		return nil, res.Err
	}
	data, _ := res.Value.(json.RawMessage)
	return data, nil
}

// handleLine processes one stdout line from the subprocess.
func (b *BridgeProcess) handleLine(line string) {
	var frame bridgeFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		b.logger.Warn("discarding malformed bridge frame", "error", err)
		return
	}

	if frame.Type == "ready" {
		select {
		case b.readyCh <- frame:
		default:
		}
		return
	}

	id, ok := frameID(frame.ID)
	if !ok {
		// The bridge reports parse errors under a non-numeric id.
		b.logger.Warn("bridge frame without usable id", "error", frame.Error)
		return
	}

	if frame.Success {
		// Resolve is a no-op for ids already timed out; late responses are
		// dropped on the floor.
		b.corr.Resolve(id, frame.Data)
		return
	}
	b.corr.Fail(id, fmt.Errorf("%w: %s", ErrProtocol, frame.Error))
}

// frameID coerces the echoed id back to the minted uint64.
func frameID(v any) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 1 {
			return 0, false
		}
		return uint64(n), true
	case json.Number:
		id, err := n.Int64()
		if err != nil || id < 1 {
			return 0, false
		}
		return uint64(id), true
	default:
		return 0, false
	}
}

// handleExit runs when the subprocess stops. An unexpected exit fails all
// outstanding commands immediately instead of letting each time out, then
// notifies the owner.
func (b *BridgeProcess) handleExit(err error) {
	b.ready.Store(false)

	reason := fmt.Errorf("%w: bridge exited", ErrDisconnected)
	if err != nil {
		reason = fmt.Errorf("%w: bridge exited: %v", ErrDisconnected, err)
	}
	b.corr.FailAll(reason)

	// A clean exit (status 0) still arrives here with a nil error; only a
	// stop this side asked for counts as expected.
	if !b.stopping.Load() && b.onExit != nil {
		b.onExit(reason)
	}
}

// Ready reports whether the ready frame has been received and the channel is
// usable.
func (b *BridgeProcess) Ready() bool {
	return b.ready.Load()
}

// MeshcoreAvailable reports whether the bridge found its protocol library.
// When false, individual commands fail but the channel itself stays up.
func (b *BridgeProcess) MeshcoreAvailable() bool {
	b.availMu.Lock()
	defer b.availMu.Unlock()
	return b.avail
}

// GetSelfInfo fetches the local node record.
func (b *BridgeProcess) GetSelfInfo() (*Node, error) {
	data, err := b.send("get_self_info", nil, b.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}
	var info selfInfoData
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: self_info payload: %v", ErrProtocol, err)
	}
	return nodeFromSelfInfo(info), nil
}

// GetContacts fetches the device's contact list keyed by public key.
func (b *BridgeProcess) GetContacts() (map[string]Contact, error) {
	data, err := b.send("get_contacts", nil, b.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}
	var list []contactData
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: contacts payload: %v", ErrProtocol, err)
	}

	contacts := make(map[string]Contact, len(list))
	now := time.Now().UTC()
	for _, c := range list {
		name := c.AdvName
		if name == "" {
			name = c.Name
		}
		contact := Contact{
			PublicKey:  c.PublicKey,
			Name:       name,
			DeviceType: deviceTypeFromAdv(c.AdvType),
			LastSeen:   now,
		}
		if c.RSSI != nil || c.SNR != nil {
			sig := SignalQuality{}
			if c.RSSI != nil {
				sig.RSSI = *c.RSSI
			}
			if c.SNR != nil {
				sig.SNR = *c.SNR
			}
			contact.Signal = &sig
		}
		if c.Latitude != nil && c.Longitude != nil {
			contact.Position = &Position{Latitude: *c.Latitude, Longitude: *c.Longitude}
		}
		contacts[c.PublicKey] = contact
	}
	return contacts, nil
}

// SendMessage sends text to a contact, or broadcasts when toPublicKey is
// empty.
func (b *BridgeProcess) SendMessage(text, toPublicKey string) error {
	params := map[string]any{"text": text}
	if toPublicKey != "" {
		params["to"] = toPublicKey
	}
	_, err := b.send("send_message", params, b.cfg.CommandTimeout)
	return err
}

// SendAdvert broadcasts a node advertisement.
func (b *BridgeProcess) SendAdvert() error {
	_, err := b.send("send_advert", nil, b.cfg.CommandTimeout)
	return err
}

// Login authenticates against a remote node.
func (b *BridgeProcess) Login(publicKey, password string) error {
	params := map[string]any{"public_key": publicKey, "password": password}
	_, err := b.send("login", params, b.cfg.CommandTimeout)
	return err
}

// GetStatus requests telemetry from a remote node.
func (b *BridgeProcess) GetStatus(publicKey string) (*NodeStatus, error) {
	data, err := b.send("get_status", map[string]any{"public_key": publicKey}, b.cfg.StatusTimeout)
	if err != nil {
		return nil, err
	}
	var st statusData
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: status payload: %v", ErrProtocol, err)
	}

	status := &NodeStatus{PublicKey: publicKey}
	if st.BatMV != nil {
		status.Telemetry.BatteryMV = *st.BatMV
	}
	if st.UpSecs != nil {
		status.Telemetry.UptimeSeconds = *st.UpSecs
	}
	if st.RadioFreq != nil {
		status.Radio.FrequencyMHz = *st.RadioFreq
	}
	if st.RadioBW != nil {
		status.Radio.BandwidthKHz = *st.RadioBW
	}
	if st.RadioSF != nil {
		status.Radio.SpreadingFactor = *st.RadioSF
	}
	if st.RadioCR != nil {
		status.Radio.CodingRate = *st.RadioCR
	}
	if st.TxPower != nil {
		status.Radio.TxPowerDBm = *st.TxPower
	}
	return status, nil
}

// SetName sets the device display name.
func (b *BridgeProcess) SetName(name string) error {
	_, err := b.send("set_name", map[string]any{"name": name}, b.cfg.CommandTimeout)
	return err
}

// SetRadio applies radio parameters to the device.
func (b *BridgeProcess) SetRadio(params RadioParams) error {
	_, err := b.send("set_radio", map[string]any{
		"freq": params.FrequencyMHz,
		"bw":   params.BandwidthKHz,
		"sf":   params.SpreadingFactor,
		"cr":   params.CodingRate,
	}, b.cfg.CommandTimeout)
	return err
}

// Ping verifies the bridge's command loop is responsive.
func (b *BridgeProcess) Ping(ctx context.Context) error {
	timeout := b.cfg.CommandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	_, err := b.send("ping", nil, timeout)
	return err
}

// Stop shuts the bridge down: a bounded graceful shutdown command, then
// process termination (SIGTERM, then SIGKILL). Idempotent.
func (b *BridgeProcess) Stop() error {
	// Mark before the shutdown command: the subprocess may exit on it
	// before teardown runs.
	b.stopping.Store(true)
	if b.runner != nil && b.runner.IsRunning() && b.ready.Load() {
		if _, err := b.send("shutdown", nil, shutdownTimeout); err != nil {
			b.logger.Warn("graceful bridge shutdown failed", "error", err)
		}
	}
	return b.teardown()
}

// teardown terminates the subprocess and releases all waiters.
func (b *BridgeProcess) teardown() error {
	b.stopping.Store(true)
	b.ready.Store(false)

	var err error
	if b.runner != nil {
		err = b.runner.Stop()
	}
	b.corr.FailAll(ErrDisconnected)
	return err
}

// Stats returns the underlying process statistics, or zero stats when no
// subprocess was ever started.
func (b *BridgeProcess) Stats() process.Stats {
	if b.runner == nil {
		return process.Stats{Name: "meshcore-bridge", Status: process.StatusStopped}
	}
	return b.runner.Stats()
}

// nodeFromSelfInfo maps the bridge's self_info payload onto a Node.
func nodeFromSelfInfo(info selfInfoData) *Node {
	node := &Node{
		PublicKey:  info.PublicKey,
		Name:       info.Name,
		DeviceType: deviceTypeFromAdv(info.AdvType),
	}
	if info.RadioFreq != nil {
		node.Radio.FrequencyMHz = *info.RadioFreq
	}
	if info.RadioBW != nil {
		node.Radio.BandwidthKHz = *info.RadioBW
	}
	if info.RadioSF != nil {
		node.Radio.SpreadingFactor = *info.RadioSF
	}
	if info.RadioCR != nil {
		node.Radio.CodingRate = *info.RadioCR
	}
	if info.TxPower != nil {
		node.Radio.TxPowerDBm = *info.TxPower
	}
	if info.MaxTxPower != nil {
		node.Radio.MaxTxPowerDBm = *info.MaxTxPower
	}
	if info.Latitude != nil && info.Longitude != nil {
		node.Position = &Position{Latitude: *info.Latitude, Longitude: *info.Longitude}
	}
	return node
}

// deviceTypeFromAdv maps the firmware's advert type tag onto a DeviceType.
func deviceTypeFromAdv(advType *int) DeviceType {
	if advType == nil {
		return DeviceTypeCompanion
	}
	switch *advType {
	case 2:
		return DeviceTypeRepeater
	case 3:
		return DeviceTypeRoomServer
	default:
		return DeviceTypeCompanion
	}
}
