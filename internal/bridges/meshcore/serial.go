package meshcore

import (
	"bufio"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// PortOpener opens a serial port. Injectable so tests can substitute an
// in-memory port.
type PortOpener func(path string, mode *serial.Mode) (serial.Port, error)

// SerialTransport is a line-oriented channel to a locally attached device.
//
// It serves two roles: the bounded `ver` probe during protocol detection,
// and the full runtime channel for Repeater devices. One physical channel
// carries both solicited command replies and unsolicited pushes, so every
// received line is fanned out through the line callback while command
// replies accumulate until a terminal marker (`>`, `OK`, `Error`) appears.
//
// Terminal-marker framing matches the firmware's behaviour and can
// false-positive when echoed or free-text content happens to contain a
// marker. Known fragility; no alternative framing exists on the wire.
type SerialTransport struct {
	path   string
	baud   int
	opener PortOpener
	logger Logger

	corr *Correlator

	// onLine receives every line read from the port, before any command
	// correlation. Set before Open; not safe to change afterwards.
	onLine func(line string)

	mu   sync.Mutex
	port serial.Port

	// cmdMu serializes commands: the CLI is strictly one request at a time.
	cmdMu sync.Mutex

	// reply accumulation for the in-flight command, guarded by respMu.
	respMu    sync.Mutex
	pendingID uint64
	replyBuf  strings.Builder

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSerialTransport creates a transport for the given device path and baud
// rate. The port is not opened until Open is called.
func NewSerialTransport(path string, baud int) *SerialTransport {
	return &SerialTransport{
		path:   path,
		baud:   baud,
		opener: serial.Open,
		logger: noopLogger{},
		corr:   NewCorrelator(),
		closed: make(chan struct{}),
	}
}

// SetLogger sets the logger for the transport.
func (t *SerialTransport) SetLogger(logger Logger) {
	t.logger = logger
}

// SetPortOpener overrides how the underlying port is opened. Used by tests.
func (t *SerialTransport) SetPortOpener(opener PortOpener) {
	t.opener = opener
}

// SetLineHandler registers a callback invoked for every received line.
// Must be called before Open.
func (t *SerialTransport) SetLineHandler(handler func(line string)) {
	t.onLine = handler
}

// Open validates the device path, opens the port and starts the read loop.
func (t *SerialTransport) Open() error {
	if err := ValidateSerialPath(t.path); err != nil {
		return err
	}

	mode := &serial.Mode{
		BaudRate: t.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := t.opener(t.path, mode)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrTransport, t.path, err)
	}

	t.mu.Lock()
	t.port = port
	t.mu.Unlock()

	go t.readLoop(port)

	t.logger.Info("serial port opened", "path", t.path, "baud", t.baud)
	return nil
}

// readLoop splits the byte stream into newline-delimited frames and routes
// each line: fan-out first, then command-reply accumulation.
func (t *SerialTransport) readLoop(port serial.Port) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if t.onLine != nil {
			t.onLine(line)
		}

		t.accumulate(line)
	}

	select {
	case <-t.closed:
		return
	default:
	}

	if err := scanner.Err(); err != nil {
		t.logger.Warn("serial read failed", "path", t.path, "error", err)
	}
	t.corr.FailAll(fmt.Errorf("%w: serial channel closed", ErrDisconnected))
}

// accumulate appends line to the in-flight command reply and resolves the
// pending command once a terminal marker appears.
func (t *SerialTransport) accumulate(line string) {
	t.respMu.Lock()
	if t.pendingID == 0 {
		t.respMu.Unlock()
		return
	}

	if t.replyBuf.Len() > 0 {
		t.replyBuf.WriteByte('\n')
	}
	t.replyBuf.WriteString(line)

	if !hasTerminalMarker(t.replyBuf.String()) {
		t.respMu.Unlock()
		return
	}

	id := t.pendingID
	reply := t.replyBuf.String()
	t.pendingID = 0
	t.replyBuf.Reset()
	t.respMu.Unlock()

	t.corr.Resolve(id, reply)
}

// SendCommand writes `command\n` to the port and waits for the accumulated
// reply to contain a terminal marker, or for timeout. Commands are strictly
// serialized. An `Error` reply returns the text wrapped in ErrProtocol.
func (t *SerialTransport) SendCommand(command string, timeout time.Duration) (string, error) {
	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()

	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return "", ErrNotConnected
	}

	id, ch := t.corr.Dispatch(command, timeout)

	t.respMu.Lock()
	t.pendingID = id
	t.replyBuf.Reset()
	t.respMu.Unlock()

	if _, err := port.Write([]byte(command + "\n")); err != nil {
		t.respMu.Lock()
		t.pendingID = 0
		t.respMu.Unlock()
		t.corr.Fail(id, err)
		<-ch
		return "", fmt.Errorf("%w: writing %q: %v", ErrTransport, command, err)
	}

	res := <-ch

	t.respMu.Lock()
	t.pendingID = 0
	t.respMu.Unlock()

	if res.Err != nil {
		return "", res.Err
	}

	reply, _ := res.Value.(string)
	if isErrorReply(reply) {
		return reply, fmt.Errorf("%w: %s: %s", ErrProtocol, command, strings.TrimSpace(reply))
	}
	return reply, nil
}

// Close shuts the port down and releases any in-flight command. Idempotent.
func (t *SerialTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		port := t.port
		t.port = nil
		t.mu.Unlock()

		if port != nil {
			err = port.Close()
		}

		t.corr.FailAll(ErrDisconnected)
		t.logger.Info("serial port closed", "path", t.path)
	})
	return err
}
