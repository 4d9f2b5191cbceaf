package meshcore

import "errors"

// Domain-specific errors for MeshCore operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations without an
	// established connection.
	ErrNotConnected = errors.New("meshcore: not connected")

	// ErrAlreadyConnected is returned when a connection attempt overlaps an
	// active one that could not be torn down first.
	ErrAlreadyConnected = errors.New("meshcore: already connected")

	// ErrConfiguration is returned when the connection config does not
	// specify exactly one transport.
	ErrConfiguration = errors.New("meshcore: invalid connection config")

	// ErrTransport is returned when the serial port cannot be opened or the
	// bridge subprocess cannot be spawned.
	ErrTransport = errors.New("meshcore: transport failure")

	// ErrTimeout is returned when no matching response arrives within the
	// command's budget.
	ErrTimeout = errors.New("meshcore: command timed out")

	// ErrProtocol is returned when the device or bridge reports an explicit
	// failure response.
	ErrProtocol = errors.New("meshcore: protocol error")

	// ErrValidation is returned for malformed serial paths, invalid name
	// characters, or out-of-range radio parameters.
	ErrValidation = errors.New("meshcore: validation failed")

	// ErrBridgeNotReady is returned when a bridge command is issued before
	// the ready frame has arrived.
	ErrBridgeNotReady = errors.New("meshcore: bridge not ready")

	// ErrDisconnected is the rejection reason applied to pending commands
	// when the connection is torn down or the bridge exits.
	ErrDisconnected = errors.New("meshcore: disconnected")
)
