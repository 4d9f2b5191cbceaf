// Package meshcore implements the MeshCore device bridge.
//
// This package maintains a connection to a single locally attached MeshCore
// mesh-radio node, over either a serial port or TCP, and presents one uniform
// command/event surface regardless of which of the two incompatible firmware
// personalities the device runs:
//
//   - Repeater: lightweight relay firmware exposing a plain-text CLI over
//     serial. No contacts API. Driven directly by SerialTransport.
//   - Companion: full firmware speaking a binary protocol. Driven through a
//     persistent bridge subprocess that translates to line-delimited JSON
//     over its standard streams (BridgeProcess).
//
// # Architecture
//
//	┌──────────────┐         ┌──────────────────┐  serial CLI   ┌──────────┐
//	│    MQTT /    │ events  │     Manager      │◄─────────────►│ Repeater │
//	│  subscribers │◄────────│   (this pkg)     │               └──────────┘
//	└──────────────┘         │                  │  JSON stdio   ┌──────────┐
//	                         │                  │◄─────────────►│  bridge  │──► Companion
//	                         └──────────────────┘               └──────────┘
//
// # Detection
//
// A serial connection starts with a bounded `ver` probe. A reply containing
// the Repeater firmware signature commits to pure-serial operation; any other
// outcome (including timeout) closes the port and hands the device to a
// bridge subprocess as a Companion. TCP connections always use the bridge.
//
// # Concurrency
//
// The Manager serializes all state mutation behind one mutex and stamps every
// connection attempt with a generation counter; results of asynchronous
// operations that outlive their attempt are discarded rather than applied.
// Pending commands resolve exactly once: matching response, timeout, or
// FailAll on disconnect/bridge exit, whichever happens first.
//
// # Error Handling
//
// Public operations catch internal errors, log them, and return boolean/nil
// sentinels; callers inspect return values. Internal layers return sentinel
// errors (ErrTimeout, ErrNotConnected, ...) wrapped with context, checked via
// errors.Is.
package meshcore
