// Package wire defines the CBOR messages exchanged over the local IPC
// bridge between ntsync and UI processes.
//
// Messages use CBOR (RFC 8949) maps with integer keys and travel as
// length-prefixed frames on a unix or loopback TCP socket.
//
// # Message Types
//
//   - Request: UI to ntsync (Connect, Subscribe, Write, Listen, ...)
//   - Response: ntsync to UI, correlated by message ID
//   - Event: ntsync to UI, message ID 0 (value and connection changes)
//
// # Values
//
// Topic values travel as native CBOR booleans, floats and text strings.
// Integers are accepted on input and widened to numbers.
package wire
