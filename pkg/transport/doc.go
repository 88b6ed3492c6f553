// Package transport carries bridge messages between the engine process and
// local UI processes.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      CBOR Messages (wire)      │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│  unix socket or loopback TCP   │
//	└────────────────────────────────┘
//
// Frames are a 4-byte big-endian payload length followed by the payload.
// Empty frames and frames above the configured maximum are rejected.
//
// The package also classifies close errors shared with the NT4 client.
package transport
