// Package nt4 implements the client side of the NetworkTables 4 wire
// protocol over WebSocket.
//
// Text frames carry JSON control messages (publish, subscribe, announce and
// friends); binary frames carry MessagePack value updates of the form
// [topic id, timestamp, type, value]. Topic id -1 is reserved for time
// synchronization, which doubles as the connection keep-alive.
//
// A Dialer satisfies connection.Dialer, so a connection.Session can drive
// it directly:
//
//	d := &nt4.Dialer{ClientName: "dashboard"}
//	s := connection.NewSession(d, handler, connection.Config{})
//	err := s.Connect(ctx, "10.16.90.2")
//
// Frames the client cannot parse are logged and counted, never fatal.
package nt4
