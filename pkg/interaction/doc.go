// Package interaction implements the command/response exchange between UI
// processes and the sync engine over the local bridge.
//
// The model has eight operations: Connect, Disconnect, Subscribe,
// Unsubscribe, Write, Get, Listen and Unlisten. Each request carries a
// non-zero message ID that its response echoes; events use message ID 0.
//
// # Server Usage
//
// The Server executes requests against a bridge.Engine. Serve wires it to a
// transport server so that every UI connection gets its own Session:
//
//	srv := interaction.NewServer(engine, interaction.WithLogger(logger))
//	ts, err := srv.Serve(ctx, transport.ServerConfig{Network: "unix", Address: path})
//	defer ts.Stop()
//
// Sessions are connection-scoped. A session may only release the handles
// and listeners it created, and when its connection closes every one of
// them is released.
//
// # Client Usage
//
//	conn, err := transport.Dial(ctx, "unix", path)
//	client := interaction.NewClient(conn)
//	client.SetEventHandler(func(ev *wire.Event) { ... })
//	go client.ReadLoop(ctx, conn)
//
//	id, err := client.Listen(ctx, "/SmartDashboard/Speed")
//	h, err := client.Subscribe(ctx, "/SmartDashboard/Speed")
//	err = client.Write(ctx, "/SmartDashboard/Enabled", topic.BoolValue(true))
package interaction
