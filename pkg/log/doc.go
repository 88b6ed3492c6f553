// Package log captures NetworkTables protocol activity for offline analysis.
//
// It is separate from operational logging (slog). Every WebSocket frame,
// decoded NT4 message, session transition and protocol error can be recorded
// as an Event and written to a CBOR capture file, echoed to slog, or both:
//
//	file, _ := log.NewFileLogger("/var/log/ntsync/robot.ntlog")
//	capture := log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), file)
//
// Captures are read back with Reader, optionally through a Filter. The
// `ntsync log` command is built on top of it.
package log
