package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ntsync/ntsync-go/pkg/config"
	plog "github.com/ntsync/ntsync-go/pkg/log"
)

// Service is attached to every record as the "service" attribute.
const Service = "ntsync"

// New creates the operational logger described by cfg.
//
// Records carry the service name and version. Output is stderr unless cfg
// selects stdout, and the format is text unless cfg selects json.
func New(cfg config.LoggingConfig, version string) *slog.Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	default:
		output = os.Stderr
	}
	return newWithWriter(output, cfg, version)
}

func newWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", Service),
		slog.String("version", version),
	})
	return slog.New(handler)
}

// parseLevel converts a level name to slog.Level. Unknown names map to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Protocol builds the protocol event logger for cfg.
//
// A capture file is opened when cfg.ProtocolLog is set. At debug level
// events are also mirrored to logger. The returned close function flushes
// and closes the capture file; it is never nil.
func Protocol(cfg config.LoggingConfig, logger *slog.Logger) (plog.Logger, func() error, error) {
	var sinks []plog.Logger
	closeFn := func() error { return nil }

	if cfg.ProtocolLog != "" {
		fl, err := plog.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fl)
		closeFn = fl.Close
	}
	if logger != nil && parseLevel(cfg.Level) == slog.LevelDebug {
		sinks = append(sinks, plog.NewSlogAdapter(logger.With("component", "protocol")))
	}

	switch len(sinks) {
	case 0:
		return plog.NoopLogger{}, closeFn, nil
	case 1:
		return sinks[0], closeFn, nil
	default:
		return plog.NewMultiLogger(sinks...), closeFn, nil
	}
}
