// Package logging builds the operational slog logger and the protocol
// capture logger from configuration.
//
// Operational logs go to stderr as text by default:
//
//	logger := logging.New(cfg.Logging, version.Build)
//	logger.Info("bridge listening", "address", addr)
//
// Protocol logs are CBOR capture files read back with "ntsync log view".
package logging
