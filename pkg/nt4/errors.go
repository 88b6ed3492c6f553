package nt4

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	ErrClosed           = errors.New("nt4 connection closed")
	ErrKeepAliveTimeout = errors.New("nt4 keep-alive timeout")
	ErrUnknownTopic     = errors.New("unknown topic id")
)

// ProtocolError reports a message from the server that could not be
// understood. The connection stays up; only the offending frame is skipped.
type ProtocolError struct {
	// Method is the text-frame method, or empty for binary frames.
	Method string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("nt4 protocol error in %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("nt4 protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
