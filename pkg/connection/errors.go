package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Session errors.
var (
	ErrNotConnected   = errors.New("not connected")
	ErrSessionClosed  = errors.New("session closed")
	ErrSuperseded     = errors.New("connection attempt superseded")
	ErrInvalidAddress = errors.New("invalid address")

	// ErrHandshake is wrapped by dialers when the transport connected but the
	// protocol upgrade was rejected.
	ErrHandshake = errors.New("handshake failed")
)

// ErrorKind classifies a failed connection attempt.
type ErrorKind uint8

const (
	KindIO ErrorKind = iota
	KindUnreachable
	KindRefused
	KindTimeout
	KindHandshake
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindRefused:
		return "refused"
	case KindTimeout:
		return "timeout"
	case KindHandshake:
		return "handshake"
	case KindCanceled:
		return "canceled"
	default:
		return "io"
	}
}

// ConnectError is returned by Session.Connect when the dial fails.
type ConnectError struct {
	Address string
	Kind    ErrorKind
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Address, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func newConnectError(addr string, err error) *ConnectError {
	return &ConnectError{Address: addr, Kind: classify(err), Err: err}
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, ErrSuperseded):
		return KindCanceled
	case errors.Is(err, ErrHandshake):
		return KindHandshake
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return KindUnreachable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindIO
}
