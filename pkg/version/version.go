// Package version provides NetworkTables protocol version parsing and the
// WebSocket subprotocol names used to negotiate it.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Build is the ntsync build version, overridden with -ldflags.
var Build = "dev"

// Current is the newest protocol revision this client speaks.
const Current = "4.1"

const (
	subprotocolSuffix = "networktables.first.wpi.edu"

	// LegacySubprotocol is offered for NT 4.0 servers, which predate the
	// versioned subprotocol names.
	LegacySubprotocol = subprotocolSuffix
)

// ProtocolVersion is a parsed "major.minor" protocol version.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string.
func Parse(s string) (ProtocolVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}
	major, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad major component", s)
	}
	minor, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}
	return ProtocolVersion{Major: uint16(major), Minor: uint16(minor)}, nil
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible reports whether other shares the major version.
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	return v.Major == other.Major
}

// Subprotocol returns the WebSocket subprotocol for v, e.g.
// "v4.1.networktables.first.wpi.edu". Version 4.0 uses the legacy name.
func Subprotocol(v ProtocolVersion) string {
	if v.Major == 4 && v.Minor == 0 {
		return LegacySubprotocol
	}
	return fmt.Sprintf("v%s.%s", v, subprotocolSuffix)
}

// FromSubprotocol returns the protocol version a negotiated subprotocol
// names.
func FromSubprotocol(p string) (ProtocolVersion, error) {
	if p == LegacySubprotocol {
		return ProtocolVersion{Major: 4, Minor: 0}, nil
	}
	if !strings.HasPrefix(p, "v") || !strings.HasSuffix(p, "."+subprotocolSuffix) {
		return ProtocolVersion{}, fmt.Errorf("not a NetworkTables subprotocol: %q", p)
	}
	return Parse(strings.TrimSuffix(strings.TrimPrefix(p, "v"), "."+subprotocolSuffix))
}

// SupportedSubprotocols lists the subprotocols offered during the upgrade,
// newest first.
func SupportedSubprotocols() []string {
	current, _ := Parse(Current)
	return []string{Subprotocol(current), LegacySubprotocol}
}

// Negotiated validates the subprotocol chosen by the server. An empty
// string is treated as the legacy protocol, which some 4.0 servers send.
func Negotiated(p string) (ProtocolVersion, error) {
	if p == "" {
		p = LegacySubprotocol
	}
	v, err := FromSubprotocol(p)
	if err != nil {
		return ProtocolVersion{}, err
	}
	current, _ := Parse(Current)
	if !current.Compatible(v) || v.Minor > current.Minor {
		return ProtocolVersion{}, fmt.Errorf("unsupported protocol version %s", v)
	}
	return v, nil
}
