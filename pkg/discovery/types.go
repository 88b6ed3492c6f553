package discovery

import (
	"errors"
	"net"
	"strconv"
	"time"
)

const (
	// ServiceTypeNT4 is announced by NetworkTables 4 servers.
	ServiceTypeNT4 = "_networktables._tcp"

	// ServiceTypeBridge is announced by ntsync for its web bridge.
	ServiceTypeBridge = "_ntsync._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the NT4 server port.
	DefaultPort = 5810

	// MaxInstanceNameLen is the DNS-SD limit for instance labels.
	MaxInstanceNameLen = 63

	// BrowseTimeout is the default duration of a one-shot browse.
	BrowseTimeout = 3 * time.Second
)

// TXT record keys announced for the web bridge.
const (
	TXTKeyVersion = "ver"
	TXTKeyRobot   = "robot"
	TXTKeyPath    = "path"
)

var (
	ErrNotFound            = errors.New("no server found")
	ErrInstanceNameTooLong = errors.New("instance name too long")
	ErrStopped             = errors.New("browser stopped")
)

// Server is a discovered service instance. Entries for the same instance
// seen on several interfaces are merged.
type Server struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	TXT       TXTRecordMap
}

// Address returns host:port suitable for connection.NormalizeAddress,
// preferring the first IPv4 address.
func (s *Server) Address() string {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	for _, a := range s.Addresses {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(a, strconv.Itoa(port))
		}
	}
	if len(s.Addresses) > 0 {
		return net.JoinHostPort(s.Addresses[0], strconv.Itoa(port))
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}
