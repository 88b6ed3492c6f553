package connection

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the NetworkTables 4 server port.
const DefaultPort = "5810"

// MaxTeam is the largest team number with a 10.TE.AM.2 address.
const MaxTeam = 25599

// TeamAddress returns the robot address of an FRC team: 10.TE.AM.2, where
// TE and AM are the team number's upper and lower two digits.
func TeamAddress(team int) (string, error) {
	if team < 1 || team > MaxTeam {
		return "", fmt.Errorf("%w: team %d out of range", ErrInvalidAddress, team)
	}
	return fmt.Sprintf("10.%d.%d.2", team/100, team%100), nil
}

// NormalizeAddress returns addr as host:port, adding DefaultPort when no
// port is given. A bare team number such as "1690" selects the team's
// robot address.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if team, err := strconv.Atoi(addr); err == nil {
		host, err := TeamAddress(team)
		if err != nil {
			return "", err
		}
		return net.JoinHostPort(host, DefaultPort), nil
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" {
			return "", fmt.Errorf("%w: %q has no host", ErrInvalidAddress, addr)
		}
		if port == "" {
			port = DefaultPort
		}
		return net.JoinHostPort(host, port), nil
	}

	host := strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	return net.JoinHostPort(host, DefaultPort), nil
}
