package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ntsync/ntsync-go/pkg/connection"
)

// Config holds all ntsync configuration.
type Config struct {
	Robot     RobotConfig     `yaml:"robot"`
	NT4       NT4Config       `yaml:"nt4"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Web       WebConfig       `yaml:"web"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RobotConfig selects the NetworkTables server. Address wins over Team.
type RobotConfig struct {
	Address        string        `yaml:"address"`
	Team           int           `yaml:"team"`
	ConnectOnStart bool          `yaml:"connect_on_start"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// NT4Config configures the NetworkTables client.
type NT4Config struct {
	ClientName     string        `yaml:"client_name"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	MaxMissedPongs int           `yaml:"max_missed_pongs"`
}

// ReconnectConfig configures automatic reconnection after an unexpected
// drop. It is off by default.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// BridgeConfig configures the local IPC socket for UI processes.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Network string `yaml:"network"` // unix or tcp
	Address string `yaml:"address"`
}

// WebConfig configures the HTTP/WebSocket bridge.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`

	// Advertise announces the web bridge over mDNS.
	Advertise bool `yaml:"advertise"`
}

// LoggingConfig configures operational and protocol logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`

	// ProtocolLog is a CBOR capture file path. Empty disables capture.
	ProtocolLog string `yaml:"protocol_log"`
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Robot: RobotConfig{
			ConnectTimeout: 3 * time.Second,
		},
		NT4: NT4Config{
			ClientName:     "ntsync",
			PingInterval:   2 * time.Second,
			PongTimeout:    time.Second,
			MaxMissedPongs: 3,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		Bridge: BridgeConfig{
			Enabled: true,
			Network: "unix",
			Address: "/tmp/ntsync.sock",
		},
		Web: WebConfig{
			Listen: "127.0.0.1:5811",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// applyEnvOverrides applies NTSYNC_SECTION_KEY environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("NTSYNC_ROBOT_ADDRESS"); v != "" {
		cfg.Robot.Address = v
	}
	if v := os.Getenv("NTSYNC_ROBOT_TEAM"); v != "" {
		team, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NTSYNC_ROBOT_TEAM: %w", err)
		}
		cfg.Robot.Team = team
	}
	if v := os.Getenv("NTSYNC_NT4_CLIENT_NAME"); v != "" {
		cfg.NT4.ClientName = v
	}
	if v := os.Getenv("NTSYNC_BRIDGE_ADDRESS"); v != "" {
		cfg.Bridge.Address = v
	}
	if v := os.Getenv("NTSYNC_WEB_LISTEN"); v != "" {
		cfg.Web.Listen = v
	}
	if v := os.Getenv("NTSYNC_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NTSYNC_LOGGING_PROTOCOL_LOG"); v != "" {
		cfg.Logging.ProtocolLog = v
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Robot.Team < 0 || c.Robot.Team > connection.MaxTeam {
		errs = append(errs, fmt.Sprintf("robot.team must be at most %d", connection.MaxTeam))
	}
	if c.Robot.ConnectOnStart && c.Robot.Address == "" && c.Robot.Team == 0 {
		errs = append(errs, "robot.connect_on_start requires robot.address or robot.team")
	}
	if c.Robot.ConnectTimeout <= 0 {
		errs = append(errs, "robot.connect_timeout must be positive")
	}

	if c.NT4.PingInterval <= 0 || c.NT4.PongTimeout <= 0 {
		errs = append(errs, "nt4.ping_interval and nt4.pong_timeout must be positive")
	}
	if c.NT4.MaxMissedPongs < 1 {
		errs = append(errs, "nt4.max_missed_pongs must be at least 1")
	}

	if c.Reconnect.Enabled {
		if c.Reconnect.MaxAttempts < 1 {
			errs = append(errs, "reconnect.max_attempts must be at least 1")
		}
		if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
			errs = append(errs, "reconnect delays must satisfy 0 < initial_delay <= max_delay")
		}
	}

	if c.Bridge.Enabled {
		switch c.Bridge.Network {
		case "unix", "tcp":
		default:
			errs = append(errs, "bridge.network must be unix or tcp")
		}
		if c.Bridge.Address == "" {
			errs = append(errs, "bridge.address is required")
		}
	}

	if c.Web.Enabled && c.Web.Listen == "" {
		errs = append(errs, "web.listen is required")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be json or text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Target returns the robot address to connect to: Address if set,
// otherwise the team number. Empty when neither is configured.
func (r RobotConfig) Target() string {
	if r.Address != "" {
		return r.Address
	}
	if r.Team > 0 {
		return strconv.Itoa(r.Team)
	}
	return ""
}
