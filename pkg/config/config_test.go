package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ntsync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NT4.ClientName != "ntsync" {
		t.Errorf("ClientName = %q, want ntsync", cfg.NT4.ClientName)
	}
	if cfg.Reconnect.Enabled {
		t.Error("reconnect should be disabled by default")
	}
	if cfg.Robot.Target() != "" {
		t.Errorf("Target() = %q, want empty", cfg.Robot.Target())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
robot:
  team: 1690
  connect_on_start: true
  connect_timeout: 1500ms
nt4:
  ping_interval: 1s
reconnect:
  enabled: true
  max_attempts: 3
bridge:
  network: tcp
  address: 127.0.0.1:5812
logging:
  format: json
  protocol_log: /tmp/ntsync.cap
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Robot.Team != 1690 {
		t.Errorf("Team = %d, want 1690", cfg.Robot.Team)
	}
	if cfg.Robot.ConnectTimeout != 1500*time.Millisecond {
		t.Errorf("ConnectTimeout = %v", cfg.Robot.ConnectTimeout)
	}
	if cfg.NT4.PingInterval != time.Second {
		t.Errorf("PingInterval = %v", cfg.NT4.PingInterval)
	}
	// Unset keys keep their defaults.
	if cfg.NT4.PongTimeout != time.Second {
		t.Errorf("PongTimeout = %v, want default", cfg.NT4.PongTimeout)
	}
	if !cfg.Reconnect.Enabled || cfg.Reconnect.MaxAttempts != 3 {
		t.Errorf("Reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Bridge.Network != "tcp" || cfg.Bridge.Address != "127.0.0.1:5812" {
		t.Errorf("Bridge = %+v", cfg.Bridge)
	}
	if cfg.Logging.ProtocolLog != "/tmp/ntsync.cap" {
		t.Errorf("ProtocolLog = %q", cfg.Logging.ProtocolLog)
	}
	if got := cfg.Robot.Target(); got != "1690" {
		t.Errorf("Target() = %q, want 1690", got)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "robot: [")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NTSYNC_ROBOT_ADDRESS", "10.0.0.2")
	t.Setenv("NTSYNC_ROBOT_TEAM", "254")
	t.Setenv("NTSYNC_NT4_CLIENT_NAME", "dash")
	t.Setenv("NTSYNC_WEB_LISTEN", ":8080")
	t.Setenv("NTSYNC_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Robot.Address != "10.0.0.2" || cfg.Robot.Team != 254 {
		t.Errorf("Robot = %+v", cfg.Robot)
	}
	if got := cfg.Robot.Target(); got != "10.0.0.2" {
		t.Errorf("Target() = %q, address should win over team", got)
	}
	if cfg.NT4.ClientName != "dash" || cfg.Web.Listen != ":8080" || cfg.Logging.Level != "debug" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestEnvOverrideBadTeam(t *testing.T) {
	t.Setenv("NTSYNC_ROBOT_TEAM", "frc")
	if _, err := Load(""); err == nil {
		t.Error("expected error for non-numeric team")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"team too large", func(c *Config) { c.Robot.Team = 30000 }, "robot.team"},
		{"connect without target", func(c *Config) { c.Robot.ConnectOnStart = true }, "connect_on_start"},
		{"zero timeout", func(c *Config) { c.Robot.ConnectTimeout = 0 }, "connect_timeout"},
		{"zero ping", func(c *Config) { c.NT4.PingInterval = 0 }, "ping_interval"},
		{"no missed pongs", func(c *Config) { c.NT4.MaxMissedPongs = 0 }, "max_missed_pongs"},
		{"reconnect attempts", func(c *Config) {
			c.Reconnect.Enabled = true
			c.Reconnect.MaxAttempts = 0
		}, "max_attempts"},
		{"reconnect delays", func(c *Config) {
			c.Reconnect.Enabled = true
			c.Reconnect.MaxDelay = time.Millisecond
		}, "initial_delay"},
		{"bridge network", func(c *Config) { c.Bridge.Network = "udp" }, "bridge.network"},
		{"bridge address", func(c *Config) { c.Bridge.Address = "" }, "bridge.address"},
		{"web listen", func(c *Config) {
			c.Web.Enabled = true
			c.Web.Listen = ""
		}, "web.listen"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsAll(t *testing.T) {
	cfg := Default()
	cfg.Bridge.Network = "udp"
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "bridge.network") || !strings.Contains(err.Error(), "logging.format") {
		t.Errorf("error should list both problems: %v", err)
	}
}

func TestValidateDisabledSectionsSkipped(t *testing.T) {
	cfg := Default()
	cfg.Bridge.Enabled = false
	cfg.Bridge.Network = ""
	cfg.Reconnect.MaxAttempts = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
