package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ntsync/ntsync-go/pkg/bridge"
	"github.com/ntsync/ntsync-go/pkg/config"
	"github.com/ntsync/ntsync-go/pkg/connection"
	"github.com/ntsync/ntsync-go/pkg/discovery"
	"github.com/ntsync/ntsync-go/pkg/interaction"
	plog "github.com/ntsync/ntsync-go/pkg/log"
	"github.com/ntsync/ntsync-go/pkg/logging"
	"github.com/ntsync/ntsync-go/pkg/nt4"
	"github.com/ntsync/ntsync-go/pkg/transport"
	"github.com/ntsync/ntsync-go/pkg/version"
	"github.com/ntsync/ntsync-go/pkg/web"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with its IPC and web bridges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd.Flags(), cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.New(cfg.Logging, version.Build)
			protocol, closeProtocol, err := logging.Protocol(cfg.Logging, logger)
			if err != nil {
				return err
			}
			defer closeProtocol() //nolint:errcheck

			ctx, cancel := signalContext()
			defer cancel()
			return runServe(ctx, cfg, logger, protocol)
		},
	}

	f := cmd.Flags()
	f.String("robot", "", "robot address (host, host:port or team number)")
	f.Int("team", 0, "FRC team number")
	f.Bool("connect", false, "connect to the robot on start")
	f.Bool("reconnect", false, "reconnect automatically after a drop")
	f.String("bridge-network", "", "IPC bridge network: unix or tcp")
	f.String("bridge-addr", "", "IPC bridge socket path or host:port")
	f.Bool("no-bridge", false, "disable the IPC bridge")
	f.Bool("web", false, "enable the HTTP/WebSocket bridge")
	f.String("web-listen", "", "HTTP/WebSocket listen address")
	f.Bool("advertise", false, "advertise the web bridge over mDNS")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-format", "", "log format: text or json")
	f.String("protocol-log", "", "write a protocol capture to this file")
	return cmd
}

// loadConfig loads the file named by the persistent --config flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// applyServeFlags overrides cfg with the flags set on the command line.
func applyServeFlags(f *pflag.FlagSet, cfg *config.Config) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetString(name)
		}
	}
	flag := func(name string, dst *bool) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetBool(name)
		}
	}

	str("robot", &cfg.Robot.Address)
	if err == nil && f.Changed("team") {
		cfg.Robot.Team, err = f.GetInt("team")
	}
	flag("connect", &cfg.Robot.ConnectOnStart)
	flag("reconnect", &cfg.Reconnect.Enabled)
	str("bridge-network", &cfg.Bridge.Network)
	str("bridge-addr", &cfg.Bridge.Address)
	if err == nil && f.Changed("no-bridge") {
		var off bool
		off, err = f.GetBool("no-bridge")
		cfg.Bridge.Enabled = !off
	}
	flag("web", &cfg.Web.Enabled)
	str("web-listen", &cfg.Web.Listen)
	str("log-level", &cfg.Logging.Level)
	str("log-format", &cfg.Logging.Format)
	str("protocol-log", &cfg.Logging.ProtocolLog)

	flag("advertise", &cfg.Web.Advertise)
	return err
}

// engineConfig translates cfg into the engine's session settings.
func engineConfig(cfg *config.Config, logger *slog.Logger, protocol plog.Logger) bridge.Config {
	ec := bridge.DefaultConfig()
	ec.Logger = logger
	ec.Session = connection.Config{
		ConnectTimeout: cfg.Robot.ConnectTimeout,
		Reconnect: connection.ReconnectPolicy{
			Enabled:     cfg.Reconnect.Enabled,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			Backoff: connection.BackoffConfig{
				Initial: cfg.Reconnect.InitialDelay,
				Max:     cfg.Reconnect.MaxDelay,
				Jitter:  connection.JitterFactor,
			},
		},
		Logger:         logger,
		ProtocolLogger: protocol,
	}
	return ec
}

func newDialer(cfg *config.Config, logger *slog.Logger, protocol plog.Logger) *nt4.Dialer {
	return &nt4.Dialer{
		ClientName: cfg.NT4.ClientName,
		KeepAlive: nt4.KeepAliveConfig{
			PingInterval:   cfg.NT4.PingInterval,
			PongTimeout:    cfg.NT4.PongTimeout,
			MaxMissedPongs: cfg.NT4.MaxMissedPongs,
		},
		Logger:         logger,
		ProtocolLogger: protocol,
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, protocol plog.Logger) error {
	engine := bridge.New(newDialer(cfg, logger, protocol), engineConfig(cfg, logger, protocol))
	defer engine.Close()

	logger.Info("ntsync starting", "nt_version", version.Current)

	if cfg.Bridge.Enabled {
		srv := interaction.NewServer(engine, interaction.WithLogger(logger.With("component", "bridge")))
		ts, err := srv.Serve(ctx, transport.ServerConfig{
			Network: cfg.Bridge.Network,
			Address: cfg.Bridge.Address,
			Logger:  protocol,
		})
		if err != nil {
			return fmt.Errorf("starting IPC bridge: %w", err)
		}
		defer ts.Stop() //nolint:errcheck
	}

	webErr := make(chan error, 1)
	if cfg.Web.Enabled {
		ln, err := net.Listen("tcp", cfg.Web.Listen)
		if err != nil {
			return fmt.Errorf("starting web bridge: %w", err)
		}
		ws := web.NewServer(engine,
			web.WithLogger(logger.With("component", "web")),
			web.WithVersion(version.Build))
		go func() { webErr <- ws.Serve(ctx, ln) }()
		logger.Info("web bridge listening", "address", ln.Addr().String())

		if cfg.Web.Advertise {
			advertise(ctx, cfg, ln.Addr(), logger)
		}
	}

	if cfg.Robot.ConnectOnStart {
		target := cfg.Robot.Target()
		if err := engine.Connect(ctx, target); err != nil {
			// The reconnect policy or a UI retries from here.
			logger.Warn("initial connect failed", "address", target, "error", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("ntsync shutting down")
		return nil
	case err := <-webErr:
		return err
	}
}

// advertise announces the web bridge over mDNS. Failures are logged only.
func advertise(ctx context.Context, cfg *config.Config, addr net.Addr, logger *slog.Logger) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "ntsync"
	}
	info := &discovery.BridgeInfo{
		Instance: bridgeInstanceName(host, tcp.Port),
		Port:     tcp.Port,
		Version:  version.Build,
		Robot:    cfg.Robot.Target(),
	}
	adv := discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{})
	if err := adv.Advertise(ctx, info); err != nil {
		logger.Warn("mDNS advertisement failed", "error", err)
		return
	}
	logger.Info("advertising web bridge", "instance", info.Instance, "service", discovery.ServiceTypeBridge)
}

// bridgeInstanceName builds an mDNS instance name that fits the label limit.
func bridgeInstanceName(host string, port int) string {
	suffix := "-" + strconv.Itoa(port)
	if limit := discovery.MaxInstanceNameLen - len(suffix); len(host) > limit {
		host = host[:limit]
	}
	return host + suffix
}
