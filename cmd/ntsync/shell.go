package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/ntsync/ntsync-go/pkg/interaction"
	"github.com/ntsync/ntsync-go/pkg/topic"
	"github.com/ntsync/ntsync-go/pkg/transport"
	"github.com/ntsync/ntsync-go/pkg/wire"
)

const shellRequestTimeout = 10 * time.Second

func newShellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive client for a running ntsync bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			network, address := cfg.Bridge.Network, cfg.Bridge.Address
			if f := cmd.Flags(); f.Changed("bridge-network") {
				network, _ = f.GetString("bridge-network")
			}
			if f := cmd.Flags(); f.Changed("bridge-addr") {
				address, _ = f.GetString("bridge-addr")
			}

			ctx, cancel := signalContext()
			defer cancel()
			return runShell(ctx, network, address)
		},
	}
	cmd.Flags().String("bridge-network", "", "IPC bridge network: unix or tcp")
	cmd.Flags().String("bridge-addr", "", "IPC bridge socket path or host:port")
	return cmd
}

func runShell(ctx context.Context, network, address string) error {
	conn, err := transport.Dial(ctx, network, address)
	if err != nil {
		return fmt.Errorf("connecting to bridge at %s: %w", address, err)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ntsync> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	client := interaction.NewClient(conn)
	client.SetTimeout(shellRequestTimeout)
	client.SetEventHandler(func(ev *wire.Event) {
		fmt.Fprintln(rl.Stdout(), formatWireEvent(ev))
	})
	defer client.Close()

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := client.ReadLoop(loopCtx, conn); err != nil && loopCtx.Err() == nil {
			fmt.Fprintf(rl.Stdout(), "bridge connection lost: %v\n", err)
			rl.Close()
		}
	}()

	sh := &shell{client: client, out: rl.Stdout()}
	fmt.Fprintf(sh.out, "Connected to bridge at %s. Type 'help' for commands.\n", address)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			return nil
		}

		quit, err := sh.exec(ctx, line)
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// bridgeClient is the part of interaction.Client the shell drives.
type bridgeClient interface {
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, name string) (uint64, error)
	Unsubscribe(ctx context.Context, handle uint64) (bool, error)
	UnsubscribeTopic(ctx context.Context, name string) (bool, error)
	Write(ctx context.Context, name string, v topic.Value) error
	Get(ctx context.Context, name string) (topic.Value, int64, bool, error)
	Listen(ctx context.Context, name string) (uint64, error)
	Unlisten(ctx context.Context, id uint64) error
}

var _ bridgeClient = (*interaction.Client)(nil)

type shell struct {
	client bridgeClient
	out    io.Writer
}

var errUsage = errors.New("usage")

// exec runs one command line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help", "?":
		s.help()
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, shellRequestTimeout)
	defer cancel()

	switch cmd {
	case "connect":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: connect <address|team>", errUsage)
		}
		if err := s.client.Connect(ctx, args[0]); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "connecting to %s\n", args[0])

	case "disconnect":
		if err := s.client.Disconnect(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "disconnected")

	case "sub", "subscribe":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: sub <topic>", errUsage)
		}
		h, err := s.client.Subscribe(ctx, args[0])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "subscribed %s (handle %d)\n", args[0], h)

	case "unsub", "unsubscribe":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: unsub <topic|handle>", errUsage)
		}
		var released bool
		var err error
		if h, perr := strconv.ParseUint(args[0], 10, 64); perr == nil {
			released, err = s.client.Unsubscribe(ctx, h)
		} else {
			released, err = s.client.UnsubscribeTopic(ctx, args[0])
		}
		if err != nil {
			return false, err
		}
		if released {
			fmt.Fprintf(s.out, "released %s\n", args[0])
		} else {
			fmt.Fprintf(s.out, "%s was not subscribed\n", args[0])
		}

	case "get":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: get <topic>", errUsage)
		}
		v, ts, found, err := s.client.Get(ctx, args[0])
		if err != nil {
			return false, err
		}
		if !found {
			fmt.Fprintf(s.out, "%s: no value\n", args[0])
		} else {
			fmt.Fprintf(s.out, "%s = %s (%s, ts %d)\n", args[0], v, v.Kind(), ts)
		}

	case "put", "write", "set":
		if len(args) < 2 {
			return false, fmt.Errorf("%w: put <topic> <value>", errUsage)
		}
		v := parseValue(strings.Join(args[1:], " "))
		if err := s.client.Write(ctx, args[0], v); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "%s <- %s\n", args[0], v)

	case "listen":
		if len(args) > 1 {
			return false, fmt.Errorf("%w: listen [topic]", errUsage)
		}
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		id, err := s.client.Listen(ctx, name)
		if err != nil {
			return false, err
		}
		if name == "" {
			name = "connection changes"
		}
		fmt.Fprintf(s.out, "listening to %s (listener %d)\n", name, id)

	case "unlisten":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: unlisten <listener>", errUsage)
		}
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid listener id %q", args[0])
		}
		if err := s.client.Unlisten(ctx, id); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "removed listener %d\n", id)

	default:
		return false, fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
	return false, nil
}

func (s *shell) help() {
	fmt.Fprint(s.out, `Commands:
  connect <address|team>   connect the engine to a robot
  disconnect               close the robot connection
  sub <topic>              subscribe to a topic
  unsub <topic|handle>     release a subscription
  get <topic>              show the cached value
  put <topic> <value>      write true/false, a number or a string
  listen [topic]           print value changes, or connection changes
  unlisten <listener>      stop a listener
  quit                     exit the shell
`)
}

// parseValue reads true/false as a boolean and anything ParseFloat accepts
// as a number. Everything else is a string; quotes force a string.
func parseValue(s string) topic.Value {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return topic.StringValue(s[1 : len(s)-1])
	}
	switch strings.ToLower(s) {
	case "true":
		return topic.BoolValue(true)
	case "false":
		return topic.BoolValue(false)
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return topic.NumberValue(n)
	}
	return topic.StringValue(s)
}

func formatWireEvent(ev *wire.Event) string {
	switch ev.Kind {
	case wire.EventValueChanged:
		v, err := wire.ValueOf(ev.Value)
		if err != nil {
			return fmt.Sprintf("[%d] %s = %v", ev.Listener, ev.Topic, ev.Value)
		}
		return fmt.Sprintf("[%d] %s = %s (ts %d)", ev.Listener, ev.Topic, v, ev.Timestamp)
	case wire.EventConnectionChanged:
		return fmt.Sprintf("[%d] connection %s (connected=%t)", ev.Listener, ev.State, ev.Connected)
	default:
		return fmt.Sprintf("[%d] %s", ev.Listener, ev.Kind)
	}
}
