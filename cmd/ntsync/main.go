// Command ntsync runs the NetworkTables sync engine and its local bridges,
// and provides tools for talking to a running instance.
//
// Usage:
//
//	ntsync serve [--config FILE] [--team N | --robot ADDR] [--web]
//	ntsync shell [--bridge-addr PATH]
//	ntsync discover [--timeout 3s]
//	ntsync log view|stats|export|filter FILE
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ntsync/ntsync-go/pkg/version"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "ntsync",
		Short:         "NetworkTables 4 client sync engine",
		Version:       fmt.Sprintf("%s (NT %s)", version.Build, version.Current),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to YAML configuration file")

	root.AddCommand(
		newServeCmd(),
		newShellCmd(),
		newDiscoverCmd(),
		newLogCmd(),
	)
	return root
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
