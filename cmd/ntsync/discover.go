package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ntsync/ntsync-go/pkg/discovery"
)

func newDiscoverCmd() *cobra.Command {
	var (
		timeout time.Duration
		iface   string
		bridges bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse mDNS for NetworkTables servers or ntsync bridges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := discovery.DefaultBrowserConfig()
			cfg.BrowseTimeout = timeout
			cfg.Interface = iface
			if bridges {
				cfg.ServiceType = discovery.ServiceTypeBridge
			}

			ctx, cancel := signalContext()
			defer cancel()

			browser := discovery.NewMDNSBrowser(cfg)
			defer browser.Stop()

			servers, err := browser.FindAll(ctx)
			if err != nil {
				return err
			}
			printServers(cmd.OutOrStdout(), servers)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.BrowseTimeout, "how long to browse")
	cmd.Flags().StringVar(&iface, "interface", "", "restrict browsing to one network interface")
	cmd.Flags().BoolVar(&bridges, "bridges", false, "browse for ntsync web bridges instead of robots")
	return cmd
}

func printServers(w io.Writer, servers []*discovery.Server) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "no servers found")
		return
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Instance < servers[j].Instance })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tADDRESS\tHOST\tTXT")
	for _, s := range servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Instance, s.Address(), s.Host,
			strings.Join(discovery.TXTRecordsToStrings(s.TXT), " "))
	}
	tw.Flush()
}
