package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ntsync/ntsync-go/cmd/ntsync/commands"
)

func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect protocol capture files",
	}
	cmd.AddCommand(newLogViewCmd(), newLogStatsCmd(), newLogExportCmd(), newLogFilterCmd())
	return cmd
}

func newLogViewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view FILE",
		Short: "Print events in human-readable form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := filterFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			return commands.RunView(args[0], filter, cmd.OutOrStdout())
		},
	}
	addFilterFlags(cmd.Flags())
	return cmd
}

func newLogStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats FILE",
		Short: "Summarize a capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.RunStats(args[0], cmd.OutOrStdout())
		},
	}
}

func newLogExportCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export FILE",
		Short: "Export events as JSON lines or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := filterFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			return commands.RunExport(args[0], format, output, filter)
		},
	}
	cmd.Flags().StringVar(&format, "format", "jsonl", "output format: jsonl or csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	addFilterFlags(cmd.Flags())
	return cmd
}

func newLogFilterCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "filter FILE",
		Short: "Copy matching events into a new capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := filterFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			n, err := commands.RunFilter(args[0], output, filter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d events to %s\n", n, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output capture file (required)")
	addFilterFlags(cmd.Flags())
	return cmd
}

func addFilterFlags(f *pflag.FlagSet) {
	f.String("conn", "", "connection ID")
	f.String("topic", "", "topic name")
	f.String("layer", "", "layer: socket, nt4, session or bridge")
	f.String("direction", "", "direction: in or out")
	f.String("category", "", "category: message, control, state or error")
	f.String("since", "", "only events at or after this RFC 3339 time")
	f.String("until", "", "only events before this RFC 3339 time")
}

func filterFromFlags(f *pflag.FlagSet) (commands.ViewFilter, error) {
	var filter commands.ViewFilter
	filter.ConnectionID, _ = f.GetString("conn")
	filter.Topic, _ = f.GetString("topic")

	if s, _ := f.GetString("layer"); s != "" {
		l, err := commands.ParseLayer(s)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if s, _ := f.GetString("direction"); s != "" {
		d, err := commands.ParseDirection(s)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if s, _ := f.GetString("category"); s != "" {
		c, err := commands.ParseCategory(s)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}

	var err error
	since, _ := f.GetString("since")
	if filter.TimeStart, err = commands.ParseTime(since); err != nil {
		return filter, err
	}
	until, _ := f.GetString("until")
	if filter.TimeEnd, err = commands.ParseTime(until); err != nil {
		return filter, err
	}
	return filter, nil
}
