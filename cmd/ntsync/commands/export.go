package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	plog "github.com/ntsync/ntsync-go/pkg/log"
)

// RunExport writes matching events as JSON lines or CSV to output, or to
// stdout when output is empty.
func RunExport(path, format, output string, filter ViewFilter) error {
	reader, err := plog.NewFilteredReader(path, filter.readerFilter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "jsonl":
		enc := json.NewEncoder(w)
		return forEach(reader, func(ev plog.Event) error {
			return enc.Encode(ev)
		})
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportCSV(reader *plog.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"timestamp", "connection_id", "direction", "layer", "category", "type", "topic", "value"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	return forEach(reader, func(ev plog.Event) error {
		var topic, value string
		if ev.Message != nil {
			topic = ev.Message.Topic
			if ev.Message.Value != nil {
				value = fmt.Sprint(ev.Message.Value)
			}
		}
		if ev.Frame != nil {
			value = strconv.Itoa(ev.Frame.Size)
		}
		row := []string{
			ev.Timestamp.UTC().Format(timeFormat),
			ev.ConnectionID,
			ev.Direction.String(),
			ev.Layer.String(),
			ev.Category.String(),
			eventType(ev),
			topic,
			value,
		}
		return cw.Write(row)
	})
}
