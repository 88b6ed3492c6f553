// Package commands implements the "ntsync log" subcommands.
package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	plog "github.com/ntsync/ntsync-go/pkg/log"
)

const timeFormat = "2006-01-02T15:04:05.000000Z"

// ViewFilter selects events for view and export. Zero fields match all.
type ViewFilter struct {
	ConnectionID string
	Topic        string
	Layer        *plog.Layer
	Direction    *plog.Direction
	Category     *plog.Category
	TimeStart    *time.Time
	TimeEnd      *time.Time
}

func (f ViewFilter) readerFilter() plog.Filter {
	return plog.Filter{
		ConnectionID: f.ConnectionID,
		Topic:        f.Topic,
		Layer:        f.Layer,
		Direction:    f.Direction,
		Category:     f.Category,
		TimeStart:    f.TimeStart,
		TimeEnd:      f.TimeEnd,
	}
}

// RunView writes matching events from the capture at path in a
// human-readable form.
func RunView(path string, filter ViewFilter, w io.Writer) error {
	reader, err := plog.NewFilteredReader(path, filter.readerFilter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	return forEach(reader, func(ev plog.Event) error {
		formatEvent(w, ev)
		return nil
	})
}

func forEach(reader *plog.Reader, fn func(plog.Event) error) error {
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// formatEvent writes one event: a header line, details, then a blank line.
func formatEvent(w io.Writer, ev plog.Event) {
	layer := ev.Layer.String()
	if ev.Category == plog.CategoryControl {
		layer = "CTRL"
	}
	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n",
		ev.Timestamp.UTC().Format(timeFormat), shortenConnID(ev.ConnectionID),
		ev.Direction.String(), layer, eventType(ev))

	switch {
	case ev.Frame != nil:
		fmt.Fprintf(w, "  Size: %d bytes", ev.Frame.Size)
		if ev.Frame.Binary {
			fmt.Fprint(w, " (binary)")
		}
		fmt.Fprintln(w)
		if len(ev.Frame.Data) > 0 {
			fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(ev.Frame.Data))
			if ev.Frame.Truncated {
				fmt.Fprint(w, " (truncated)")
			}
			fmt.Fprintln(w)
		}
	case ev.Message != nil:
		formatMessage(w, ev.Message)
	case ev.StateChange != nil:
		sc := ev.StateChange
		if sc.OldState != "" {
			fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
		} else {
			fmt.Fprintf(w, "  -> %s\n", sc.NewState)
		}
		if sc.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
		}
	case ev.Control != nil:
		if ev.Control.RTT > 0 {
			fmt.Fprintf(w, "  RTT: %s  Offset: %dus\n", ev.Control.RTT.Round(time.Microsecond), ev.Control.Offset)
		}
		if ev.Control.CloseCode != 0 {
			fmt.Fprintf(w, "  Code: %d\n", ev.Control.CloseCode)
		}
	case ev.Error != nil:
		fmt.Fprintf(w, "  Layer: %s\n", ev.Error.Layer.String())
		fmt.Fprintf(w, "  Message: %s\n", ev.Error.Message)
		if ev.Error.Context != "" {
			fmt.Fprintf(w, "  Context: %s\n", ev.Error.Context)
		}
	}
	fmt.Fprintln(w)
}

func formatMessage(w io.Writer, m *plog.MessageEvent) {
	if m.Operation != "" {
		fmt.Fprintf(w, "  Operation: %s\n", m.Operation)
	}
	if m.Topic != "" {
		fmt.Fprintf(w, "  Topic: %s", m.Topic)
		if m.Type != "" {
			fmt.Fprintf(w, " (%s)", m.Type)
		}
		fmt.Fprintln(w)
	}
	if m.TopicID != 0 || m.UID != 0 {
		fmt.Fprintf(w, "  ID: %d  UID: %d\n", m.TopicID, m.UID)
	}
	if m.ServerTS != 0 {
		fmt.Fprintf(w, "  ServerTS: %d\n", m.ServerTS)
	}
	if m.Value != nil {
		fmt.Fprintf(w, "  Value: %v\n", m.Value)
	}
}

// eventType labels the payload carried by ev.
func eventType(ev plog.Event) string {
	switch {
	case ev.Frame != nil:
		return "Frame"
	case ev.Message != nil:
		if ev.Message.Method != "" {
			return ev.Message.Method
		}
		return "value"
	case ev.StateChange != nil:
		return "State"
	case ev.Control != nil:
		return ev.Control.Type.String()
	case ev.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// ParseLayer parses a layer name (case-insensitive).
func ParseLayer(s string) (plog.Layer, error) {
	switch strings.ToLower(s) {
	case "socket":
		return plog.LayerSocket, nil
	case "nt4":
		return plog.LayerNT4, nil
	case "session":
		return plog.LayerSession, nil
	case "bridge":
		return plog.LayerBridge, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be socket, nt4, session or bridge)", s)
	}
}

// ParseDirection parses "in" or "out" (case-insensitive).
func ParseDirection(s string) (plog.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return plog.DirectionIn, nil
	case "out":
		return plog.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategory parses a category name (case-insensitive).
func ParseCategory(s string) (plog.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return plog.CategoryMessage, nil
	case "control":
		return plog.CategoryControl, nil
	case "state":
		return plog.CategoryState, nil
	case "error":
		return plog.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, control, state or error)", s)
	}
}
