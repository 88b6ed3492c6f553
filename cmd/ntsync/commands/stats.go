package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	plog "github.com/ntsync/ntsync-go/pkg/log"
)

// Stats holds aggregate statistics about a capture file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[plog.Layer]int
	EventsByCategory  map[plog.Category]int
	EventsByDirection map[plog.Direction]int
	Topics            map[string]int
	Connections       map[string]*ConnectionStats
	Errors            int
	Start, End        time.Time
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen   time.Time
	LastSeen    time.Time
	Events      int
	RemoteAddr  string
	Transitions int
}

// Collect reads every event in the capture at path.
func Collect(path string) (*Stats, error) {
	reader, err := plog.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[plog.Layer]int),
		EventsByCategory:  make(map[plog.Category]int),
		EventsByDirection: make(map[plog.Direction]int),
		Topics:            make(map[string]int),
		Connections:       make(map[string]*ConnectionStats),
	}
	err = forEach(reader, func(ev plog.Event) error {
		stats.add(ev)
		return nil
	})
	return stats, err
}

func (s *Stats) add(ev plog.Event) {
	s.TotalEvents++
	s.EventsByLayer[ev.Layer]++
	s.EventsByCategory[ev.Category]++
	s.EventsByDirection[ev.Direction]++

	if s.Start.IsZero() || ev.Timestamp.Before(s.Start) {
		s.Start = ev.Timestamp
	}
	if ev.Timestamp.After(s.End) {
		s.End = ev.Timestamp
	}

	conn, ok := s.Connections[ev.ConnectionID]
	if !ok {
		conn = &ConnectionStats{FirstSeen: ev.Timestamp, LastSeen: ev.Timestamp}
		s.Connections[ev.ConnectionID] = conn
	}
	conn.Events++
	if ev.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = ev.Timestamp
	}
	if conn.RemoteAddr == "" {
		conn.RemoteAddr = ev.RemoteAddr
	}
	if ev.StateChange != nil {
		conn.Transitions++
	}

	if ev.Message != nil && ev.Message.Topic != "" {
		s.Topics[ev.Message.Topic]++
	}
	if ev.Error != nil {
		s.Errors++
	}
}

// RunStats prints statistics for the capture at path.
func RunStats(path string, w io.Writer) error {
	stats, err := Collect(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, s *Stats) {
	fmt.Fprintln(w, "=== NT4 Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if s.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", s.End.Sub(s.Start).Round(time.Second))
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Total Events: %d\n\n", s.TotalEvents)

	fmt.Fprintln(w, "Events by Layer:")
	for _, l := range []plog.Layer{plog.LayerSocket, plog.LayerNT4, plog.LayerSession, plog.LayerBridge} {
		if n := s.EventsByLayer[l]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", l.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, c := range []plog.Category{plog.CategoryMessage, plog.CategoryControl, plog.CategoryState, plog.CategoryError} {
		if n := s.EventsByCategory[c]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", c.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, d := range []plog.Direction{plog.DirectionIn, plog.DirectionOut} {
		if n := s.EventsByDirection[d]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", d.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	if len(s.Topics) > 0 {
		names := make([]string, 0, len(s.Topics))
		for name := range s.Topics {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if s.Topics[names[i]] != s.Topics[names[j]] {
				return s.Topics[names[i]] > s.Topics[names[j]]
			}
			return names[i] < names[j]
		})
		fmt.Fprintf(w, "Topics: %d\n", len(names))
		for _, name := range names {
			fmt.Fprintf(w, "  %-40s %d\n", name, s.Topics[name])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Connections: %d\n", len(s.Connections))
	type connInfo struct {
		id    string
		stats *ConnectionStats
	}
	conns := make([]connInfo, 0, len(s.Connections))
	for id, cs := range s.Connections {
		conns = append(conns, connInfo{id, cs})
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
	})
	for _, c := range conns {
		d := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
		fmt.Fprintf(w, "  [%s] %d events, %d transitions, duration %s\n",
			shortenConnID(c.id), c.stats.Events, c.stats.Transitions, d)
		if c.stats.RemoteAddr != "" {
			fmt.Fprintf(w, "           Remote: %s\n", c.stats.RemoteAddr)
		}
	}

	if s.Errors > 0 {
		fmt.Fprintf(w, "\nErrors: %d\n", s.Errors)
	}
}
