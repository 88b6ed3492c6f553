package commands

import (
	"fmt"
	"time"

	plog "github.com/ntsync/ntsync-go/pkg/log"
)

// RunFilter copies the events matching filter from path into a new capture
// file at output and returns the number written.
func RunFilter(path, output string, filter ViewFilter) (int, error) {
	if output == "" {
		return 0, fmt.Errorf("output file is required")
	}
	reader, err := plog.NewFilteredReader(path, filter.readerFilter())
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	out, err := plog.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	err = forEach(reader, func(ev plog.Event) error {
		out.Log(ev)
		return nil
	})
	n := out.Written()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// ParseTime parses an RFC 3339 timestamp. Empty input returns nil.
func ParseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return &t, nil
}
