package discovery

import (
	"context"
	"time"
)

// Browser finds NetworkTables servers on the local network.
type Browser interface {
	// Browse reports servers as they appear. The channel is closed when ctx
	// is done or the browser is stopped.
	Browse(ctx context.Context) (<-chan *Server, error)

	// Find returns the first server found, or ErrNotFound when ctx expires.
	Find(ctx context.Context) (*Server, error)

	// FindAll collects servers until ctx expires.
	FindAll(ctx context.Context) ([]*Server, error)

	// Stop cancels all active browse operations.
	Stop()
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// ServiceType defaults to ServiceTypeNT4.
	ServiceType string

	// BrowseTimeout bounds Find and FindAll when ctx has no deadline.
	BrowseTimeout time.Duration

	// Interface restricts browsing to one network interface.
	Interface string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		ServiceType:   ServiceTypeNT4,
		BrowseTimeout: BrowseTimeout,
	}
}
