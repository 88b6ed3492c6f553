package bridge

import (
	"fmt"

	"github.com/ntsync/ntsync-go/pkg/connection"
	"github.com/ntsync/ntsync-go/pkg/topic"
)

// ValueChanged is emitted once per applied cache update.
type ValueChanged struct {
	Topic     topic.Name
	Value     topic.Value
	Timestamp int64
	Origin    topic.Origin
}

// ConnectionChanged is emitted for every session state transition.
type ConnectionChanged struct {
	State     connection.State
	Connected bool
	Address   string

	// Err is the failure that caused the transition, if any.
	Err error
}

// WriteError reports a local write that reached the cache but could not be
// sent to the server. The cached value is kept.
type WriteError struct {
	Topic topic.Name
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Topic, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
