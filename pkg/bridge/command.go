package bridge

import (
	"context"
	"fmt"

	"github.com/ntsync/ntsync-go/pkg/subscription"
	"github.com/ntsync/ntsync-go/pkg/topic"
)

// Op is a command operation.
type Op uint8

const (
	OpConnect Op = iota + 1
	OpDisconnect
	OpSubscribe
	OpUnsubscribe
	OpWrite
	OpGet
)

func (o Op) String() string {
	switch o {
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	case OpWrite:
		return "write"
	case OpGet:
		return "get"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Command is a request from an external surface.
type Command struct {
	Op      Op
	Address string
	Topic   topic.Name
	Value   topic.Value

	// Handle selects the subscription for OpUnsubscribe. Zero releases one
	// handle held for Topic instead.
	Handle uint64
}

// Result is the outcome of a command.
type Result struct {
	// Handle is set by OpSubscribe.
	Handle subscription.Handle

	// Entry and Found are set by OpGet.
	Entry topic.Entry
	Found bool

	// Released is set by OpUnsubscribe.
	Released bool
}

// Execute runs cmd against the engine.
func (e *Engine) Execute(ctx context.Context, cmd Command) (Result, error) {
	switch cmd.Op {
	case OpConnect:
		return Result{}, e.Connect(ctx, cmd.Address)

	case OpDisconnect:
		e.Disconnect()
		return Result{}, nil

	case OpSubscribe:
		h, err := e.Subscribe(ctx, cmd.Topic)
		return Result{Handle: h}, err

	case OpUnsubscribe:
		if cmd.Handle != 0 {
			h, ok := e.mux.Lookup(cmd.Handle)
			if !ok {
				return Result{}, nil
			}
			released, err := e.unsubscribe(ctx, h)
			return Result{Released: released}, err
		}
		ok, err := e.UnsubscribeTopic(ctx, cmd.Topic)
		return Result{Released: ok}, err

	case OpWrite:
		return Result{}, e.Write(ctx, cmd.Topic, cmd.Value)

	case OpGet:
		entry, ok := e.Get(cmd.Topic)
		return Result{Entry: entry, Found: ok}, nil

	default:
		return Result{}, fmt.Errorf("unknown command %s", cmd.Op)
	}
}
