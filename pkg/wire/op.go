package wire

// Op is a request operation.
type Op uint8

const (
	// OpConnect connects to a robot. Requires Address.
	OpConnect Op = 1

	// OpDisconnect closes the robot connection.
	OpDisconnect Op = 2

	// OpSubscribe acquires a subscription handle for Topic.
	OpSubscribe Op = 3

	// OpUnsubscribe releases Handle, or one handle held for Topic.
	OpUnsubscribe Op = 4

	// OpWrite writes Value to Topic.
	OpWrite Op = 5

	// OpGet reads the cached entry for Topic.
	OpGet Op = 6

	// OpListen registers for value events on Topic, or connection events
	// when Topic is empty.
	OpListen Op = 7

	// OpUnlisten removes the listener named by Handle.
	OpUnlisten Op = 8
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpConnect:
		return "Connect"
	case OpDisconnect:
		return "Disconnect"
	case OpSubscribe:
		return "Subscribe"
	case OpUnsubscribe:
		return "Unsubscribe"
	case OpWrite:
		return "Write"
	case OpGet:
		return "Get"
	case OpListen:
		return "Listen"
	case OpUnlisten:
		return "Unlisten"
	default:
		return "Unknown"
	}
}

// IsValid reports whether o is a known operation.
func (o Op) IsValid() bool {
	return o >= OpConnect && o <= OpUnlisten
}
