package wire

// Status is a response status code.
type Status uint8

const (
	// StatusSuccess indicates the operation completed.
	StatusSuccess Status = 0

	// StatusInvalidRequest indicates a malformed or incomplete request.
	StatusInvalidRequest Status = 1

	// StatusInvalidTopic indicates an empty or malformed topic name.
	StatusInvalidTopic Status = 2

	// StatusInvalidValue indicates a value that is not a boolean, number
	// or string.
	StatusInvalidValue Status = 3

	// StatusTypeMismatch indicates a write whose type differs from the
	// cached value.
	StatusTypeMismatch Status = 4

	// StatusConnectFailed indicates the robot could not be reached.
	StatusConnectFailed Status = 5

	// StatusSubscribeFailed indicates a wire subscribe failed.
	StatusSubscribeFailed Status = 6

	// StatusWriteFailed indicates the value was cached but not sent.
	StatusWriteFailed Status = 7

	// StatusResourceExhausted indicates too many handles or listeners.
	StatusResourceExhausted Status = 8

	// StatusUnavailable indicates the engine is shutting down.
	StatusUnavailable Status = 9

	// StatusInternal indicates an unexpected failure.
	StatusInternal Status = 10
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusInvalidRequest:
		return "INVALID_REQUEST"
	case StatusInvalidTopic:
		return "INVALID_TOPIC"
	case StatusInvalidValue:
		return "INVALID_VALUE"
	case StatusTypeMismatch:
		return "TYPE_MISMATCH"
	case StatusConnectFailed:
		return "CONNECT_FAILED"
	case StatusSubscribeFailed:
		return "SUBSCRIBE_FAILED"
	case StatusWriteFailed:
		return "WRITE_FAILED"
	case StatusResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// IsSuccess reports whether s indicates success.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}
