package log

import (
	"time"
)

// Event is one captured protocol event. CBOR encoding uses integer keys.
type Event struct {
	Timestamp    time.Time `cbor:"1,keyasint"`
	ConnectionID string    `cbor:"2,keyasint"`
	Direction    Direction `cbor:"3,keyasint"`
	Layer        Layer     `cbor:"4,keyasint"`
	Category     Category  `cbor:"5,keyasint"`
	RemoteAddr   string    `cbor:"6,keyasint,omitempty"`

	// Exactly one payload is set.
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Control     *ControlEvent     `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates message flow relative to this client.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer is where the event was captured.
type Layer uint8

const (
	// LayerSocket is the WebSocket frame layer.
	LayerSocket Layer = 0
	// LayerNT4 is the decoded NetworkTables message layer.
	LayerNT4 Layer = 1
	// LayerSession is the connection session.
	LayerSession Layer = 2
	// LayerBridge is the command/event bridge.
	LayerBridge Layer = 3
)

func (l Layer) String() string {
	switch l {
	case LayerSocket:
		return "SOCKET"
	case LayerNT4:
		return "NT4"
	case LayerSession:
		return "SESSION"
	case LayerBridge:
		return "BRIDGE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryControl Category = 1
	CategoryState   Category = 2
	CategoryError   Category = 3
)

func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a raw WebSocket frame.
type FrameEvent struct {
	Size      int    `cbor:"1,keyasint"`
	Binary    bool   `cbor:"2,keyasint,omitempty"`
	Data      []byte `cbor:"3,keyasint,omitempty"`
	Truncated bool   `cbor:"4,keyasint,omitempty"`
}

// MessageEvent captures a decoded NT4 message. Text-frame control messages
// set Method; value updates set TopicID and Value.
type MessageEvent struct {
	Method    string `cbor:"1,keyasint,omitempty"`
	Topic     string `cbor:"2,keyasint,omitempty"`
	TopicID   int64  `cbor:"3,keyasint,omitempty"`
	UID       int64  `cbor:"4,keyasint,omitempty"`
	Type      string `cbor:"5,keyasint,omitempty"`
	ServerTS  int64  `cbor:"6,keyasint,omitempty"`
	Value     any    `cbor:"7,keyasint,omitempty"`
	Operation string `cbor:"8,keyasint,omitempty"`
}

// StateChangeEvent captures a connection state transition.
type StateChangeEvent struct {
	OldState string `cbor:"1,keyasint,omitempty"`
	NewState string `cbor:"2,keyasint"`
	Reason   string `cbor:"3,keyasint,omitempty"`
}

// ControlEvent captures keep-alive and close traffic.
type ControlEvent struct {
	Type ControlType   `cbor:"1,keyasint"`
	RTT  time.Duration `cbor:"2,keyasint,omitempty"`
	// Offset is the estimated server clock offset in microseconds.
	Offset int64 `cbor:"3,keyasint,omitempty"`
	// CloseCode is the WebSocket close code.
	CloseCode int `cbor:"4,keyasint,omitempty"`
}

// ControlType is the kind of control traffic.
type ControlType uint8

const (
	ControlTimeSyncRequest  ControlType = 0
	ControlTimeSyncResponse ControlType = 1
	ControlClose            ControlType = 2
)

func (c ControlType) String() string {
	switch c {
	case ControlTimeSyncRequest:
		return "TIMESYNC_REQ"
	case ControlTimeSyncResponse:
		return "TIMESYNC_RESP"
	case ControlClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures an error.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Context string `cbor:"3,keyasint,omitempty"`
}
