package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ntsync/ntsync-go/pkg/topic"
)

// EventMessageID is reserved for events.
const EventMessageID uint32 = 0

// Request is a command from a UI process.
//
// CBOR encoding:
//
//	{
//	  1: messageId,  // uint32, non-zero
//	  2: op,         // uint8
//	  3: address,    // text, Connect only
//	  4: topic,      // text
//	  5: value,      // bool | float | text, Write only
//	  6: handle      // uint64, Unsubscribe / Unlisten
//	}
type Request struct {
	MessageID uint32 `cbor:"1,keyasint"`
	Op        Op     `cbor:"2,keyasint"`
	Address   string `cbor:"3,keyasint,omitempty"`
	Topic     string `cbor:"4,keyasint,omitempty"`
	Value     any    `cbor:"5,keyasint,omitempty"`
	Handle    uint64 `cbor:"6,keyasint,omitempty"`
}

// Validate checks that the request carries the fields its op needs.
func (r *Request) Validate() error {
	if r.MessageID == EventMessageID {
		return errors.New("messageId 0 is reserved for events")
	}
	if !r.Op.IsValid() {
		return fmt.Errorf("invalid op: %d", r.Op)
	}
	switch r.Op {
	case OpConnect:
		if r.Address == "" {
			return errors.New("connect requires an address")
		}
	case OpSubscribe, OpGet:
		if r.Topic == "" {
			return fmt.Errorf("%s requires a topic", r.Op)
		}
	case OpWrite:
		if r.Topic == "" {
			return errors.New("write requires a topic")
		}
		if r.Value == nil {
			return errors.New("write requires a value")
		}
	case OpUnsubscribe:
		if r.Topic == "" && r.Handle == 0 {
			return errors.New("unsubscribe requires a topic or handle")
		}
	case OpUnlisten:
		if r.Handle == 0 {
			return errors.New("unlisten requires a handle")
		}
	}
	return nil
}

// Response answers a Request with the same message ID.
//
// CBOR encoding:
//
//	{
//	  1: messageId,  // uint32
//	  2: status,     // uint8
//	  3: payload,    // op-specific, success only
//	  4: error       // text, failures only
//	}
type Response struct {
	MessageID uint32          `cbor:"1,keyasint"`
	Status    Status          `cbor:"2,keyasint"`
	Payload   cbor.RawMessage `cbor:"3,keyasint,omitempty"`
	Error     string          `cbor:"4,keyasint,omitempty"`
}

// NewResponse builds a successful response carrying payload (may be nil).
func NewResponse(id uint32, payload any) (*Response, error) {
	resp := &Response{MessageID: id, Status: StatusSuccess}
	if payload != nil {
		raw, err := Marshal(payload)
		if err != nil {
			return nil, err
		}
		resp.Payload = raw
	}
	return resp, nil
}

// NewErrorResponse builds a failed response.
func NewErrorResponse(id uint32, status Status, err error) *Response {
	resp := &Response{MessageID: id, Status: status}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// IsSuccess reports whether the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status.IsSuccess()
}

// Err returns nil on success, or a *StatusError.
func (r *Response) Err() error {
	if r.IsSuccess() {
		return nil
	}
	return &StatusError{Status: r.Status, Message: r.Error}
}

// DecodePayload decodes the payload into v. An absent payload leaves v
// untouched.
func (r *Response) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return Unmarshal(r.Payload, v)
}

// StatusError is a failed response seen from the client.
type StatusError struct {
	Status  Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// SubscribePayload is the response payload for OpSubscribe.
type SubscribePayload struct {
	Handle uint64 `cbor:"1,keyasint"`
}

// UnsubscribePayload is the response payload for OpUnsubscribe.
type UnsubscribePayload struct {
	Released bool `cbor:"1,keyasint"`
}

// ListenPayload is the response payload for OpListen.
type ListenPayload struct {
	Listener uint64 `cbor:"1,keyasint"`
}

// GetPayload is the response payload for OpGet.
type GetPayload struct {
	Found     bool   `cbor:"1,keyasint"`
	Value     any    `cbor:"2,keyasint,omitempty"`
	Timestamp int64  `cbor:"3,keyasint,omitempty"`
	Origin    string `cbor:"4,keyasint,omitempty"`
}

// EventKind identifies the event stream.
type EventKind uint8

const (
	EventValueChanged      EventKind = 1
	EventConnectionChanged EventKind = 2
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventValueChanged:
		return "ValueChanged"
	case EventConnectionChanged:
		return "ConnectionChanged"
	default:
		return "Unknown"
	}
}

// Event is pushed to a UI process for one of its listeners.
//
// CBOR encoding:
//
//	{
//	  1: 0,          // messageId 0 = event
//	  2: kind,       // uint8
//	  3: topic,      // text, ValueChanged
//	  4: value,      // ValueChanged
//	  5: timestamp,  // int, µs server time, ValueChanged
//	  6: connected,  // bool, ConnectionChanged
//	  7: listener,   // uint64, the Listen handle
//	  8: state       // text, ConnectionChanged
//	}
type Event struct {
	Kind      EventKind `cbor:"2,keyasint"`
	Topic     string    `cbor:"3,keyasint,omitempty"`
	Value     any       `cbor:"4,keyasint,omitempty"`
	Timestamp int64     `cbor:"5,keyasint,omitempty"`
	Connected bool      `cbor:"6,keyasint,omitempty"`
	Listener  uint64    `cbor:"7,keyasint,omitempty"`
	State     string    `cbor:"8,keyasint,omitempty"`
}

// ValueOf converts a decoded CBOR value into a topic value. CBOR integers
// decode as int64 or uint64 and widen to numbers.
func ValueOf(raw any) (topic.Value, error) {
	return topic.ValueOf(raw)
}

// FromValue returns the CBOR representation of v.
func FromValue(v topic.Value) any {
	return v.Interface()
}
