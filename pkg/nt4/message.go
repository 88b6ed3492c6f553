package nt4

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ntsync/ntsync-go/pkg/topic"
)

// Text-frame methods.
const (
	MethodPublish     = "publish"
	MethodUnpublish   = "unpublish"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodSetProps    = "setproperties"
	MethodAnnounce    = "announce"
	MethodUnannounce  = "unannounce"
	MethodProperties  = "properties"
)

// Binary-frame data type indices.
const (
	TypeBoolean int = 0
	TypeDouble  int = 1
	TypeInt     int = 2
	TypeFloat   int = 3
	TypeString  int = 4
)

// TimeSyncID is the topic id used for time synchronization.
const TimeSyncID int64 = -1

// Type strings used in publish and announce messages.
const (
	TypeNameBoolean = "boolean"
	TypeNameDouble  = "double"
	TypeNameInt     = "int"
	TypeNameFloat   = "float"
	TypeNameString  = "string"
)

// textMessage is one element of a text frame.
type textMessage struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type publishParams struct {
	Name       string         `json:"name"`
	PubUID     int64          `json:"pubuid"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

type unpublishParams struct {
	PubUID int64 `json:"pubuid"`
}

type subscribeParams struct {
	Topics  []string         `json:"topics"`
	SubUID  int64            `json:"subuid"`
	Options subscribeOptions `json:"options"`
}

type subscribeOptions struct {
	Periodic   float64 `json:"periodic,omitempty"`
	All        bool    `json:"all,omitempty"`
	TopicsOnly bool    `json:"topicsonly,omitempty"`
	Prefix     bool    `json:"prefix,omitempty"`
}

type unsubscribeParams struct {
	SubUID int64 `json:"subuid"`
}

type announceParams struct {
	Name       string         `json:"name"`
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	PubUID     *int64         `json:"pubuid,omitempty"`
	Properties map[string]any `json:"properties"`
}

type unannounceParams struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

type propertiesParams struct {
	Name   string         `json:"name"`
	Ack    bool           `json:"ack,omitempty"`
	Update map[string]any `json:"update"`
}

// encodeText builds a text frame holding a single message.
func encodeText(method string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]textMessage{{Method: method, Params: raw}})
}

// decodeText splits a text frame into its messages.
func decodeText(data []byte) ([]textMessage, error) {
	var msgs []textMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("missing params")
	}
	return json.Unmarshal(raw, v)
}

// typeName returns the announce/publish type string for a value kind.
func typeName(k topic.Kind) (string, error) {
	switch k {
	case topic.KindBoolean:
		return TypeNameBoolean, nil
	case topic.KindNumber:
		return TypeNameDouble, nil
	case topic.KindString:
		return TypeNameString, nil
	default:
		return "", fmt.Errorf("%w: kind %s", topic.ErrUnsupportedValue, k)
	}
}

// typeIndex returns the binary type index for a value kind.
func typeIndex(k topic.Kind) int {
	switch k {
	case topic.KindBoolean:
		return TypeBoolean
	case topic.KindString:
		return TypeString
	default:
		return TypeDouble
	}
}
