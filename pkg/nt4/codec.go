package nt4

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ntsync/ntsync-go/pkg/topic"
)

// valueMessage is one element of a binary frame: [id, timestamp, type, value].
type valueMessage struct {
	ID        int64
	Timestamp int64
	Type      int
	Value     any
}

// encodeValues packs messages into one binary frame.
func encodeValues(msgs ...valueMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.EncodeArrayLen(4); err != nil {
			return nil, err
		}
		if err := enc.EncodeInt(m.ID); err != nil {
			return nil, err
		}
		if err := enc.EncodeInt(m.Timestamp); err != nil {
			return nil, err
		}
		if err := enc.EncodeInt(int64(m.Type)); err != nil {
			return nil, err
		}
		if err := encodePayload(enc, m.Type, m.Value); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodePayload(enc *msgpack.Encoder, typ int, v any) error {
	switch typ {
	case TypeDouble:
		if f, ok := v.(float64); ok {
			return enc.EncodeFloat64(f)
		}
	case TypeFloat:
		if f, ok := v.(float32); ok {
			return enc.EncodeFloat32(f)
		}
	case TypeInt:
		if n, ok := v.(int64); ok {
			return enc.EncodeInt(n)
		}
	}
	return enc.Encode(v)
}

// decodeValues unpacks a binary frame. Messages decoded before a malformed
// element are returned together with the error.
func decodeValues(data []byte) ([]valueMessage, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	var out []valueMessage
	for {
		n, err := dec.DecodeArrayLen()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		if n != 4 {
			return out, fmt.Errorf("value message has %d elements, want 4", n)
		}

		var m valueMessage
		if m.ID, err = dec.DecodeInt64(); err != nil {
			return out, fmt.Errorf("topic id: %w", err)
		}
		if m.Timestamp, err = dec.DecodeInt64(); err != nil {
			return out, fmt.Errorf("timestamp: %w", err)
		}
		if m.Type, err = dec.DecodeInt(); err != nil {
			return out, fmt.Errorf("type: %w", err)
		}
		if m.Value, err = dec.DecodeInterfaceLoose(); err != nil {
			return out, fmt.Errorf("value: %w", err)
		}
		out = append(out, m)
	}
}

// toValue converts a decoded payload. ok is false for data types the cache
// does not model (arrays, raw, etc.).
func toValue(typ int, raw any) (v topic.Value, ok bool, err error) {
	switch typ {
	case TypeBoolean:
		b, isBool := raw.(bool)
		if !isBool {
			return topic.Value{}, false, fmt.Errorf("boolean payload is %T", raw)
		}
		return topic.BoolValue(b), true, nil
	case TypeDouble, TypeFloat, TypeInt:
		switch raw.(type) {
		case float64, float32, int64, uint64:
			v, err = topic.ValueOf(raw)
			return v, err == nil, err
		default:
			return topic.Value{}, false, fmt.Errorf("numeric payload is %T", raw)
		}
	case TypeString:
		s, isString := raw.(string)
		if !isString {
			return topic.Value{}, false, fmt.Errorf("string payload is %T", raw)
		}
		return topic.StringValue(s), true, nil
	default:
		return topic.Value{}, false, nil
	}
}

// fromValue returns the binary type index and payload for a value.
func fromValue(v topic.Value) (int, any) {
	return typeIndex(v.Kind()), v.Interface()
}
