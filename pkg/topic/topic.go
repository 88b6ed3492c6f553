// Package topic defines the data model shared by every layer of the sync
// engine: topic names, typed values and cached entries.
//
// A value is exactly one of boolean, number or string. Numbers are always
// carried as float64; integer inputs are widened on the way in.
package topic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Model errors.
var (
	ErrInvalidName      = errors.New("invalid topic name")
	ErrTypeMismatch     = errors.New("topic value type mismatch")
	ErrUnsupportedValue = errors.New("unsupported topic value")
)

// Name identifies a topic, e.g. "/SmartDashboard/Speed".
type Name string

// ParseName validates s as a topic name.
func ParseName(s string) (Name, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return Name(s), nil
}

// String returns the name as a plain string.
func (n Name) String() string { return string(n) }

// Kind is the value type of a topic.
type Kind uint8

const (
	// KindNone is the kind of the zero Value.
	KindNone Kind = iota
	KindBoolean
	KindNumber
	KindString
)

// String returns the NetworkTables type string for the kind.
func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindNumber:
		return "double"
	case KindString:
		return "string"
	default:
		return "none"
	}
}

// Value is a tagged topic value.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
}

// BoolValue returns a boolean value.
func BoolValue(v bool) Value { return Value{kind: KindBoolean, b: v} }

// NumberValue returns a numeric value.
func NumberValue(v float64) Value { return Value{kind: KindNumber, n: v} }

// StringValue returns a string value.
func StringValue(v string) Value { return Value{kind: KindString, s: v} }

// ValueOf converts a Go value into a Value. Every integer and float kind
// becomes a number.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		if x.kind == KindNone {
			return Value{}, fmt.Errorf("%w: empty value", ErrUnsupportedValue)
		}
		return x, nil
	case bool:
		return BoolValue(x), nil
	case string:
		return StringValue(x), nil
	case float64:
		return NumberValue(x), nil
	case float32:
		return NumberValue(float64(x)), nil
	case int:
		return NumberValue(float64(x)), nil
	case int8:
		return NumberValue(float64(x)), nil
	case int16:
		return NumberValue(float64(x)), nil
	case int32:
		return NumberValue(float64(x)), nil
	case int64:
		return NumberValue(float64(x)), nil
	case uint:
		return NumberValue(float64(x)), nil
	case uint8:
		return NumberValue(float64(x)), nil
	case uint16:
		return NumberValue(float64(x)), nil
	case uint32:
		return NumberValue(float64(x)), nil
	case uint64:
		return NumberValue(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return NumberValue(f), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v holds no value.
func (v Value) IsZero() bool { return v.kind == KindNone }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBoolean }

// AsNumber returns the numeric payload.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Interface returns the payload as bool, float64 or string, or nil for the
// zero Value.
func (v Value) Interface() any {
	switch v.kind {
	case KindBoolean:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBoolean:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	default:
		return "<none>"
	}
}

// MarshalJSON encodes the payload as a plain JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes a JSON boolean, number or string.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// CheckKind returns ErrTypeMismatch when next cannot replace prev. A zero
// prev accepts any kind.
func CheckKind(prev, next Value) error {
	if prev.kind == KindNone || prev.kind == next.kind {
		return nil
	}
	return fmt.Errorf("%w: have %s, got %s", ErrTypeMismatch, prev.kind, next.kind)
}

// Origin records where the current cached value came from.
type Origin uint8

const (
	// OriginRemote marks values pushed by the server.
	OriginRemote Origin = iota
	// OriginLocal marks optimistic local writes.
	OriginLocal
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Entry is the cached state of one topic. Timestamps are microseconds in
// the server's time base.
type Entry struct {
	Value     Value
	Timestamp int64
	Origin    Origin
}
