package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindInteger ValueKind = iota + 1
	KindDouble
	KindString
	KindBlob
)

func (k ValueKind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindBlob:
		return "blob"
	default:
		return "invalid"
	}
}

// MarshalText renders the kind by name.
func (k ValueKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Value is a tagged union of the metric value types a source can report.
// The zero Value is invalid.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    []byte
}

// IntValue wraps an integer value.
func IntValue(v int64) Value { return Value{kind: KindInteger, i: v} }

// FloatValue wraps a floating point value.
func FloatValue(v float64) Value { return Value{kind: KindDouble, f: v} }

// StringValue wraps a string value.
func StringValue(v string) Value { return Value{kind: KindString, s: v} }

// BlobValue wraps a copy of raw bytes.
func BlobValue(v []byte) Value {
	return Value{kind: KindBlob, b: append([]byte(nil), v...)}
}

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsValid reports whether the value holds any variant.
func (v Value) IsValid() bool { return v.kind != 0 }

// Int returns the integer payload.
func (v Value) Int() (int64, bool) {
	if v.kind != KindInteger {
		return 0, false
	}
	return v.i, true
}

// Float returns the value as float64 for either numeric variant.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindInteger:
		return float64(v.i), true
	case KindDouble:
		return v.f, true
	default:
		return 0, false
	}
}

// Str returns the string payload.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Blob returns a copy of the blob payload.
func (v Value) Blob() ([]byte, bool) {
	if v.kind != KindBlob {
		return nil, false
	}
	return append([]byte(nil), v.b...), true
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInteger:
		return v.i == o.i
	case KindDouble:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBlob:
		return string(v.b) == string(o.b)
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBlob:
		return fmt.Sprintf("blob[%d]", len(v.b))
	default:
		return "<invalid>"
	}
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindInteger:
		payload = v.i
	case KindDouble:
		payload = v.f
	case KindString:
		payload = v.s
	case KindBlob:
		payload = v.b
	}
	return json.Marshal(struct {
		Kind  ValueKind `json:"kind"`
		Value any       `json:"value"`
	}{Kind: v.kind, Value: payload})
}
