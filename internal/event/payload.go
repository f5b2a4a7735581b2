package event

import (
	"fmt"
	"time"
)

// Payload is the wire representation of an event: a plain keyed map. Services
// construct payloads as literals; the bus stamps a "timestamp" field
// (monotonic nanoseconds) on emit when the producer did not set one.
//
// Accessors tolerate missing keys and wrong types by returning the zero value,
// matching the loose-schema contract of the bus. Use [Require] at service
// boundaries where a field is mandatory.
type Payload map[string]any

// String returns the string value at key, or "" when absent or not a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Bool returns the bool value at key, or false when absent or not a bool.
func (p Payload) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Int returns the integer value at key. JSON round-trips turn numbers into
// float64, so both int and float64 representations are accepted.
func (p Payload) Int(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Float64 returns the float value at key, accepting int representations.
func (p Payload) Float64(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Bytes returns the []byte value at key, or nil.
func (p Payload) Bytes(key string) []byte {
	b, _ := p[key].([]byte)
	return b
}

// Map returns the nested Payload at key, or nil. Both Payload and plain
// map[string]any values are accepted.
func (p Payload) Map(key string) Payload {
	switch v := p[key].(type) {
	case Payload:
		return v
	case map[string]any:
		return Payload(v)
	}
	return nil
}

// Strings returns the []string value at key. []any slices holding strings are
// converted; other values yield nil.
func (p Payload) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Has reports whether key is present.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Clone returns a shallow copy of p. Nil payloads clone to an empty map so
// the result is always safe to mutate.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Stamp sets the "timestamp" field to the current monotonic reading in
// nanoseconds when it is not already present, and returns p.
func (p Payload) Stamp() Payload {
	if !p.Has("timestamp") {
		p["timestamp"] = time.Now().UnixNano()
	}
	return p
}

// Require verifies that every named field is present in p. It returns a
// [KernelError] with kind [KindDispatchInvalidPayload] naming the first
// missing field, or nil when all are present.
func Require(p Payload, fields ...string) error {
	for _, f := range fields {
		if !p.Has(f) {
			return &KernelError{
				Kind: KindDispatchInvalidPayload,
				Err:  fmt.Errorf("missing required field %q", f),
			}
		}
	}
	return nil
}
