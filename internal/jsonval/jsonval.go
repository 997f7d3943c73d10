// Package jsonval implements a tagged dynamic-JSON variant used anywhere the
// scheduler stores caller-supplied JSON verbatim: endpoint headers/bodies,
// run response bodies, and AI tool-call traces.
package jsonval

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies the concrete type held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a tagged union over the JSON data model. Only one of the typed
// fields is meaningful for a given Kind.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value                   { return Value{kind: KindNull} }
func Bool(b bool) Value             { return Value{kind: KindBool, b: b} }
func Number(n float64) Value        { return Value{kind: KindNumber, n: n} }
func String(s string) Value         { return Value{kind: KindString, s: s} }
func Array(vs []Value) Value        { return Value{kind: KindArray, arr: vs} }
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNull() bool     { return v.kind == KindNull }
func (v Value) Bool() bool       { return v.b }
func (v Value) Number() float64  { return v.n }
func (v Value) String() string   { return v.s }
func (v Value) Array() []Value   { return v.arr }
func (v Value) Object() map[string]Value { return v.obj }

// Get returns the field of an object Value, or Null if absent or not an object.
func (v Value) Get(key string) Value {
	if v.kind != KindObject {
		return Null()
	}
	if val, ok := v.obj[key]; ok {
		return val
	}
	return Null()
}

// MarshalJSON encodes the Value using its concrete representation.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		return json.Marshal(v.arr)
	case KindObject:
		return json.Marshal(v.obj)
	default:
		return nil, fmt.Errorf("jsonval: unknown kind %d", v.kind)
	}
}

// UnmarshalJSON decodes arbitrary JSON into the tagged variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case json.Number:
		f, _ := t.Float64()
		return Number(f)
	case float64:
		return Number(t)
	case string:
		return String(t)
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = fromAny(e)
		}
		return Array(out)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = fromAny(e)
		}
		return Object(out)
	default:
		return Null()
	}
}

// Parse decodes a raw JSON document into a Value. An empty or nil input
// decodes to Null rather than an error, matching the optional nature of
// headersJson/bodyJson/responseBody across the data model.
func Parse(data []byte) (Value, error) {
	if len(data) == 0 {
		return Null(), nil
	}
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, fmt.Errorf("jsonval: parse: %w", err)
	}
	return v, nil
}

// Encode serializes a Value back to compact JSON bytes.
func Encode(v Value) ([]byte, error) {
	return json.Marshal(v)
}

// StringMap converts a plain string→string map (e.g. HTTP headers) to an
// object Value.
func StringMap(m map[string]string) Value {
	obj := make(map[string]Value, len(m))
	for k, val := range m {
		obj[k] = String(val)
	}
	return Object(obj)
}

// ToStringMap extracts a string→string map from an object Value, skipping
// any non-string field.
func (v Value) ToStringMap() map[string]string {
	out := map[string]string{}
	if v.kind != KindObject {
		return out
	}
	for k, val := range v.obj {
		if val.kind == KindString {
			out[k] = val.s
		}
	}
	return out
}
