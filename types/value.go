package types

import (
	"encoding/json"
	"fmt"
)

// ValueKind tags a value crossing the protocol boundary.
type ValueKind string

const (
	ValueNull      ValueKind = "null"      // nil reference
	ValuePrimitive ValueKind = "primitive" // inline bytes, JSON-encoded
	ValueTypeRef   ValueKind = "typeref"   // a type name, no instance
	ValueRemote    ValueKind = "remote"    // pinned address in the target
)

// Value is the wire encoding of one parameter or result. Primitive values
// carry their bytes inline; reference values carry a pinned address that the
// sender guarantees stays resolvable until released.
type Value struct {
	Kind    ValueKind       `json:"kind"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Address uint64          `json:"address,omitempty"`
}

// Null is the encoding of a nil reference.
func Null() Value {
	return Value{Kind: ValueNull}
}

// TypeRef encodes a bare type name, used where an operation needs a type but
// no instance (static access, generic hints).
func TypeRef(name string) Value {
	return Value{Kind: ValueTypeRef, Type: name}
}

// Remote encodes a pinned address with its last-known type name.
func Remote(addr uint64, typeName string) Value {
	return Value{Kind: ValueRemote, Type: typeName, Address: addr}
}

// Primitive encodes an inline Go value. Only JSON-representable primitives
// (bool, integers, floats, string) are accepted.
func Primitive(v any) (Value, error) {
	switch v.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
	default:
		return Value{}, fmt.Errorf("not a primitive: %T", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("failed to encode primitive: %v", err)
	}
	return Value{Kind: ValuePrimitive, Type: fmt.Sprintf("%T", v), Data: data}, nil
}

// IsPrimitive reports whether v would encode inline rather than by address.
func IsPrimitive(v any) bool {
	_, err := Primitive(v)
	return err == nil
}

// Decode materializes a primitive Value back into a Go value. Numeric types
// come back as their declared type where the tag names one, otherwise as
// float64 per JSON convention.
func (v Value) Decode() (any, error) {
	switch v.Kind {
	case ValueNull:
		return nil, nil
	case ValueTypeRef:
		return v.Type, nil
	case ValuePrimitive:
		return decodePrimitive(v.Type, v.Data)
	default:
		return nil, fmt.Errorf("cannot decode %s value inline", v.Kind)
	}
}

func decodePrimitive(typeName string, data json.RawMessage) (any, error) {
	var out any
	var err error
	switch typeName {
	case "bool":
		var x bool
		err = json.Unmarshal(data, &x)
		out = x
	case "string":
		var x string
		err = json.Unmarshal(data, &x)
		out = x
	case "int":
		var x int
		err = json.Unmarshal(data, &x)
		out = x
	case "int8":
		var x int8
		err = json.Unmarshal(data, &x)
		out = x
	case "int16":
		var x int16
		err = json.Unmarshal(data, &x)
		out = x
	case "int32":
		var x int32
		err = json.Unmarshal(data, &x)
		out = x
	case "int64":
		var x int64
		err = json.Unmarshal(data, &x)
		out = x
	case "uint":
		var x uint
		err = json.Unmarshal(data, &x)
		out = x
	case "uint8":
		var x uint8
		err = json.Unmarshal(data, &x)
		out = x
	case "uint16":
		var x uint16
		err = json.Unmarshal(data, &x)
		out = x
	case "uint32":
		var x uint32
		err = json.Unmarshal(data, &x)
		out = x
	case "uint64":
		var x uint64
		err = json.Unmarshal(data, &x)
		out = x
	case "float32":
		var x float32
		err = json.Unmarshal(data, &x)
		out = x
	case "float64", "":
		var x float64
		err = json.Unmarshal(data, &x)
		out = x
	default:
		return nil, fmt.Errorf("unknown primitive type %q", typeName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %v", typeName, err)
	}
	return out, nil
}
