package codec

import (
	"bytes"
	"fmt"
	"math"
	"reflect"

	"golang.org/x/exp/slices"
)

// Type is the one-byte tag that selects the codec for a value.
type Type byte

const (
	TypeBoolean      Type = 0x00
	TypeDouble       Type = 0x01
	TypeString       Type = 0x02
	TypeRaw          Type = 0x03
	TypeBooleanArray Type = 0x10
	TypeDoubleArray  Type = 0x11
	TypeStringArray  Type = 0x12
)

func (t Type) String() string {
	switch t {
	case TypeBoolean:
		return "boolean"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeRaw:
		return "raw"
	case TypeBooleanArray:
		return "boolean[]"
	case TypeDoubleArray:
		return "double[]"
	case TypeStringArray:
		return "string[]"
	default:
		return fmt.Sprintf("type(0x%02x)", byte(t))
	}
}

// Value is a tagged payload. The zero Value carries no data and is
// never stored in a table.
//
// Slices passed to the constructors are copied, and the accessors
// return copies, so a Value can be shared between goroutines.
type Value struct {
	typ  Type
	data any
}

// Boolean wraps v.
func Boolean(v bool) Value {
	return Value{typ: TypeBoolean, data: v}
}

// Double wraps v.
func Double(v float64) Value {
	return Value{typ: TypeDouble, data: v}
}

// String wraps v.
func String(v string) Value {
	return Value{typ: TypeString, data: v}
}

// Raw wraps a copy of v.
func Raw(v []byte) Value {
	return Value{typ: TypeRaw, data: bytes.Clone(nonNil(v))}
}

// BooleanArray wraps a copy of v.
func BooleanArray(v []bool) Value {
	return Value{typ: TypeBooleanArray, data: slices.Clone(nonNil(v))}
}

// DoubleArray wraps a copy of v.
func DoubleArray(v []float64) Value {
	return Value{typ: TypeDoubleArray, data: slices.Clone(nonNil(v))}
}

// StringArray wraps a copy of v.
func StringArray(v []string) Value {
	return Value{typ: TypeStringArray, data: slices.Clone(nonNil(v))}
}

// Complex wraps data produced by a registered complex codec. The codec
// owns data: it must treat it as immutable once wrapped.
func Complex(t Type, data any) Value {
	return Value{typ: t, data: data}
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// Type returns the value's type tag.
func (v Value) Type() Type {
	return v.typ
}

// IsZero reports whether v carries no payload.
func (v Value) IsZero() bool {
	return v.data == nil
}

// Data returns the payload as stored. Callers must not modify it.
func (v Value) Data() any {
	return v.data
}

// AsBoolean returns the boolean and whether v holds one.
func (v Value) AsBoolean() (bool, bool) {
	b, ok := v.data.(bool)
	return b, ok && v.typ == TypeBoolean
}

// AsDouble returns the double and whether v holds one.
func (v Value) AsDouble() (float64, bool) {
	f, ok := v.data.(float64)
	return f, ok && v.typ == TypeDouble
}

// AsString returns the string and whether v holds one.
func (v Value) AsString() (string, bool) {
	s, ok := v.data.(string)
	return s, ok && v.typ == TypeString
}

// AsRaw returns a copy of the bytes and whether v holds them.
func (v Value) AsRaw() ([]byte, bool) {
	b, ok := v.data.([]byte)
	if !ok || v.typ != TypeRaw {
		return nil, false
	}
	return bytes.Clone(b), true
}

// AsBooleanArray returns a copy of the array and whether v holds one.
func (v Value) AsBooleanArray() ([]bool, bool) {
	a, ok := v.data.([]bool)
	if !ok || v.typ != TypeBooleanArray {
		return nil, false
	}
	return slices.Clone(a), true
}

// AsDoubleArray returns a copy of the array and whether v holds one.
func (v Value) AsDoubleArray() ([]float64, bool) {
	a, ok := v.data.([]float64)
	if !ok || v.typ != TypeDoubleArray {
		return nil, false
	}
	return slices.Clone(a), true
}

// AsStringArray returns a copy of the array and whether v holds one.
func (v Value) AsStringArray() ([]string, bool) {
	a, ok := v.data.([]string)
	if !ok || v.typ != TypeStringArray {
		return nil, false
	}
	return slices.Clone(a), true
}

// Equal reports deep equality, element-wise for arrays. Doubles compare
// by bit pattern, so NaN equals itself and -0 differs from 0.
func (v Value) Equal(other Value) bool {
	if v.typ != other.typ {
		return false
	}
	switch a := v.data.(type) {
	case nil:
		return other.data == nil
	case float64:
		b, ok := other.data.(float64)
		return ok && sameDouble(a, b)
	case bool, string:
		return v.data == other.data
	case []byte:
		b, ok := other.data.([]byte)
		return ok && bytes.Equal(a, b)
	case []bool:
		b, ok := other.data.([]bool)
		return ok && slices.Equal(a, b)
	case []float64:
		b, ok := other.data.([]float64)
		return ok && slices.EqualFunc(a, b, sameDouble)
	case []string:
		b, ok := other.data.([]string)
		return ok && slices.Equal(a, b)
	case []Value:
		b, ok := other.data.([]Value)
		return ok && slices.EqualFunc(a, b, Value.Equal)
	default:
		return reflect.DeepEqual(v.data, other.data)
	}
}

func sameDouble(a, b float64) bool {
	return math.Float64bits(a) == math.Float64bits(b)
}

func (v Value) String() string {
	if v.data == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s(%v)", v.typ, v.data)
}
