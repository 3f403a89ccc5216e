package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxArrayLen bounds the element count accepted on decode so a corrupt
// length cannot trigger a huge allocation.
const MaxArrayLen = 1 << 16

// ArrayCodec encodes a count followed by each element through an element
// codec.
type ArrayCodec struct {
	typ   Type
	elem  Codec
	split func(Value) ([]Value, bool)
	join  func([]Value) (Value, error)
}

// NewArrayCodec returns a codec for t whose values hold a []Value of
// elements handled by elem. Build values for it with Complex(t, elems).
func NewArrayCodec(t Type, elem Codec) *ArrayCodec {
	return &ArrayCodec{
		typ:  t,
		elem: elem,
		split: func(v Value) ([]Value, bool) {
			elems, ok := v.Data().([]Value)
			return elems, ok
		},
		join: func(elems []Value) (Value, error) {
			return Complex(t, elems), nil
		},
	}
}

func (c *ArrayCodec) Type() Type { return c.typ }

// Elem returns the element codec.
func (c *ArrayCodec) Elem() Codec { return c.elem }

func (c *ArrayCodec) Append(b []byte, v Value) ([]byte, error) {
	if v.Type() != c.typ {
		return b, mismatch(c.typ, v)
	}
	elems, ok := c.split(v)
	if !ok {
		return b, mismatch(c.typ, v)
	}
	b = protowire.AppendVarint(b, uint64(len(elems)))
	var err error
	for i, elem := range elems {
		b, err = c.elem.Append(b, elem)
		if err != nil {
			return b, fmt.Errorf("codec: %s element %d: %w", c.typ, i, err)
		}
	}
	return b, nil
}

func (c *ArrayCodec) Consume(b []byte) (Value, int, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return Value{}, 0, malformed(n)
	}
	if count > MaxArrayLen {
		return Value{}, 0, fmt.Errorf("%w: %s length %d", ErrMalformed, c.typ, count)
	}
	elems := make([]Value, 0, count)
	for i := uint64(0); i < count; i++ {
		elem, m, err := c.elem.Consume(b[n:])
		if err != nil {
			return Value{}, 0, err
		}
		elems = append(elems, elem)
		n += m
	}
	v, err := c.join(elems)
	if err != nil {
		return Value{}, 0, err
	}
	return v, n, nil
}

func builtinArray[T any](t Type, elem Codec, wrap func([]T) Value, unwrap func(Value) (T, bool)) *ArrayCodec {
	return &ArrayCodec{
		typ:  t,
		elem: elem,
		split: func(v Value) ([]Value, bool) {
			items, ok := v.Data().([]T)
			if !ok {
				return nil, false
			}
			elems := make([]Value, len(items))
			for i, item := range items {
				elems[i] = Value{typ: elem.Type(), data: item}
			}
			return elems, true
		},
		join: func(elems []Value) (Value, error) {
			items := make([]T, len(elems))
			for i, v := range elems {
				item, ok := unwrap(v)
				if !ok {
					return Value{}, mismatch(elem.Type(), v)
				}
				items[i] = item
			}
			return wrap(items), nil
		},
	}
}

func booleanArrayCodec() *ArrayCodec {
	return builtinArray(TypeBooleanArray, booleanCodec{}, BooleanArray, Value.AsBoolean)
}

func doubleArrayCodec() *ArrayCodec {
	return builtinArray(TypeDoubleArray, doubleCodec{}, DoubleArray, Value.AsDouble)
}

func stringArrayCodec() *ArrayCodec {
	return builtinArray(TypeStringArray, stringCodec{}, StringArray, Value.AsString)
}
