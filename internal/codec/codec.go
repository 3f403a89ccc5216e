package codec

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrUnknownType means no codec is registered for a tag.
	ErrUnknownType = errors.New("codec: unknown type")
	// ErrDuplicateType means a tag is already registered.
	ErrDuplicateType = errors.New("codec: type already registered")
	// ErrTypeMismatch means a value does not match the codec it was handed to.
	ErrTypeMismatch = errors.New("codec: value type mismatch")
	// ErrMalformed means the encoded bytes could not be decoded.
	ErrMalformed = errors.New("codec: malformed value")
	// ErrReservedType means a tag below FirstUserType was registered.
	ErrReservedType = errors.New("codec: type tag reserved")
	// ErrNotComplex means the tag is registered but has no internalize/externalize path.
	ErrNotComplex = errors.New("codec: type is not complex")
)

// Codec writes and reads the values of a single type.
type Codec interface {
	Type() Type
	// Append encodes v onto b.
	Append(b []byte, v Value) ([]byte, error)
	// Consume decodes one value from the front of b and reports how many
	// bytes it used.
	Consume(b []byte) (Value, int, error)
}

// ComplexCodec translates between a caller-facing representation and the
// immutable value stored in the table.
type ComplexCodec interface {
	Codec
	// Internalize converts external into a stored value. prior is the
	// currently stored value, or the zero Value when there is none.
	Internalize(prior Value, external any) (Value, error)
	// Externalize copies stored into target.
	Externalize(stored Value, target any) error
}

func mismatch(want Type, v Value) error {
	return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, want, v.Type())
}

func malformed(n int) error {
	return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
}

type booleanCodec struct{}

func (booleanCodec) Type() Type { return TypeBoolean }

func (booleanCodec) Append(b []byte, v Value) ([]byte, error) {
	x, ok := v.AsBoolean()
	if !ok {
		return b, mismatch(TypeBoolean, v)
	}
	return protowire.AppendVarint(b, protowire.EncodeBool(x)), nil
}

func (booleanCodec) Consume(b []byte) (Value, int, error) {
	x, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return Value{}, 0, malformed(n)
	}
	return Boolean(protowire.DecodeBool(x)), n, nil
}

type doubleCodec struct{}

func (doubleCodec) Type() Type { return TypeDouble }

func (doubleCodec) Append(b []byte, v Value) ([]byte, error) {
	x, ok := v.AsDouble()
	if !ok {
		return b, mismatch(TypeDouble, v)
	}
	return protowire.AppendFixed64(b, math.Float64bits(x)), nil
}

func (doubleCodec) Consume(b []byte) (Value, int, error) {
	x, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return Value{}, 0, malformed(n)
	}
	return Double(math.Float64frombits(x)), n, nil
}

type stringCodec struct{}

func (stringCodec) Type() Type { return TypeString }

func (stringCodec) Append(b []byte, v Value) ([]byte, error) {
	x, ok := v.AsString()
	if !ok {
		return b, mismatch(TypeString, v)
	}
	return protowire.AppendString(b, x), nil
}

func (stringCodec) Consume(b []byte) (Value, int, error) {
	x, n := protowire.ConsumeString(b)
	if n < 0 {
		return Value{}, 0, malformed(n)
	}
	return String(x), n, nil
}

type rawCodec struct{}

func (rawCodec) Type() Type { return TypeRaw }

func (rawCodec) Append(b []byte, v Value) ([]byte, error) {
	if v.Type() != TypeRaw {
		return b, mismatch(TypeRaw, v)
	}
	x, _ := v.Data().([]byte)
	return protowire.AppendBytes(b, x), nil
}

func (rawCodec) Consume(b []byte) (Value, int, error) {
	x, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return Value{}, 0, malformed(n)
	}
	// Raw copies, so the result never aliases the read buffer.
	return Raw(x), n, nil
}
