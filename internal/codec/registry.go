package codec

import (
	"fmt"
	"sync"
)

// Registry maps type tags to codecs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[Type]Codec
}

// NewRegistry returns a registry preloaded with the scalar and array
// codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[Type]Codec)}
	for _, c := range []Codec{
		booleanCodec{},
		doubleCodec{},
		stringCodec{},
		rawCodec{},
		booleanArrayCodec(),
		doubleArrayCodec(),
		stringArrayCodec(),
	} {
		r.codecs[c.Type()] = c
	}
	return r
}

// FirstUserType is the lowest tag Register accepts. Lower tags belong to
// the built-in types.
const FirstUserType Type = 0x20

// Register adds c under its tag. Tags cannot be replaced.
func (r *Registry) Register(c Codec) error {
	if c == nil {
		return fmt.Errorf("codec: nil codec")
	}
	if c.Type() < FirstUserType {
		return fmt.Errorf("%w: %s", ErrReservedType, c.Type())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[c.Type()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, c.Type())
	}
	r.codecs[c.Type()] = c
	return nil
}

// Lookup returns the codec registered for t, or ErrUnknownType.
func (r *Registry) Lookup(t Type) (Codec, error) {
	r.mu.RLock()
	c, ok := r.codecs[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return c, nil
}

// Complex returns the codec for t when it supports internalize and
// externalize.
func (r *Registry) Complex(t Type) (ComplexCodec, error) {
	c, err := r.Lookup(t)
	if err != nil {
		return nil, err
	}
	cc, ok := c.(ComplexCodec)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotComplex, t)
	}
	return cc, nil
}

// Append encodes v with the codec registered for its type.
func (r *Registry) Append(b []byte, v Value) ([]byte, error) {
	c, err := r.Lookup(v.Type())
	if err != nil {
		return b, err
	}
	return c.Append(b, v)
}

// Decode decodes a value of type t that must occupy all of b.
func (r *Registry) Decode(t Type, b []byte) (Value, error) {
	c, err := r.Lookup(t)
	if err != nil {
		return Value{}, err
	}
	v, n, err := c.Consume(b)
	if err != nil {
		return Value{}, err
	}
	if n != len(b) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes after %s", ErrMalformed, len(b)-n, t)
	}
	return v, nil
}
