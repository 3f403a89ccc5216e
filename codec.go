package nettable

import (
	"github.com/DobryySoul/nettable/internal/codec"
	"github.com/DobryySoul/nettable/internal/session"
	"github.com/DobryySoul/nettable/internal/storage"
)

type (
	// Type is the one-byte tag of a value type. Tags below FirstUserType
	// are reserved for the built-in types and rejected by WithCodec.
	Type = codec.Type
	// Value is an immutable tagged payload.
	Value = codec.Value
	// Codec encodes and decodes values of one type.
	Codec = codec.Codec
	// ComplexCodec is a Codec for structured values, with conversions
	// between the stored value and a caller-facing representation.
	ComplexCodec = codec.ComplexCodec
	// ArrayCodec encodes a list of values of one element codec.
	ArrayCodec = codec.ArrayCodec

	// ID is the numeric id a hosting node assigns to an entry.
	ID = storage.ID
	// SequenceNumber orders the writes to an entry, modulo 2^16.
	SequenceNumber = storage.SequenceNumber
	// EntryInfo is a snapshot of one entry.
	EntryInfo = storage.EntryState

	// Listener observes every accepted change. isNew is true the first
	// time an entry is reported. A listener may read the node but must not
	// write to it synchronously.
	Listener = storage.Listener
	// ListenerID identifies a registered Listener.
	ListenerID = storage.ListenerID

	// SessionState is the handshake state of a peer connection.
	SessionState = session.State
)

const (
	TypeBoolean      = codec.TypeBoolean
	TypeDouble       = codec.TypeDouble
	TypeString       = codec.TypeString
	TypeRaw          = codec.TypeRaw
	TypeBooleanArray = codec.TypeBooleanArray
	TypeDoubleArray  = codec.TypeDoubleArray
	TypeStringArray  = codec.TypeStringArray

	// FirstUserType is the lowest tag available to WithCodec.
	FirstUserType = codec.FirstUserType
)

// UnknownID is the id of an entry no hosting node has numbered yet.
const UnknownID = storage.UnknownID

const (
	SessionAwaitingHello = session.StateAwaitingHello
	SessionConnected     = session.StateConnected
	SessionDisconnected  = session.StateDisconnected
	SessionError         = session.StateError
)

// Boolean wraps v as a boolean value.
func Boolean(v bool) Value { return codec.Boolean(v) }

// Double wraps v as a double value.
func Double(v float64) Value { return codec.Double(v) }

// String wraps v as a string value.
func String(v string) Value { return codec.String(v) }

// Raw copies v.
func Raw(v []byte) Value { return codec.Raw(v) }

// BooleanArray wraps a copy of v.
func BooleanArray(v []bool) Value { return codec.BooleanArray(v) }

// DoubleArray wraps a copy of v.
func DoubleArray(v []float64) Value { return codec.DoubleArray(v) }

// StringArray wraps a copy of v.
func StringArray(v []string) Value { return codec.StringArray(v) }

// Complex wraps data produced by a complex codec. data must not be
// modified afterwards.
func Complex(t Type, data any) Value { return codec.Complex(t, data) }

// NewArrayCodec returns a codec for arrays of elem's values, stored as
// []Value, under tag t.
func NewArrayCodec(t Type, elem Codec) *ArrayCodec {
	return codec.NewArrayCodec(t, elem)
}
