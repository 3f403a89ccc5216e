package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/DobryySoul/nettable/internal/codec"
	"github.com/DobryySoul/nettable/internal/storage"
)

// ProtocolRevision must match exactly between peers.
const ProtocolRevision uint16 = 0x0300

// ErrMalformed wraps every decode failure. A peer that sends one is out
// of sync and its connection cannot continue.
var ErrMalformed = errors.New("wire: malformed message")

// Kind is the one-byte message type on the wire.
type Kind uint8

const (
	KindKeepAlive                  Kind = 0x00
	KindHello                      Kind = 0x01
	KindProtocolVersionUnsupported Kind = 0x02
	KindServerHelloComplete        Kind = 0x03
	KindEntryAssignment            Kind = 0x10
	KindEntryUpdate                Kind = 0x11
)

func (k Kind) String() string {
	switch k {
	case KindKeepAlive:
		return "keep-alive"
	case KindHello:
		return "hello"
	case KindProtocolVersionUnsupported:
		return "protocol-unsupported"
	case KindServerHelloComplete:
		return "server-hello-complete"
	case KindEntryAssignment:
		return "entry-assignment"
	case KindEntryUpdate:
		return "entry-update"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Message is one protocol message. Fields not used by Kind are zero.
type Message struct {
	Kind Kind
	// Revision is the requested revision for Hello and the supported one
	// for ProtocolVersionUnsupported.
	Revision uint16
	ID       storage.ID
	Name     string
	Sequence storage.SequenceNumber
	Value    codec.Value
}

// KeepAlive builds a liveness message.
func KeepAlive() Message {
	return Message{Kind: KindKeepAlive}
}

// Hello opens a session with the client's protocol revision.
func Hello(revision uint16) Message {
	return Message{Kind: KindHello, Revision: revision}
}

// ProtocolVersionUnsupported tells a client which revision the server speaks.
func ProtocolVersionUnsupported(supported uint16) Message {
	return Message{Kind: KindProtocolVersionUnsupported, Revision: supported}
}

// ServerHelloComplete ends the server's table bootstrap.
func ServerHelloComplete() Message {
	return Message{Kind: KindServerHelloComplete}
}

// EntryAssignment announces an entry with its name and type.
func EntryAssignment(state storage.EntryState) Message {
	return Message{
		Kind:     KindEntryAssignment,
		ID:       state.ID,
		Name:     state.Name,
		Sequence: state.Sequence,
		Value:    state.Value,
	}
}

// EntryUpdate carries a new value for a known id.
func EntryUpdate(state storage.EntryState) Message {
	return Message{
		Kind:     KindEntryUpdate,
		ID:       state.ID,
		Sequence: state.Sequence,
		Value:    state.Value,
	}
}

func (m Message) String() string {
	switch m.Kind {
	case KindHello, KindProtocolVersionUnsupported:
		return fmt.Sprintf("%s(0x%04x)", m.Kind, m.Revision)
	case KindEntryAssignment:
		return fmt.Sprintf("%s(%d %q seq=%d %s)", m.Kind, m.ID, m.Name, m.Sequence, m.Value)
	case KindEntryUpdate:
		return fmt.Sprintf("%s(%d seq=%d %s)", m.Kind, m.ID, m.Sequence, m.Value)
	default:
		return m.Kind.String()
	}
}

// Field numbers of the message body.
const (
	fieldKind     protowire.Number = 1
	fieldRevision protowire.Number = 2
	fieldID       protowire.Number = 3
	fieldName     protowire.Number = 4
	fieldType     protowire.Number = 5
	fieldSequence protowire.Number = 6
	fieldValue    protowire.Number = 7
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Append encodes the body of m onto b.
func Append(b []byte, m Message, reg *codec.Registry) ([]byte, error) {
	b = appendVarintField(b, fieldKind, uint64(m.Kind))
	switch m.Kind {
	case KindKeepAlive, KindServerHelloComplete:
	case KindHello, KindProtocolVersionUnsupported:
		b = appendVarintField(b, fieldRevision, uint64(m.Revision))
	case KindEntryAssignment, KindEntryUpdate:
		b = appendVarintField(b, fieldID, uint64(m.ID))
		if m.Kind == KindEntryAssignment {
			b = protowire.AppendTag(b, fieldName, protowire.BytesType)
			b = protowire.AppendString(b, m.Name)
		}
		b = appendVarintField(b, fieldType, uint64(m.Value.Type()))
		b = appendVarintField(b, fieldSequence, uint64(m.Sequence))
		value, err := reg.Append(nil, m.Value)
		if err != nil {
			return b, fmt.Errorf("wire: encode %s: %w", m.Kind, err)
		}
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, value)
	default:
		return b, fmt.Errorf("wire: cannot encode %s", m.Kind)
	}
	return b, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode parses a message body. Unknown fields are skipped.
func Decode(b []byte, reg *codec.Registry) (Message, error) {
	var (
		m        Message
		seen     = map[protowire.Number]bool{}
		typ      codec.Type
		rawValue []byte
	)
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldName && wtyp == protowire.BytesType:
			m.Name, n = protowire.ConsumeString(b)
		case num == fieldValue && wtyp == protowire.BytesType:
			rawValue, n = protowire.ConsumeBytes(b)
		case num >= fieldKind && num <= fieldSequence && wtyp == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 {
				if err := setVarint(&m, &typ, num, v); err != nil {
					return Message{}, err
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, wtyp, b)
		}
		if n < 0 {
			return Message{}, fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
		}
		seen[num] = true
		b = b[n:]
	}

	if !seen[fieldKind] {
		return Message{}, malformed("missing kind")
	}
	var required []protowire.Number
	switch m.Kind {
	case KindKeepAlive, KindServerHelloComplete:
	case KindHello, KindProtocolVersionUnsupported:
		required = []protowire.Number{fieldRevision}
	case KindEntryAssignment:
		required = []protowire.Number{fieldID, fieldName, fieldType, fieldSequence, fieldValue}
	case KindEntryUpdate:
		required = []protowire.Number{fieldID, fieldType, fieldSequence, fieldValue}
	default:
		return Message{}, malformed("unknown kind 0x%02x", uint8(m.Kind))
	}
	for _, num := range required {
		if !seen[num] {
			return Message{}, malformed("%s without field %d", m.Kind, num)
		}
	}
	if seen[fieldValue] {
		value, err := reg.Decode(typ, rawValue)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %s %q: %w", ErrMalformed, m.Kind, m.Name, err)
		}
		m.Value = value
	}
	return m, nil
}

func setVarint(m *Message, typ *codec.Type, num protowire.Number, v uint64) error {
	limit := uint64(0xFFFF)
	if num == fieldKind || num == fieldType {
		limit = 0xFF
	}
	if v > limit {
		return malformed("field %d out of range: %d", num, v)
	}
	switch num {
	case fieldKind:
		m.Kind = Kind(v)
	case fieldRevision:
		m.Revision = uint16(v)
	case fieldID:
		m.ID = storage.ID(v)
	case fieldType:
		*typ = codec.Type(v)
	case fieldSequence:
		m.Sequence = storage.SequenceNumber(v)
	}
	return nil
}
