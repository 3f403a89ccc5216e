package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/DobryySoul/nettable/internal/codec"
)

// MaxMessageSize bounds a single encoded message body.
const MaxMessageSize = 1 << 20

// AppendFrame appends m prefixed with its varint body length.
func AppendFrame(b []byte, m Message, reg *codec.Registry) ([]byte, error) {
	body, err := Append(nil, m, reg)
	if err != nil {
		return b, err
	}
	if len(body) > MaxMessageSize {
		return b, fmt.Errorf("wire: %s body of %d bytes exceeds limit", m.Kind, len(body))
	}
	return protowire.AppendBytes(b, body), nil
}

// ConsumeFrame decodes one framed message from the front of b.
func ConsumeFrame(b []byte, reg *codec.Registry) (Message, int, error) {
	body, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return Message{}, 0, fmt.Errorf("%w: frame: %w", ErrMalformed, protowire.ParseError(n))
	}
	if len(body) > MaxMessageSize {
		return Message{}, 0, malformed("frame of %d bytes exceeds limit", len(body))
	}
	m, err := Decode(body, reg)
	if err != nil {
		return Message{}, 0, err
	}
	return m, n, nil
}

// ReadFrame reads one framed message from a stream. It returns io.EOF
// only when the stream ends cleanly between frames.
func ReadFrame(r *bufio.Reader, reg *codec.Registry) (Message, error) {
	size, err := readLength(r)
	if err != nil {
		return Message{}, err
	}
	if size > MaxMessageSize {
		return Message{}, malformed("frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return Decode(body, reg)
}

func readLength(r *bufio.Reader) (uint64, error) {
	var head [binary.MaxVarintLen64]byte
	for i := range head {
		c, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && i > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		head[i] = c
		if c < 0x80 {
			size, n := protowire.ConsumeVarint(head[:i+1])
			if n < 0 {
				return 0, fmt.Errorf("%w: frame length: %w", ErrMalformed, protowire.ParseError(n))
			}
			return size, nil
		}
	}
	return 0, malformed("frame length overflows")
}
