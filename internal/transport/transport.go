package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/DobryySoul/nettable/internal/codec"
	"github.com/DobryySoul/nettable/internal/wire"
)

// ErrClosed is returned by Accept after the listener was closed.
var ErrClosed = errors.New("transport: closed")

// Conn carries protocol messages. ReadMessage is called from one goroutine;
// WriteMessage and Flush may be called concurrently with it. Close unblocks
// a pending ReadMessage. ReadMessage returns io.EOF when the peer closed
// cleanly.
//
// Writes are bounded by a write timeout. A zero read deadline waits
// forever; once a deadline passes the connection is unusable.
type Conn interface {
	ReadMessage() (wire.Message, error)
	WriteMessage(m wire.Message) error
	Flush() error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// Listener hands out the connections of accepted peers.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

const streamBufferSize = 32 * 1024

// DefaultWriteTimeout bounds a single write or flush to a peer.
const DefaultWriteTimeout = 5 * time.Second

// StreamConn frames messages over a byte stream such as TCP.
type StreamConn struct {
	conn net.Conn
	reg  *codec.Registry
	r    *bufio.Reader

	writeMu      sync.Mutex
	w            *bufio.Writer
	scratch      []byte
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps conn with buffered framing and DefaultWriteTimeout.
func NewStreamConn(conn net.Conn, reg *codec.Registry) *StreamConn {
	return &StreamConn{
		conn:         conn,
		reg:          reg,
		r:            bufio.NewReaderSize(conn, streamBufferSize),
		w:            bufio.NewWriterSize(conn, streamBufferSize),
		writeTimeout: DefaultWriteTimeout,
	}
}

// SetWriteTimeout changes the bound on each write. Zero disables it.
func (c *StreamConn) SetWriteTimeout(timeout time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeTimeout = timeout
}

// ReadMessage reads the next framed message.
func (c *StreamConn) ReadMessage() (wire.Message, error) {
	return wire.ReadFrame(c.r, c.reg)
}

// SetReadDeadline bounds the pending and future reads.
func (c *StreamConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// WriteMessage buffers m until the next Flush. A full buffer is written
// out right away.
func (c *StreamConn) WriteMessage(m wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame, err := wire.AppendFrame(c.scratch[:0], m, c.reg)
	if err != nil {
		return err
	}
	c.scratch = frame
	if len(frame) > c.w.Available() {
		c.armWriteLocked()
	}
	_, err = c.w.Write(frame)
	return err
}

// Flush writes the buffered messages. It fails once the write timeout
// passes, and the connection must then be closed.
func (c *StreamConn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.w.Buffered() == 0 {
		return nil
	}
	c.armWriteLocked()
	return c.w.Flush()
}

func (c *StreamConn) armWriteLocked() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// Close closes the underlying connection once.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer's network address.
func (c *StreamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// TCPListener accepts StreamConns.
type TCPListener struct {
	ln  net.Listener
	reg *codec.Registry
}

// ListenTCP listens on addr and frames accepted connections with reg.
func ListenTCP(addr string, reg *codec.Registry) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln, reg: reg}, nil
}

// Accept waits for the next peer. It returns ErrClosed after Close.
func (l *TCPListener) Accept() (Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return NewStreamConn(conn, l.reg), nil
}

// Close stops accepting.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// Addr returns the bound address, with the chosen port.
func (l *TCPListener) Addr() string {
	return l.ln.Addr().String()
}

// DialTCP connects to a hosting node at addr.
func DialTCP(ctx context.Context, addr string, reg *codec.Registry) (*StreamConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewStreamConn(conn, reg), nil
}
