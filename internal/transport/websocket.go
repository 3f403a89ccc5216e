package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/DobryySoul/nettable/internal/codec"
	"github.com/DobryySoul/nettable/internal/wire"
)

// WebSocketSettings configure both ends of a websocket connection.
type WebSocketSettings struct {
	Path             string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// DefaultWebSocketSettings returns the settings used when none are given.
func DefaultWebSocketSettings() *WebSocketSettings {
	return &WebSocketSettings{
		Path:             "/nettable",
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// WebSocketConn sends everything written between two flushes as one binary
// frame. A frame may carry several messages.
type WebSocketConn struct {
	ws       *websocket.Conn
	reg      *codec.Registry
	settings *WebSocketSettings

	frame []byte

	writeMu sync.Mutex
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

func newWebSocketConn(ws *websocket.Conn, settings *WebSocketSettings, reg *codec.Registry) *WebSocketConn {
	return &WebSocketConn{
		ws:       ws,
		reg:      reg,
		settings: settings,
	}
}

// ReadMessage returns the next message, reading a new frame when the
// current one is used up.
func (c *WebSocketConn) ReadMessage() (wire.Message, error) {
	for len(c.frame) == 0 {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return wire.Message{}, io.EOF
			}
			return wire.Message{}, err
		}
		if messageType != websocket.BinaryMessage {
			return wire.Message{}, fmt.Errorf("%w: websocket message type %d", wire.ErrMalformed, messageType)
		}
		c.frame = data
	}
	m, n, err := wire.ConsumeFrame(c.frame, c.reg)
	if err != nil {
		c.frame = nil
		return wire.Message{}, err
	}
	c.frame = c.frame[n:]
	return m, nil
}

// SetReadDeadline bounds the pending and future frame reads.
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// WriteMessage appends m to the frame sent by the next Flush.
func (c *WebSocketConn) WriteMessage(m wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	pending, err := wire.AppendFrame(c.pending, m, c.reg)
	if err != nil {
		return err
	}
	c.pending = pending
	return nil
}

// Flush sends the pending messages as one binary frame.
func (c *WebSocketConn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	// note that for websocket a deadline timeout cannot be recovered
	err := c.ws.WriteMessage(websocket.BinaryMessage, c.pending)
	c.pending = c.pending[:0]
	return err
}

// Close sends a close frame and closes the connection once.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.settings.WriteTimeout),
		)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer's network address.
func (c *WebSocketConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// WebSocketListener serves the websocket upgrade on settings.Path and hands
// upgraded connections to Accept.
type WebSocketListener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	settings *WebSocketSettings
	reg      *codec.Registry

	conns     chan *WebSocketConn
	done      chan struct{}
	closeOnce sync.Once
}

// ListenWebSocket serves the websocket endpoint on addr.
func ListenWebSocket(addr string, settings *WebSocketSettings, reg *codec.Registry) (*WebSocketListener, error) {
	if settings == nil {
		settings = DefaultWebSocketSettings()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	l := &WebSocketListener{
		ln: ln,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		settings: settings,
		reg:      reg,
		conns:    make(chan *WebSocketConn),
		done:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(settings.Path, l.handle)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: settings.HandshakeTimeout,
	}
	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Infof("[ws]serve %s error = %s\n", ln.Addr(), err)
		}
	}()
	return l, nil
}

func (l *WebSocketListener) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[ws]upgrade %s error = %s\n", r.RemoteAddr, err)
		return
	}
	conn := newWebSocketConn(ws, l.settings, l.reg)
	select {
	case l.conns <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

// Accept waits for the next upgraded peer. It returns ErrClosed after Close.
func (l *WebSocketListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

// Close shuts the HTTP server down and stops accepting.
func (l *WebSocketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

// Addr returns the bound address, with the chosen port.
func (l *WebSocketListener) Addr() string {
	return l.ln.Addr().String()
}

// URL returns the ws:// address clients dial.
func (l *WebSocketListener) URL() string {
	return WebSocketURL(l.Addr(), l.settings.Path)
}

// WebSocketURL builds the ws:// URL of the endpoint at addr and path.
func WebSocketURL(addr, path string) string {
	return "ws://" + addr + path
}

// DialWebSocket connects to the websocket endpoint at url.
func DialWebSocket(ctx context.Context, url string, settings *WebSocketSettings, reg *codec.Registry) (*WebSocketConn, error) {
	if settings == nil {
		settings = DefaultWebSocketSettings()
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newWebSocketConn(ws, settings, reg), nil
}
