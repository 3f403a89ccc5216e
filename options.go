package nettable

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"
)

// Option configures the node on creation.
// Return an error to reject an invalid option value.
type Option func(*Config) error

// Transport selects how peers are connected.
type Transport int

const (
	// TransportTCP frames messages directly on a TCP stream.
	TransportTCP Transport = iota
	// TransportWebSocket carries messages in binary websocket frames.
	TransportWebSocket
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportWebSocket:
		return "websocket"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}

// Config holds runtime configuration for a nettable node.
// Users typically set it via Option helpers.
type Config struct {
	NodeID string
	// BindAddr makes the node the hosting server of the table.
	BindAddr string
	// ServerAddr makes the node a client of the server at this address.
	ServerAddr string
	// DiscoverServer makes the node a client of a server found with mDNS.
	DiscoverServer bool
	// Discovery lets a hosting node announce itself with mDNS.
	Discovery         bool
	FlushInterval     time.Duration
	KeepAliveInterval time.Duration
	Transport         Transport
	WebSocketPath     string
	Reconnect         bool

	codecs       []Codec
	errorHandler func(error)
}

func defaultConfig() Config {
	return Config{
		Discovery:         true,
		FlushInterval:     50 * time.Millisecond,
		KeepAliveInterval: time.Second,
		Transport:         TransportTCP,
		WebSocketPath:     "/nettable",
		Reconnect:         true,
	}
}

func (c *Config) finalize() error {
	if c.NodeID == "" {
		id, err := randomNodeID()
		if err != nil {
			return err
		}
		c.NodeID = id
	}
	if c.BindAddr != "" {
		if err := validateAddr(c.BindAddr); err != nil {
			return err
		}
	}
	if c.BindAddr != "" && (c.ServerAddr != "" || c.DiscoverServer) {
		return fmt.Errorf("nettable: a node cannot both host and join a table")
	}
	if c.ServerAddr != "" && c.DiscoverServer {
		return fmt.Errorf("nettable: server addr and server discovery are exclusive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("nettable: flush interval must be positive")
	}
	if c.KeepAliveInterval <= 0 {
		return fmt.Errorf("nettable: keep-alive interval must be positive")
	}
	if !strings.HasPrefix(c.WebSocketPath, "/") {
		return fmt.Errorf("nettable: websocket path %q must start with /", c.WebSocketPath)
	}
	return nil
}

// WithNodeID sets a stable node identifier used for discovery.
// If omitted, a random ID is generated.
func WithNodeID(nodeID string) Option {
	return func(c *Config) error {
		if nodeID == "" {
			return fmt.Errorf("nettable: node id cannot be empty")
		}
		c.NodeID = nodeID
		return nil
	}
}

// WithBindAddr makes the node host the table on addr (host:port).
// It is validated with net.SplitHostPort.
func WithBindAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("nettable: bind addr cannot be empty")
		}
		if err := validateAddr(addr); err != nil {
			return err
		}
		c.BindAddr = addr
		return nil
	}
}

// WithServerAddr makes the node a client of the hosting node at addr.
// With TransportWebSocket addr may also be a full ws:// URL.
func WithServerAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("nettable: server addr cannot be empty")
		}
		if !strings.Contains(addr, "://") {
			if err := validateAddr(addr); err != nil {
				return err
			}
		}
		c.ServerAddr = addr
		return nil
	}
}

// WithServerDiscovery makes the node a client of whichever hosting node
// it finds with mDNS.
func WithServerDiscovery() Option {
	return func(c *Config) error {
		c.DiscoverServer = true
		return nil
	}
}

// WithDiscovery enables or disables the mDNS announcement of a hosting node.
func WithDiscovery(enabled bool) Option {
	return func(c *Config) error {
		c.Discovery = enabled
		return nil
	}
}

// WithFlushInterval sets the write coalescing window. Local writes to the
// same entry within one window go out as a single message.
func WithFlushInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("nettable: flush interval must be positive")
		}
		c.FlushInterval = interval
		return nil
	}
}

// WithKeepAliveInterval sets how often keep-alives go to connected peers. A
// session whose peer stays silent for three intervals ends, so nodes
// sharing a table should use the same interval.
func WithKeepAliveInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("nettable: keep-alive interval must be positive")
		}
		c.KeepAliveInterval = interval
		return nil
	}
}

// WithTransport selects the connection transport. Both ends must agree.
func WithTransport(t Transport) Option {
	return func(c *Config) error {
		if t != TransportTCP && t != TransportWebSocket {
			return fmt.Errorf("nettable: unknown transport %d", int(t))
		}
		c.Transport = t
		return nil
	}
}

// WithWebSocketPath sets the HTTP path of the websocket endpoint.
func WithWebSocketPath(path string) Option {
	return func(c *Config) error {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("nettable: websocket path %q must start with /", path)
		}
		c.WebSocketPath = path
		return nil
	}
}

// WithCodec registers a codec for an application value type, usually a
// ComplexCodec. Every node sharing such values must register the same
// codec under the same tag.
func WithCodec(codec Codec) Option {
	return func(c *Config) error {
		if codec == nil {
			return fmt.Errorf("nettable: codec cannot be nil")
		}
		c.codecs = append(c.codecs, codec)
		return nil
	}
}

// WithReconnect controls whether a client redials its server after the
// session ends. It is on by default.
func WithReconnect(enabled bool) Option {
	return func(c *Config) error {
		c.Reconnect = enabled
		return nil
	}
}

// WithErrorHandler sets a callback for background errors (protocol
// violations, transport faults, rejected remote mutations).
// It is best-effort and must be fast and non-blocking.
func WithErrorHandler(handler func(error)) Option {
	return func(c *Config) error {
		if handler == nil {
			return fmt.Errorf("nettable: error handler cannot be nil")
		}
		c.errorHandler = handler
		return nil
	}
}

func randomNodeID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("nettable: generate node id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("nettable: invalid address %q: %w", addr, err)
	}
	return nil
}
